// Package workflow provides the DAG-based execution engine for business-scan
// pipelines.
//
// A workflow Definition is a directed acyclic graph of steps connected by
// edges. Each step names a registered step type and carries a configuration
// object validated against that type's schema. Edges may carry an optional
// `when` condition written in the restricted expression grammar of
// internal/security; an edge with no condition always fires.
//
// # Core components
//
//   - Definition: the declarative wire-format model (JSON, also YAML)
//   - Validator: structural validation incl. reference and cycle checks
//   - Executor: layer-by-layer concurrent walk with conditional branching
//
// # Execution model
//
// Execution starts at the entry step. All steps of the current layer run
// concurrently; the executor waits for the whole layer (a barrier) before
// evaluating outgoing edges and assembling the next layer. Context updates
// from steps in the same layer are merged in task-completion order with
// last-writer-wins semantics. Any failure in a layer stops the walk after
// the layer finishes; partial progress stays in the run context and in the
// durable step records for diagnosis.
package workflow
