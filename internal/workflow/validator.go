package workflow

import (
	"fmt"
	"strings"

	"github.com/leadflow-ai/leadflow/internal/types"
)

// StepTypes reports which step types are registered. The step registry
// implements it; the validator only needs membership checks.
type StepTypes interface {
	Has(stepType string) bool
}

// Validator performs the structural checks a definition must pass before a
// run is created. Every violation is a non-retryable validation error and
// the run never starts.
type Validator struct {
	stepTypes StepTypes
}

// NewValidator creates a Validator. stepTypes may be nil, in which case
// step-type registration is not checked (used when validating drafts before
// the registry is assembled).
func NewValidator(stepTypes StepTypes) *Validator {
	return &Validator{stepTypes: stepTypes}
}

// Validate runs all structural checks:
//   - at least one step, unique step keys
//   - entry and every edge endpoint reference declared keys
//   - every step type is registered
//   - the graph contains no cycle
//   - tool template names are unique
func (v *Validator) Validate(def *Definition) error {
	if def == nil {
		return validationError("definition cannot be nil")
	}
	if len(def.Steps) == 0 {
		return validationError("definition must contain at least one step")
	}

	keys := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Key == "" {
			return validationError("step key cannot be empty")
		}
		if keys[step.Key] {
			return validationError(fmt.Sprintf("duplicate step key %q", step.Key))
		}
		if step.Type == "" {
			return validationError(fmt.Sprintf("step %q has no type", step.Key))
		}
		keys[step.Key] = true
	}

	if def.Entry == "" {
		return validationError("definition has no entry step")
	}
	if !keys[def.Entry] {
		return validationError(fmt.Sprintf("entry references undeclared step %q", def.Entry))
	}

	for _, edge := range def.Edges {
		if !keys[edge.From] {
			return validationError(fmt.Sprintf("edge references undeclared source step %q", edge.From))
		}
		if !keys[edge.To] {
			return validationError(fmt.Sprintf("edge references undeclared destination step %q", edge.To))
		}
	}

	if v.stepTypes != nil {
		for _, step := range def.Steps {
			if !v.stepTypes.Has(step.Type) {
				return validationError(fmt.Sprintf("step %q uses unregistered type %q", step.Key, step.Type))
			}
		}
	}

	if cycle := detectCycle(def); len(cycle) > 0 {
		return &types.LeadflowError{
			Code:    types.WORKFLOW_CYCLE_DETECTED,
			Message: fmt.Sprintf("cycle detected in workflow: %s", strings.Join(cycle, " -> ")),
		}
	}

	if def.Tools != nil {
		names := make(map[string]bool, len(def.Tools.Templates))
		for _, tpl := range def.Tools.Templates {
			if tpl.Name == "" {
				return validationError("tool template name cannot be empty")
			}
			if tpl.ToolType == "" {
				return validationError(fmt.Sprintf("tool template %q has no toolType", tpl.Name))
			}
			if names[tpl.Name] {
				return validationError(fmt.Sprintf("duplicate tool template name %q", tpl.Name))
			}
			names[tpl.Name] = true
		}
	}

	return nil
}

func validationError(msg string) *types.LeadflowError {
	return types.NewError(types.WORKFLOW_VALIDATION_FAILED, msg)
}

// detectCycle runs a depth-first search with color marking over the edge
// graph. White (0) = unvisited, gray (1) = in-progress, black (2) = done.
// Returns the nodes of a cycle when one exists, otherwise nil.
func detectCycle(def *Definition) []string {
	adj := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		adj[step.Key] = nil
	}
	for _, edge := range def.Edges {
		adj[edge.From] = append(adj[edge.From], edge.To)
	}

	color := make(map[string]int, len(def.Steps))
	parent := make(map[string]string, len(def.Steps))

	var dfs func(key string) []string
	dfs = func(key string) []string {
		color[key] = 1

		for _, neighbor := range adj[key] {
			switch color[neighbor] {
			case 0:
				parent[neighbor] = key
				if cycle := dfs(neighbor); cycle != nil {
					return cycle
				}
			case 1:
				// Back edge: reconstruct the cycle path.
				cycle := []string{neighbor}
				for current := key; current != neighbor; current = parent[current] {
					cycle = append([]string{current}, cycle...)
				}
				return append([]string{neighbor}, cycle...)
			}
		}

		color[key] = 2
		return nil
	}

	for _, step := range def.Steps {
		if color[step.Key] == 0 {
			if cycle := dfs(step.Key); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
