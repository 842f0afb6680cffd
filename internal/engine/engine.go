// Package engine binds the workflow executor to persistence: it
// resolves which workflow version a run should use, enriches the run
// context with scan and lead data, executes the DAG, and records the
// run's terminal state exactly once.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/leadflow-ai/leadflow/internal/step"
	"github.com/leadflow-ai/leadflow/internal/store"
	"github.com/leadflow-ai/leadflow/internal/tool"
	"github.com/leadflow-ai/leadflow/internal/types"
	"github.com/leadflow-ai/leadflow/internal/workflow"
)

// Engine executes workflow runs against the store.
type Engine struct {
	store     store.Store
	steps     *step.Registry
	tools     *tool.Registry
	executor  *workflow.Executor
	validator *workflow.Validator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the engine tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// New creates an engine over the given store and registries.
func New(st store.Store, steps *step.Registry, tools *tool.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		steps:     steps,
		tools:     tools,
		validator: workflow.NewValidator(steps),
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("leadflow.engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor = workflow.NewExecutor(
		workflow.WithLogger(e.logger),
		workflow.WithTracer(e.tracer),
	)
	return e
}

// CreateRunParams describe a run to enqueue.
type CreateRunParams struct {
	// BusinessType selects the published workflow. Resolution falls
	// back to the default workflow when no published version exists for
	// the type.
	BusinessType string
	ScanID       types.ID
	LeadID       types.ID
	Priority     int
	// Seed is merged into the initial run data under its own keys.
	Seed map[string]any
}

// CreateRun resolves the workflow version for the business type and
// persists a queued run. It does not execute anything.
func (e *Engine) CreateRun(ctx context.Context, params CreateRunParams) (*store.WorkflowRun, error) {
	version, err := e.resolveVersion(ctx, params.BusinessType)
	if err != nil {
		return nil, err
	}

	var seed []byte
	if len(params.Seed) > 0 {
		seed, err = json.Marshal(params.Seed)
		if err != nil {
			return nil, types.WrapError(types.WORKFLOW_EXECUTION_FAILED, "encoding run seed failed", err)
		}
	}

	run := &store.WorkflowRun{
		VersionID: version.ID,
		ScanID:    params.ScanID,
		LeadID:    params.LeadID,
		Status:    store.RunQueued,
		Priority:  params.Priority,
		Context:   seed,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow run created",
		"run_id", run.ID,
		"version_id", version.ID,
		"business_type", params.BusinessType,
		"priority", params.Priority)
	return run, nil
}

// RetryRun creates a fresh queued run for the next attempt of a prior
// run: same version, scan, and lead, reseeded from the given seed
// context. The prior run keeps its terminal record untouched.
func (e *Engine) RetryRun(ctx context.Context, priorRunID types.ID, seed map[string]any, attempts int) (*store.WorkflowRun, error) {
	prior, err := e.store.GetRun(ctx, priorRunID)
	if err != nil {
		return nil, err
	}

	var encoded []byte
	if len(seed) > 0 {
		encoded, err = json.Marshal(seed)
		if err != nil {
			return nil, types.WrapError(types.WORKFLOW_EXECUTION_FAILED, "encoding run seed failed", err)
		}
	}

	run := &store.WorkflowRun{
		VersionID: prior.VersionID,
		ScanID:    prior.ScanID,
		LeadID:    prior.LeadID,
		Status:    store.RunQueued,
		Priority:  prior.Priority,
		Attempts:  attempts,
		Context:   encoded,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "retry run created",
		"prior_run_id", priorRunID,
		"run_id", run.ID,
		"attempts", attempts)
	return run, nil
}

// resolveVersion finds the published version for the business type,
// falling back to the default workflow. No match at all is a permanent
// WORKFLOW_NOT_FOUND.
func (e *Engine) resolveVersion(ctx context.Context, businessType string) (*store.WorkflowVersion, error) {
	version, err := e.store.FindPublishedVersion(ctx, businessType)
	if err == nil {
		return version, nil
	}
	var lfErr *types.LeadflowError
	if !errors.As(err, &lfErr) || lfErr.Code != types.STORE_NOT_FOUND {
		return nil, err
	}
	if businessType != "" {
		if version, err = e.store.FindPublishedVersion(ctx, ""); err == nil {
			return version, nil
		}
	}
	return nil, types.NewError(types.WORKFLOW_NOT_FOUND,
		fmt.Sprintf("no published workflow for business type %q and no default workflow", businessType))
}

// ExecuteRun executes a queued run to a terminal state. The returned
// error reflects the run outcome so the scheduler can decide whether to
// re-enqueue; the terminal status is persisted before returning.
func (e *Engine) ExecuteRun(ctx context.Context, runID types.ID) error {
	ctx, span := e.tracer.Start(ctx, "engine.execute_run",
		trace.WithAttributes(attribute.String("run.id", runID.String())))
	defer span.End()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if run.Status.Terminal() {
		// Terminal states are set exactly once; a duplicate dispatch is
		// a no-op.
		e.logger.WarnContext(ctx, "run already terminal, skipping",
			"run_id", runID,
			"status", run.Status)
		return nil
	}

	now := time.Now().UTC()
	run.Status = store.RunRunning
	run.StartedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	def, err := e.loadDefinition(ctx, run)
	if err != nil {
		e.finishRun(ctx, run, nil, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	seed, err := e.buildSeed(ctx, run)
	if err != nil {
		e.finishRun(ctx, run, nil, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	runner := &storeBackedRunner{
		engine: e,
		run:    run,
		def:    def,
	}
	result := e.executor.Execute(ctx, def, seed, runner)

	e.finishRun(ctx, run, result, result.Err)
	if !result.Succeeded {
		span.SetStatus(codes.Error, result.Err.Error())
		return result.Err
	}
	span.SetStatus(codes.Ok, "run completed")
	return nil
}

// loadDefinition parses and validates the run's pinned definition.
// Validation failures at this point are permanent: the version is
// immutable, so retrying cannot help.
func (e *Engine) loadDefinition(ctx context.Context, run *store.WorkflowRun) (*workflow.Definition, error) {
	version, err := e.store.GetVersion(ctx, run.VersionID)
	if err != nil {
		return nil, err
	}
	def, err := workflow.ParseDefinition(version.Definition)
	if err != nil {
		return nil, err
	}
	if err := e.validator.Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// buildSeed assembles the initial run data: the stored seed context
// plus lead and scan records when the run references them.
func (e *Engine) buildSeed(ctx context.Context, run *store.WorkflowRun) (map[string]any, error) {
	seed := make(map[string]any)
	if len(run.Context) > 0 {
		if err := json.Unmarshal(run.Context, &seed); err != nil {
			return nil, types.WrapError(types.WORKFLOW_EXECUTION_FAILED, "decoding run context failed", err)
		}
	}

	if !run.LeadID.IsZero() {
		lead, err := e.store.GetLead(ctx, run.LeadID)
		if err != nil {
			return nil, err
		}
		seed["lead"] = map[string]any{
			"id":           lead.ID.String(),
			"email":        lead.Email,
			"company":      lead.Company,
			"website":      lead.Website,
			"businessType": lead.BusinessType,
			"score":        lead.Score,
		}
	}

	if !run.ScanID.IsZero() {
		scan, err := e.store.GetScan(ctx, run.ScanID)
		if err != nil {
			return nil, err
		}
		scanData := map[string]any{
			"id":     scan.ID.String(),
			"url":    scan.URL,
			"status": scan.Status,
		}
		if len(scan.Results) > 0 {
			var results any
			if err := json.Unmarshal(scan.Results, &results); err == nil {
				scanData["results"] = results
			}
		}
		seed["scan"] = scanData
	}
	return seed, nil
}

// finishRun records the terminal state. Failures to persist are logged,
// not returned: the run outcome itself takes precedence.
func (e *Engine) finishRun(ctx context.Context, run *store.WorkflowRun, result *workflow.Result, runErr error) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	if runErr != nil {
		run.Status = store.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = store.RunCompleted
		run.Error = ""
	}
	if result != nil && result.Data != nil {
		if encoded, err := json.Marshal(result.Data); err == nil {
			run.Context = encoded
		}
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.ErrorContext(ctx, "persisting run outcome failed",
			"run_id", run.ID,
			"status", run.Status,
			"error", err)
	}

	e.logger.InfoContext(ctx, "workflow run finished",
		"run_id", run.ID,
		"status", run.Status)
}

// storeBackedRunner adapts the step registry to the executor's runner
// contract for a single run.
type storeBackedRunner struct {
	engine *Engine
	run    *store.WorkflowRun
	def    *workflow.Definition
}

func (r *storeBackedRunner) Run(ctx context.Context, s workflow.Step, data map[string]any) (map[string]any, error) {
	return r.engine.steps.Execute(ctx, &step.ExecContext{
		RunID:      r.run.ID,
		ScanID:     r.run.ScanID,
		LeadID:     r.run.LeadID,
		Step:       s,
		Data:       data,
		Definition: r.def,
		Store:      r.engine.store,
		Tools:      r.engine.tools,
		Logger:     r.engine.logger,
	})
}
