// Package step provides the step registry and the execution discipline
// shared by every step type: config validation, per-attempt persistence,
// panic containment, retry with exponential backoff, and output
// namespacing into the run's data context.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/store"
	"github.com/leadflow-ai/leadflow/internal/tool"
	"github.com/leadflow-ai/leadflow/internal/types"
	"github.com/leadflow-ai/leadflow/internal/workflow"
)

const maxAttempts = 3

// ExecContext carries everything a step handler may touch during one
// step execution. Data is a snapshot; handlers communicate changes
// through the returned Output, never by mutating Data.
type ExecContext struct {
	RunID      types.ID
	ScanID     types.ID
	LeadID     types.ID
	Step       workflow.Step
	Data       map[string]any
	Definition *workflow.Definition
	Store      store.Store
	Tools      *tool.Registry
	Logger     *slog.Logger
}

// Metadata exposes the definition metadata for interpolation and
// condition paths.
func (ec *ExecContext) Metadata() map[string]any {
	if ec.Definition == nil {
		return map[string]any{}
	}
	return ec.Definition.MetadataMap()
}

// Output is what a successful step handler produces. Outputs land in
// the run data under "{stepKey}_outputs"; Updates are merged at the top
// level and are how steps like toolCall honor saveAs.
type Output struct {
	Outputs map[string]any
	Updates map[string]any
}

// RunFunc executes one step attempt.
type RunFunc func(ctx context.Context, ec *ExecContext) (*Output, error)

// Definition describes a registered step type.
type Definition struct {
	Type         string
	Description  string
	ConfigSchema *schema.JSONSchema
	Run          RunFunc
}

// Registry holds the available step types and runs them under the
// shared execution discipline.
type Registry struct {
	mu     sync.RWMutex
	steps  map[string]Definition
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSleep overrides the retry backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Registry) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewRegistry returns an empty step registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		steps:  make(map[string]Definition),
		logger: slog.Default(),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a step type, replacing nothing: duplicates are an error.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return types.NewError(types.STEP_CONFIG_INVALID, "step type cannot be empty")
	}
	if def.Run == nil {
		return types.NewError(types.STEP_CONFIG_INVALID, fmt.Sprintf("step %s has no run function", def.Type))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[def.Type]; exists {
		return types.NewError(types.STEP_CONFIG_INVALID, fmt.Sprintf("step %s is already registered", def.Type))
	}
	r.steps[def.Type] = def
	return nil
}

// Has reports whether a step type is registered. Satisfies the
// workflow validator's StepTypes dependency.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[stepType]
	return ok
}

// List returns registered step types in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one step with the full discipline: validate config,
// persist a fresh attempt record per try, contain panics, retry
// retryable failures with exponential backoff, and namespace outputs.
// The returned map holds the run-data updates to merge on success.
func (r *Registry) Execute(ctx context.Context, ec *ExecContext) (map[string]any, error) {
	def, ok := r.get(ec.Step.Type)
	if !ok {
		return nil, types.NewError(types.STEP_TYPE_UNKNOWN,
			fmt.Sprintf("unknown step type: %s", ec.Step.Type))
	}

	config := ec.Step.Config
	if config == nil {
		config = make(map[string]any)
	}
	if def.ConfigSchema != nil {
		config = schema.ApplyDefaults(*def.ConfigSchema, config)
		if err := schema.Check(*def.ConfigSchema, config); err != nil {
			return nil, types.WrapError(types.STEP_CONFIG_INVALID,
				fmt.Sprintf("invalid config for step %s", ec.Step.Key), err)
		}
		cp := ec.Step
		cp.Config = config
		ec = shallowWith(ec, cp)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			r.logger.InfoContext(ctx, "retrying step",
				"run_id", ec.RunID,
				"step", ec.Step.Key,
				"attempt", attempt,
				"backoff", backoff)
			if err := r.sleep(ctx, backoff); err != nil {
				return nil, types.WrapError(types.STEP_EXECUTION_FAILED, "step retry cancelled", err)
			}
		}

		output, err := r.runAttempt(ctx, def, ec, attempt)
		if err == nil {
			return mergeOutput(ec.Step.Key, output), nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// runAttempt persists a record for this attempt, including the input
// snapshot the handler sees, runs the handler under panic recovery, and
// closes the record out.
func (r *Registry) runAttempt(ctx context.Context, def Definition, ec *ExecContext, attempt int) (*Output, error) {
	record := &store.WorkflowRunStep{
		RunID:     ec.RunID,
		StepKey:   ec.Step.Key,
		StepType:  ec.Step.Type,
		Attempt:   attempt,
		Status:    store.StepRunning,
		StartedAt: time.Now().UTC(),
	}
	if len(ec.Data) > 0 {
		if encoded, err := json.Marshal(ec.Data); err == nil {
			record.Input = encoded
		}
	}
	if ec.Store != nil {
		if err := ec.Store.CreateRunStep(ctx, record); err != nil {
			return nil, err
		}
	}

	output, err := r.invoke(ctx, def, ec)

	if ec.Store != nil {
		now := time.Now().UTC()
		record.FinishedAt = &now
		if err != nil {
			record.Status = store.StepFailed
			record.Error = err.Error()
		} else {
			record.Status = store.StepCompleted
			if output != nil && output.Outputs != nil {
				if encoded, mErr := json.Marshal(output.Outputs); mErr == nil {
					record.Output = encoded
				}
			}
		}
		if uErr := ec.Store.UpdateRunStep(ctx, record); uErr != nil {
			r.logger.WarnContext(ctx, "persisting step outcome failed",
				"run_id", ec.RunID,
				"step", ec.Step.Key,
				"error", uErr)
		}
	}
	return output, err
}

// invoke calls the handler, converting panics into retryable errors so
// one misbehaving step cannot take the worker down.
func (r *Registry) invoke(ctx context.Context, def Definition, ec *ExecContext) (output *Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "step panicked",
				"run_id", ec.RunID,
				"step", ec.Step.Key,
				"step_type", ec.Step.Type,
				"panic", rec)
			output = nil
			err = types.NewRetryableError(types.STEP_EXECUTION_FAILED,
				fmt.Sprintf("step %s (type %s) panicked: %v", ec.Step.Key, ec.Step.Type, rec))
		}
	}()
	return def.Run(ctx, ec)
}

func (r *Registry) get(stepType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.steps[stepType]
	return def, ok
}

// mergeOutput builds the run-data updates for a successful step: the
// top-level Updates plus the namespaced "{stepKey}_outputs" entry.
func mergeOutput(stepKey string, output *Output) map[string]any {
	updates := make(map[string]any)
	if output != nil {
		for key, value := range output.Updates {
			updates[key] = value
		}
		if output.Outputs != nil {
			updates[stepKey+"_outputs"] = output.Outputs
		}
	}
	return updates
}

func shallowWith(ec *ExecContext, step workflow.Step) *ExecContext {
	cp := *ec
	cp.Step = step
	return &cp
}
