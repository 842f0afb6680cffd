package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leadflow-ai/leadflow/internal/security"
	"github.com/leadflow-ai/leadflow/internal/types"
)

// StepRunner executes a single step of a run. The step registry implements
// it; the function owns durable step records, attempt-level retries, and
// output namespacing, and returns the context updates to merge.
type StepRunner interface {
	Run(ctx context.Context, step Step, data map[string]any) (map[string]any, error)
}

// Executor walks a validated Definition layer by layer. It is stateless
// across runs; per-run state lives on the stack of Execute.
type Executor struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// ExecutorOption is a functional option for configuring Executor.
type ExecutorOption func(*Executor)

// WithLogger configures the executor to use the specified structured logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithTracer configures the executor to emit OpenTelemetry spans for the
// run and for each step execution.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// NewExecutor creates an Executor. Defaults: slog.Default(), no tracer.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute walks the DAG from the entry step. seed is the initial run
// context; the returned Result carries the accumulated context whether the
// run succeeded or failed.
//
// Within a layer all steps run concurrently, bounded only by the layer size.
// The executor waits for the whole layer before evaluating outgoing edges:
// a step's successors can only appear in a later layer. Any failure in a
// layer stops the walk once the layer has drained.
func (e *Executor) Execute(ctx context.Context, def *Definition, seed map[string]any, runner StepRunner) *Result {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "workflow.execute",
			trace.WithAttributes(
				attribute.String("workflow.entry", def.Entry),
				attribute.Int("workflow.step_count", len(def.Steps)),
			),
		)
		defer span.End()
	}

	startTime := time.Now()

	data := make(map[string]any, len(seed))
	for k, v := range seed {
		data[k] = v
	}

	metadata := def.MetadataMap()
	completed := make(map[string]bool)
	failed := make(map[string]string)
	var firstErr error
	var mu sync.Mutex

	currentLayer := []string{def.Entry}

	for len(currentLayer) > 0 {
		select {
		case <-ctx.Done():
			e.logger.WarnContext(ctx, "workflow execution cancelled", "reason", ctx.Err())
			mu.Lock()
			if firstErr == nil {
				firstErr = types.WrapRetryableError(types.WORKFLOW_EXECUTION_FAILED, "run cancelled", ctx.Err())
			}
			for _, key := range currentLayer {
				failed[key] = ctx.Err().Error()
			}
			mu.Unlock()
			return e.buildResult(span, startTime, data, completed, failed, firstErr)
		default:
		}

		e.logger.DebugContext(ctx, "executing workflow layer",
			"steps", currentLayer,
			"completed", len(completed),
		)

		type stepOutcome struct {
			key string
			err error
		}
		outcomes := make([]stepOutcome, 0, len(currentLayer))

		var wg sync.WaitGroup
		for _, key := range currentLayer {
			stepDef := def.GetStep(key)
			if stepDef == nil {
				// Unreachable after validation; recorded as a failure
				// rather than a panic so a stale definition cannot take
				// the scheduler down.
				mu.Lock()
				failed[key] = "step not declared in definition"
				if firstErr == nil {
					firstErr = types.NewError(types.WORKFLOW_VALIDATION_FAILED, "step "+key+" not declared in definition")
				}
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(s Step) {
				defer wg.Done()

				mu.Lock()
				input := make(map[string]any, len(data))
				for k, v := range data {
					input[k] = v
				}
				mu.Unlock()

				updates, err := e.runStep(ctx, s, input, runner)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[s.Key] = err.Error()
					if firstErr == nil {
						firstErr = err
					}
					outcomes = append(outcomes, stepOutcome{key: s.Key, err: err})
					return
				}
				completed[s.Key] = true
				// Completion-order merge, last writer wins on key collision.
				for k, v := range updates {
					data[k] = v
				}
				outcomes = append(outcomes, stepOutcome{key: s.Key})
			}(*stepDef)
		}
		wg.Wait()

		if len(failed) > 0 {
			break
		}

		// Deterministic edge evaluation order across the layer.
		sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].key < outcomes[j].key })

		var nextLayer []string
		nextSeen := make(map[string]bool)
		for _, outcome := range outcomes {
			for _, edge := range def.OutgoingEdges(outcome.key) {
				if !e.edgeFires(ctx, edge, data, metadata) {
					continue
				}
				if completed[edge.To] || failed[edge.To] != "" || nextSeen[edge.To] {
					continue
				}
				nextSeen[edge.To] = true
				nextLayer = append(nextLayer, edge.To)
			}
		}
		currentLayer = nextLayer
	}

	return e.buildResult(span, startTime, data, completed, failed, firstErr)
}

// runStep wraps a single step execution in a span.
func (e *Executor) runStep(ctx context.Context, step Step, input map[string]any, runner StepRunner) (map[string]any, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.execute_step",
			trace.WithAttributes(
				attribute.String("step.key", step.Key),
				attribute.String("step.type", step.Type),
			),
		)
		defer span.End()

		updates, err := runner.Run(ctx, step, input)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "step executed successfully")
		}
		return updates, err
	}

	return runner.Run(ctx, step, input)
}

// edgeFires evaluates an edge's optional condition. A missing condition
// always fires; an evaluation error makes the edge non-traversable and is
// logged, never propagated; a bad expression must not crash the run.
func (e *Executor) edgeFires(ctx context.Context, edge Edge, data, metadata map[string]any) bool {
	if edge.When == "" {
		return true
	}

	result, err := security.EvaluateCondition(edge.When, security.Env{Data: data, Metadata: metadata})
	if err != nil {
		e.logger.WarnContext(ctx, "edge condition rejected, treating as false",
			"from", edge.From,
			"to", edge.To,
			"error", err,
		)
		return false
	}
	return result
}

func (e *Executor) buildResult(span trace.Span, startTime time.Time, data map[string]any, completed map[string]bool, failed map[string]string, firstErr error) *Result {
	completedKeys := make([]string, 0, len(completed))
	for key := range completed {
		completedKeys = append(completedKeys, key)
	}
	sort.Strings(completedKeys)

	result := &Result{
		Succeeded: len(failed) == 0,
		Data:      data,
		Completed: completedKeys,
		Duration:  time.Since(startTime),
		Err:       firstErr,
	}
	if len(failed) > 0 {
		result.Failed = failed
	}

	if span != nil {
		if result.Succeeded {
			span.SetStatus(codes.Ok, "workflow completed")
		} else if firstErr != nil {
			span.SetStatus(codes.Error, firstErr.Error())
		}
		span.SetAttributes(
			attribute.Int("workflow.steps_completed", len(completedKeys)),
			attribute.Int("workflow.steps_failed", len(failed)),
		)
	}

	return result
}
