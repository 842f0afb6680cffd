package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/store"
	"github.com/leadflow-ai/leadflow/internal/types"
	"github.com/leadflow-ai/leadflow/internal/workflow"
)

// testRegistry returns a registry that never sleeps between retries.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func execContext(t *testing.T, st store.Store, stepDef workflow.Step) *ExecContext {
	t.Helper()
	return &ExecContext{
		RunID: types.NewID(),
		Step:  stepDef,
		Data:  map[string]any{"lead": map[string]any{"company": "Acme"}},
		Definition: &workflow.Definition{
			Steps: []workflow.Step{stepDef},
			Entry: stepDef.Key,
		},
		Store: st,
	}
}

func TestRegistry_UnknownTypeIsPermanent(t *testing.T) {
	r := testRegistry(t)
	ec := execContext(t, store.NewMemoryStore(), workflow.Step{Key: "x", Type: "teleport"})

	_, err := r.Execute(context.Background(), ec)
	require.Error(t, err)
	var lfErr *types.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, types.STEP_TYPE_UNKNOWN, lfErr.Code)
	assert.False(t, lfErr.Retryable)

	// Permanent failure: no attempt record is ever created.
	steps, sErr := ec.Store.ListRunSteps(context.Background(), ec.RunID)
	require.NoError(t, sErr)
	assert.Empty(t, steps)
}

func TestRegistry_InvalidConfigIsPermanent(t *testing.T) {
	r := testRegistry(t)
	s := schema.Object(map[string]schema.Field{
		"target": schema.String("required value"),
	}, "target")
	require.NoError(t, r.Register(Definition{
		Type:         "strict",
		ConfigSchema: &s,
		Run: func(context.Context, *ExecContext) (*Output, error) {
			return &Output{}, nil
		},
	}))

	ec := execContext(t, store.NewMemoryStore(), workflow.Step{Key: "x", Type: "strict"})
	_, err := r.Execute(context.Background(), ec)
	require.Error(t, err)
	var lfErr *types.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, types.STEP_CONFIG_INVALID, lfErr.Code)
	assert.False(t, lfErr.Retryable)
}

func TestRegistry_SuccessNamespacesOutputs(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(Definition{
		Type: "emit",
		Run: func(_ context.Context, ec *ExecContext) (*Output, error) {
			return &Output{
				Outputs: map[string]any{"score": 0.9},
				Updates: map[string]any{"qualified": true},
			}, nil
		},
	}))

	st := store.NewMemoryStore()
	ec := execContext(t, st, workflow.Step{Key: "scorer", Type: "emit"})
	updates, err := r.Execute(context.Background(), ec)
	require.NoError(t, err)

	assert.Equal(t, true, updates["qualified"])
	outputs, ok := updates["scorer_outputs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.9, outputs["score"])

	steps, err := st.ListRunSteps(context.Background(), ec.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepCompleted, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
	assert.JSONEq(t, `{"score":0.9}`, string(steps[0].Output))
	// The record carries the data snapshot the handler saw.
	assert.JSONEq(t, `{"lead":{"company":"Acme"}}`, string(steps[0].Input))
}

func TestRegistry_RetryableFailureCreatesFreshRecords(t *testing.T) {
	r := testRegistry(t)
	calls := 0
	require.NoError(t, r.Register(Definition{
		Type: "flaky",
		Run: func(context.Context, *ExecContext) (*Output, error) {
			calls++
			if calls < 3 {
				return nil, types.NewRetryableError(types.STEP_EXECUTION_FAILED, "upstream hiccup")
			}
			return &Output{Outputs: map[string]any{"ok": true}}, nil
		},
	}))

	st := store.NewMemoryStore()
	ec := execContext(t, st, workflow.Step{Key: "f", Type: "flaky"})
	_, err := r.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	steps, err := st.ListRunSteps(context.Background(), ec.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Equal(t, store.StepFailed, steps[1].Status)
	assert.Equal(t, store.StepCompleted, steps[2].Status)
	assert.Equal(t, 3, steps[2].Attempt)
}

func TestRegistry_RetriesExhausted(t *testing.T) {
	r := testRegistry(t)
	calls := 0
	require.NoError(t, r.Register(Definition{
		Type: "doomed",
		Run: func(context.Context, *ExecContext) (*Output, error) {
			calls++
			return nil, types.NewRetryableError(types.STEP_EXECUTION_FAILED, "always down")
		},
	}))

	ec := execContext(t, store.NewMemoryStore(), workflow.Step{Key: "d", Type: "doomed"})
	_, err := r.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "always down")
}

func TestRegistry_PermanentFailureSkipsRetry(t *testing.T) {
	r := testRegistry(t)
	calls := 0
	require.NoError(t, r.Register(Definition{
		Type: "fatal",
		Run: func(context.Context, *ExecContext) (*Output, error) {
			calls++
			return nil, types.NewError(types.STEP_EXECUTION_FAILED, "bad input, retrying is pointless")
		},
	}))

	ec := execContext(t, store.NewMemoryStore(), workflow.Step{Key: "p", Type: "fatal"})
	_, err := r.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRegistry_PanicBecomesRetryableError(t *testing.T) {
	r := testRegistry(t)
	calls := 0
	require.NoError(t, r.Register(Definition{
		Type: "crasher",
		Run: func(context.Context, *ExecContext) (*Output, error) {
			calls++
			panic("nil map write")
		},
	}))

	st := store.NewMemoryStore()
	ec := execContext(t, st, workflow.Step{Key: "c", Type: "crasher"})
	_, err := r.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "crasher")
	assert.Contains(t, err.Error(), "nil map write")

	steps, sErr := st.ListRunSteps(context.Background(), ec.RunID)
	require.NoError(t, sErr)
	assert.Len(t, steps, 3)
}

func TestRegistry_HasAndList(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, RegisterBuiltins(r))
	assert.True(t, r.Has("noop"))
	assert.True(t, r.Has("toolCall"))
	assert.False(t, r.Has("unknown"))
	assert.Equal(t, []string{"fetch_website", "noop", "set_context", "toolCall"}, r.List())
}
