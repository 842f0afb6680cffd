package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow-ai/leadflow/internal/engine"
	"github.com/leadflow-ai/leadflow/internal/store"
	"github.com/leadflow-ai/leadflow/internal/types"
)

// fakeClock drives scheduler ticks and backoff deterministically.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var remaining []fakeWaiter
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

// fakeRunner persists runs like the engine would, records dispatches,
// and replays a scripted sequence of execution outcomes.
type fakeRunner struct {
	store *store.MemoryStore

	mu         sync.Mutex
	calls      []types.ID
	priorities map[types.ID]int
	retries    int
	script     []error
	blocking   chan struct{}
}

func newFakeRunner(st *store.MemoryStore) *fakeRunner {
	return &fakeRunner{store: st, priorities: make(map[types.ID]int)}
}

func (f *fakeRunner) CreateRun(ctx context.Context, params engine.CreateRunParams) (*store.WorkflowRun, error) {
	run := &store.WorkflowRun{
		VersionID: types.NewID(),
		Status:    store.RunQueued,
		Priority:  params.Priority,
	}
	if len(params.Seed) > 0 {
		encoded, err := json.Marshal(params.Seed)
		if err != nil {
			return nil, err
		}
		run.Context = encoded
	}
	if err := f.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.priorities[run.ID] = params.Priority
	f.mu.Unlock()
	return run, nil
}

func (f *fakeRunner) RetryRun(ctx context.Context, priorRunID types.ID, seed map[string]any, attempts int) (*store.WorkflowRun, error) {
	prior, err := f.store.GetRun(ctx, priorRunID)
	if err != nil {
		return nil, err
	}
	run := &store.WorkflowRun{
		VersionID: prior.VersionID,
		Status:    store.RunQueued,
		Priority:  prior.Priority,
		Attempts:  attempts,
	}
	if len(seed) > 0 {
		encoded, err := json.Marshal(seed)
		if err != nil {
			return nil, err
		}
		run.Context = encoded
	}
	if err := f.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.retries++
	f.priorities[run.ID] = prior.Priority
	f.mu.Unlock()
	return run, nil
}

func (f *fakeRunner) ExecuteRun(_ context.Context, runID types.ID) error {
	f.mu.Lock()
	f.calls = append(f.calls, runID)
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	blocking := f.blocking
	f.mu.Unlock()

	if blocking != nil {
		<-blocking
	}
	return err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) order() []types.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ID(nil), f.calls...)
}

func (f *fakeRunner) retryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

func (f *fakeRunner) priorityOf(runID types.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priorities[runID]
}

type schedFixture struct {
	scheduler *Scheduler
	runner    *fakeRunner
	clock     *fakeClock
	store     *store.MemoryStore
	cancel    context.CancelFunc
}

func newSchedFixture(t *testing.T, opts ...Option) *schedFixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &schedFixture{
		runner: newFakeRunner(st),
		clock:  newFakeClock(),
		store:  st,
	}
	base := []Option{WithClock(f.clock)}
	f.scheduler = NewScheduler(f.store, f.runner, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.scheduler.Run(ctx)
	t.Cleanup(cancel)
	return f
}

func (f *schedFixture) enqueue(t *testing.T, priority int) types.ID {
	t.Helper()
	id, err := f.scheduler.Enqueue(context.Background(), engine.CreateRunParams{Priority: priority})
	require.NoError(t, err)
	return id
}

func TestScheduler_DispatchesByPriority(t *testing.T) {
	st := store.NewMemoryStore()
	runner := newFakeRunner(st)
	scheduler := NewScheduler(st, runner, WithClock(newFakeClock()), WithConcurrency(1))
	ctx := context.Background()

	// Enqueue out of order before the loop starts.
	_, err := scheduler.Enqueue(ctx, engine.CreateRunParams{Priority: 9})
	require.NoError(t, err)
	_, err = scheduler.Enqueue(ctx, engine.CreateRunParams{Priority: 1})
	require.NoError(t, err)
	_, err = scheduler.Enqueue(ctx, engine.CreateRunParams{Priority: 5})
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Run(loopCtx)

	require.Eventually(t, func() bool {
		return runner.callCount() == 3
	}, 2*time.Second, 5*time.Millisecond)

	var priorities []int
	for _, runID := range runner.order() {
		priorities = append(priorities, runner.priorityOf(runID))
	}
	assert.Equal(t, []int{1, 5, 9}, priorities)
}

func TestScheduler_StatusTracksQueueEntry(t *testing.T) {
	f := newSchedFixture(t, WithConcurrency(1))
	f.runner.blocking = make(chan struct{})

	first := f.enqueue(t, 0)
	require.Eventually(t, func() bool { return f.scheduler.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)
	second := f.enqueue(t, 5)

	running, ok := f.scheduler.Status(first)
	require.True(t, ok)
	assert.True(t, running.Running)
	assert.False(t, running.RunID.IsZero())

	queued, ok := f.scheduler.Status(second)
	require.True(t, ok)
	assert.False(t, queued.Running)
	assert.Equal(t, 5, queued.Priority)

	close(f.runner.blocking)
	require.Eventually(t, func() bool {
		_, ok := f.scheduler.Status(first)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RetryableFailureRetriesOnFreshRun(t *testing.T) {
	f := newSchedFixture(t)
	f.runner.script = []error{
		types.NewRetryableError(types.WORKFLOW_EXECUTION_FAILED, "transient"),
		types.NewRetryableError(types.WORKFLOW_EXECUTION_FAILED, "transient again"),
	}

	id, err := f.scheduler.Enqueue(context.Background(), engine.CreateRunParams{
		Priority: 0,
		Seed:     map[string]any{"campaign": "spring"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The retry attempt runs on a freshly created run record seeded
	// from the original seed, with the attempt count persisted.
	var entry *Item
	require.Eventually(t, func() bool {
		e, ok := f.scheduler.Status(id)
		if ok && e.Attempts == 1 {
			entry = e
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	fresh, err := f.store.GetRun(context.Background(), entry.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, fresh.Status)
	assert.Equal(t, 1, fresh.Attempts)
	assert.JSONEq(t, `{"campaign":"spring"}`, string(fresh.Context))

	// First backoff is 2^1 seconds.
	f.clock.Advance(3 * time.Second)
	f.scheduler.Nudge()
	require.Eventually(t, func() bool { return f.runner.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Second backoff is 2^2 seconds.
	f.clock.Advance(5 * time.Second)
	f.scheduler.Nudge()
	require.Eventually(t, func() bool { return f.runner.callCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	// Every attempt ran on its own run record.
	order := f.runner.order()
	assert.NotEqual(t, order[0], order[1])
	assert.NotEqual(t, order[1], order[2])

	// Third attempt succeeded; nothing further is scheduled.
	f.clock.Advance(time.Minute)
	f.scheduler.Nudge()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, f.runner.callCount())
	assert.Zero(t, f.scheduler.Len())
}

func TestScheduler_BackoffDelaysRedispatch(t *testing.T) {
	f := newSchedFixture(t)
	f.runner.script = []error{
		types.NewRetryableError(types.WORKFLOW_EXECUTION_FAILED, "transient"),
	}

	f.enqueue(t, 0)
	require.Eventually(t, func() bool { return f.scheduler.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// One second is inside the 2 second backoff window.
	f.clock.Advance(time.Second)
	f.scheduler.Nudge()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.runner.callCount())
}

func TestScheduler_PermanentFailureNotRetried(t *testing.T) {
	f := newSchedFixture(t)
	f.runner.script = []error{
		types.NewError(types.WORKFLOW_VALIDATION_FAILED, "broken definition"),
	}

	f.enqueue(t, 0)
	require.Eventually(t, func() bool { return f.runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(time.Minute)
	f.scheduler.Nudge()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.runner.callCount())
	assert.Zero(t, f.runner.retryCount())
	assert.Zero(t, f.scheduler.Len())
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	f := newSchedFixture(t)
	f.runner.script = []error{
		types.NewRetryableError(types.WORKFLOW_EXECUTION_FAILED, "down"),
		types.NewRetryableError(types.WORKFLOW_EXECUTION_FAILED, "down"),
		types.NewRetryableError(types.WORKFLOW_EXECUTION_FAILED, "down"),
	}

	f.enqueue(t, 0)
	for i := 0; i < 3; i++ {
		f.clock.Advance(10 * time.Second)
		f.scheduler.Nudge()
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, 3, f.runner.callCount())
	assert.Equal(t, 2, f.runner.retryCount())
	assert.Zero(t, f.scheduler.Len())
}

func TestScheduler_CancelQueuedEntry(t *testing.T) {
	f := newSchedFixture(t, WithConcurrency(1))
	f.runner.blocking = make(chan struct{})
	defer close(f.runner.blocking)

	f.enqueue(t, 0)
	require.Eventually(t, func() bool { return f.scheduler.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)
	second := f.enqueue(t, 5)

	entry, ok := f.scheduler.Status(second)
	require.True(t, ok)
	require.NoError(t, f.scheduler.Cancel(context.Background(), second))

	run, err := f.store.GetRun(context.Background(), entry.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	require.NotNil(t, run.FinishedAt)

	_, ok = f.scheduler.Status(second)
	assert.False(t, ok)
}

func TestScheduler_CancelRunningEntryRefused(t *testing.T) {
	f := newSchedFixture(t)
	f.runner.blocking = make(chan struct{})
	defer close(f.runner.blocking)

	id := f.enqueue(t, 0)
	require.Eventually(t, func() bool { return f.scheduler.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	err := f.scheduler.Cancel(context.Background(), id)
	require.Error(t, err)
	var lfErr *types.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, types.QUEUE_CANCEL_REFUSED, lfErr.Code)
}

func TestScheduler_CancelUnknownEntry(t *testing.T) {
	f := newSchedFixture(t)
	err := f.scheduler.Cancel(context.Background(), types.NewID())
	require.Error(t, err)
	var lfErr *types.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, types.QUEUE_ITEM_NOT_FOUND, lfErr.Code)
}

func TestScheduler_RecoverReloadsPersistedRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	queued := &store.WorkflowRun{VersionID: types.NewID(), Status: store.RunQueued, Priority: 2}
	require.NoError(t, st.CreateRun(ctx, queued))
	interrupted := &store.WorkflowRun{VersionID: types.NewID(), Status: store.RunRunning, Attempts: 1}
	require.NoError(t, st.CreateRun(ctx, interrupted))
	done := &store.WorkflowRun{VersionID: types.NewID(), Status: store.RunCompleted}
	require.NoError(t, st.CreateRun(ctx, done))

	s := NewScheduler(st, newFakeRunner(st), WithClock(newFakeClock()))
	require.NoError(t, s.Recover(ctx))
	assert.Equal(t, 2, s.Len())

	// The interrupted run was reset so the engine will accept it again.
	got, err := st.GetRun(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// A second recovery pass does not duplicate entries.
	require.NoError(t, s.Recover(ctx))
	assert.Equal(t, 2, s.Len())
}

func TestScheduler_DrainStopsIntake(t *testing.T) {
	f := newSchedFixture(t)
	f.scheduler.Drain()

	_, err := f.scheduler.Enqueue(context.Background(), engine.CreateRunParams{})
	require.Error(t, err)
}
