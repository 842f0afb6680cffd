// Package queue schedules workflow runs: a priority queue drained on a
// fixed tick, bounded worker concurrency, run-level retry that executes
// each attempt on a fresh run record, and recovery of interrupted runs
// after a restart.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leadflow-ai/leadflow/internal/engine"
	"github.com/leadflow-ai/leadflow/internal/store"
	"github.com/leadflow-ai/leadflow/internal/types"
)

const (
	defaultTickInterval = 5 * time.Second
	defaultConcurrency  = 4

	// maxAttempts bounds run-level executions per queue entry: the
	// first attempt plus retries after retryable failures.
	maxAttempts = 3
)

// Runner creates and executes workflow runs. The engine satisfies this.
type Runner interface {
	CreateRun(ctx context.Context, params engine.CreateRunParams) (*store.WorkflowRun, error)
	RetryRun(ctx context.Context, priorRunID types.ID, seed map[string]any, attempts int) (*store.WorkflowRun, error)
	ExecuteRun(ctx context.Context, runID types.ID) error
}

// item is one queue entry. It outlives individual run records: each
// retry swaps runID for a freshly created run while the entry keeps
// its identity, seed, and attempt count.
type item struct {
	id         types.ID
	runID      types.ID
	seed       map[string]any
	priority   int
	attempts   int
	notBefore  time.Time
	enqueuedAt time.Time
}

// Item is a point-in-time view of a queue entry.
type Item struct {
	ID         types.ID
	RunID      types.ID
	Priority   int
	Attempts   int
	Running    bool
	EnqueuedAt time.Time
	NotBefore  time.Time
}

func (it *item) snapshot(running bool) *Item {
	return &Item{
		ID:         it.id,
		RunID:      it.runID,
		Priority:   it.priority,
		Attempts:   it.attempts,
		Running:    running,
		EnqueuedAt: it.enqueuedAt,
		NotBefore:  it.notBefore,
	}
}

// Scheduler dispatches queued runs to the runner.
type Scheduler struct {
	store        store.Store
	runner       Runner
	logger       *slog.Logger
	clock        Clock
	tickInterval time.Duration
	concurrency  int

	mu       sync.Mutex
	items    map[types.ID]*item
	running  map[types.ID]*item
	draining bool

	nudge   chan struct{}
	workers sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTickInterval overrides the dispatch tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithConcurrency bounds how many runs execute at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewScheduler builds a scheduler over the store and runner.
func NewScheduler(st store.Store, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		runner:       runner,
		logger:       slog.Default(),
		clock:        realClock{},
		tickInterval: defaultTickInterval,
		concurrency:  defaultConcurrency,
		items:        make(map[types.ID]*item),
		running:      make(map[types.ID]*item),
		nudge:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates a durable queued run for the request and adds a
// queue entry for it. Lower priority values dispatch first. The
// returned id identifies the queue entry, not the run: retries execute
// on fresh run records under the same entry id.
func (s *Scheduler) Enqueue(ctx context.Context, params engine.CreateRunParams) (types.ID, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return "", types.NewError(types.QUEUE_CANCEL_REFUSED, "scheduler is draining, not accepting runs")
	}
	s.mu.Unlock()

	run, err := s.runner.CreateRun(ctx, params)
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	it := &item{
		id:         types.NewID(),
		runID:      run.ID,
		seed:       params.Seed,
		priority:   params.Priority,
		notBefore:  now,
		enqueuedAt: now,
	}

	s.mu.Lock()
	s.items[it.id] = it
	s.nudgeLocked()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "run enqueued",
		"queue_id", it.id,
		"run_id", run.ID,
		"priority", it.priority)
	return it.id, nil
}

// Status reports a snapshot of a queue entry. The second return is
// false once the entry finished or was never enqueued.
func (s *Scheduler) Status(id types.ID) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		return it.snapshot(false), true
	}
	if it, ok := s.running[id]; ok {
		return it.snapshot(true), true
	}
	return nil, false
}

// Cancel removes a queued entry and marks its run cancelled in the
// store. An entry that is already executing is refused: in-flight work
// is never interrupted mid-step.
func (s *Scheduler) Cancel(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	if _, executing := s.running[id]; executing {
		s.mu.Unlock()
		return types.NewError(types.QUEUE_CANCEL_REFUSED,
			fmt.Sprintf("queue entry %s is executing and cannot be cancelled", id))
	}
	it, queued := s.items[id]
	if queued {
		delete(s.items, id)
	}
	s.mu.Unlock()

	if !queued {
		return types.NewError(types.QUEUE_ITEM_NOT_FOUND, fmt.Sprintf("queue entry %s not found", id))
	}

	run, err := s.store.GetRun(ctx, it.runID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	run.Status = store.RunCancelled
	run.FinishedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "run cancelled", "queue_id", id, "run_id", it.runID)
	return nil
}

// Recover reloads queued and running runs from the store into the
// queue. Runs found in the running state were interrupted by a crash
// and are dispatched again. The persisted run context is the seed for
// any later retries, since queued runs have not executed yet.
func (s *Scheduler) Recover(ctx context.Context) error {
	runs, err := s.store.ListRunsByStatus(ctx, store.RunQueued, store.RunRunning)
	if err != nil {
		return err
	}

	recovered := 0
	for _, run := range runs {
		if run.Status == store.RunRunning {
			// Reset so the engine accepts the dispatch.
			run.Status = store.RunQueued
			run.StartedAt = nil
			if err := s.store.UpdateRun(ctx, run); err != nil {
				s.logger.WarnContext(ctx, "resetting interrupted run failed",
					"run_id", run.ID, "error", err)
				continue
			}
		}

		var seed map[string]any
		if len(run.Context) > 0 {
			if err := json.Unmarshal(run.Context, &seed); err != nil {
				s.logger.WarnContext(ctx, "decoding recovered run context failed",
					"run_id", run.ID, "error", err)
			}
		}

		s.mu.Lock()
		if s.hasRunLocked(run.ID) {
			s.mu.Unlock()
			continue
		}
		now := s.clock.Now()
		it := &item{
			id:         types.NewID(),
			runID:      run.ID,
			seed:       seed,
			priority:   run.Priority,
			attempts:   run.Attempts,
			notBefore:  now,
			enqueuedAt: now,
		}
		s.items[it.id] = it
		recovered++
		s.mu.Unlock()
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered persisted runs", "count", recovered)
		s.Nudge()
	}
	return nil
}

func (s *Scheduler) hasRunLocked(runID types.ID) bool {
	for _, it := range s.items {
		if it.runID == runID {
			return true
		}
	}
	for _, it := range s.running {
		if it.runID == runID {
			return true
		}
	}
	return false
}

// Nudge wakes the dispatch loop before the next tick.
func (s *Scheduler) Nudge() {
	s.mu.Lock()
	s.nudgeLocked()
	s.mu.Unlock()
}

func (s *Scheduler) nudgeLocked() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Drain stops accepting new runs; queued items stay queued and
// in-flight runs finish.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

// Len reports how many entries are waiting.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// InFlight reports how many runs are executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		"tick", s.tickInterval,
		"concurrency", s.concurrency)

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.Drain()
			s.workers.Wait()
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-s.nudge:
		case <-s.clock.After(s.tickInterval):
		}
	}
}

// dispatch starts due entries, highest priority (lowest value) first,
// up to the concurrency bound.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}

	var due []*item
	for _, it := range s.items {
		if !it.notBefore.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority < due[j].priority
		}
		return due[i].enqueuedAt.Before(due[j].enqueuedAt)
	})

	var started []*item
	for _, it := range due {
		if len(s.running) >= s.concurrency {
			break
		}
		delete(s.items, it.id)
		s.running[it.id] = it
		started = append(started, it)
	}
	s.mu.Unlock()

	for _, it := range started {
		s.workers.Add(1)
		go s.execute(ctx, it)
	}
}

// execute runs one entry and handles the retry decision. A retryable
// failure inside the attempt budget creates a whole new run record
// from the entry's seed; the failed run keeps its terminal state.
func (s *Scheduler) execute(ctx context.Context, it *item) {
	defer s.workers.Done()

	s.logger.InfoContext(ctx, "dispatching run",
		"queue_id", it.id,
		"run_id", it.runID,
		"priority", it.priority,
		"attempt", it.attempts+1)

	err := s.runner.ExecuteRun(ctx, it.runID)

	s.mu.Lock()
	delete(s.running, it.id)
	s.mu.Unlock()

	if err == nil {
		s.Nudge()
		return
	}

	it.attempts++
	if !types.IsRetryable(err) || it.attempts >= maxAttempts {
		s.logger.ErrorContext(ctx, "run failed permanently",
			"queue_id", it.id,
			"run_id", it.runID,
			"attempts", it.attempts,
			"error", err)
		s.Nudge()
		return
	}

	backoff := time.Duration(1<<it.attempts) * time.Second
	fresh, rErr := s.runner.RetryRun(ctx, it.runID, it.seed, it.attempts)
	if rErr != nil {
		s.logger.ErrorContext(ctx, "creating retry run failed",
			"queue_id", it.id,
			"run_id", it.runID,
			"error", rErr)
		return
	}
	s.logger.WarnContext(ctx, "run failed, retrying on a fresh run",
		"queue_id", it.id,
		"failed_run_id", it.runID,
		"retry_run_id", fresh.ID,
		"attempts", it.attempts,
		"backoff", backoff,
		"error", err)

	s.mu.Lock()
	it.runID = fresh.ID
	it.notBefore = s.clock.Now().Add(backoff)
	s.items[it.id] = it
	s.mu.Unlock()
	s.Nudge()
}
