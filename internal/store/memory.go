package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leadflow-ai/leadflow/internal/types"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[types.ID]*Workflow
	versions  map[types.ID]*WorkflowVersion
	runs      map[types.ID]*WorkflowRun
	runSteps  map[types.ID]*WorkflowRunStep
	scans     map[types.ID]*Scan
	leads     map[types.ID]*Lead
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[types.ID]*Workflow),
		versions:  make(map[types.ID]*WorkflowVersion),
		runs:      make(map[types.ID]*WorkflowRun),
		runSteps:  make(map[types.ID]*WorkflowRunStep),
		scans:     make(map[types.ID]*Scan),
		leads:     make(map[types.ID]*Lead),
	}
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID.IsZero() {
		w.ID = types.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	cp := *w
	m.workflows[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id types.ID) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, NotFound("workflow", id)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) CreateVersion(_ context.Context, v *WorkflowVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID.IsZero() {
		v.ID = types.NewID()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, id types.ID) (*WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, NotFound("workflow version", id)
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) FindPublishedVersion(_ context.Context, businessType string) (*WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *WorkflowVersion
	for _, v := range m.versions {
		if !v.Published {
			continue
		}
		w, ok := m.workflows[v.WorkflowID]
		if !ok {
			continue
		}
		if businessType == "" {
			if !w.IsDefault {
				continue
			}
		} else if w.BusinessType != businessType {
			continue
		}
		if best == nil || v.Version > best.Version {
			best = v
		}
	}
	if best == nil {
		return nil, types.NewError(types.STORE_NOT_FOUND, "no published workflow for business type "+businessType)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, r *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID.IsZero() {
		r.ID = types.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id types.ID) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, NotFound("workflow run", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, r *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return NotFound("workflow run", r.ID)
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRunsByStatus(_ context.Context, statuses ...RunStatus) ([]*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[RunStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var out []*WorkflowRun
	for _, r := range m.runs {
		if len(wanted) == 0 || wanted[r.Status] {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateRunStep(_ context.Context, s *WorkflowRunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID.IsZero() {
		s.ID = types.NewID()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	cp := *s
	m.runSteps[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRunStep(_ context.Context, s *WorkflowRunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runSteps[s.ID]; !ok {
		return NotFound("workflow run step", s.ID)
	}
	cp := *s
	m.runSteps[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRunSteps(_ context.Context, runID types.ID) ([]*WorkflowRunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkflowRunStep
	for _, s := range m.runSteps {
		if s.RunID == runID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StepKey < out[j].StepKey
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateScan(_ context.Context, s *Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID.IsZero() {
		s.ID = types.NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.scans[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScan(_ context.Context, id types.ID) (*Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scans[id]
	if !ok {
		return nil, NotFound("scan", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateLead(_ context.Context, l *Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID.IsZero() {
		l.ID = types.NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	cp := *l
	m.leads[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLead(_ context.Context, id types.ID) (*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, NotFound("lead", id)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Close() error { return nil }
