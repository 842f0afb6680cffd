// Package store persists workflows, workflow versions, runs, and the
// scan/lead records runs operate on. Two implementations exist: an
// in-memory store for tests and development, and a SQLite store for
// single-node deployments.
package store

import (
	"context"
	"time"

	"github.com/leadflow-ai/leadflow/internal/types"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a single step attempt.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Workflow is a named workflow owned by a business type. Exactly one
// workflow may be the global default.
type Workflow struct {
	ID           types.ID
	Name         string
	BusinessType string
	IsDefault    bool
	CreatedAt    time.Time
}

// WorkflowVersion is an immutable snapshot of a workflow definition.
// Runs always reference a version, never the workflow head, so an edit
// cannot change a run mid-flight.
type WorkflowVersion struct {
	ID         types.ID
	WorkflowID types.ID
	Version    int
	Definition []byte
	Published  bool
	CreatedAt  time.Time
}

// WorkflowRun is one execution of a workflow version against a lead.
type WorkflowRun struct {
	ID         types.ID
	VersionID  types.ID
	ScanID     types.ID
	LeadID     types.ID
	Status     RunStatus
	Priority   int
	Attempts   int
	Context    []byte
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// WorkflowRunStep records a single attempt of a step within a run. Each
// retry creates a fresh record so the full attempt history is auditable.
type WorkflowRunStep struct {
	ID         types.ID
	RunID      types.ID
	StepKey    string
	StepType   string
	Attempt    int
	Status     StepStatus
	Input      []byte
	Output     []byte
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Scan is a website scan that seeds workflow context.
type Scan struct {
	ID        types.ID
	LeadID    types.ID
	URL       string
	Status    string
	Results   []byte
	CreatedAt time.Time
}

// Lead is a prospect record.
type Lead struct {
	ID           types.ID
	Email        string
	Company      string
	Website      string
	BusinessType string
	Score        float64
	CreatedAt    time.Time
}

// Store is the persistence boundary for the engine and scheduler.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id types.ID) (*Workflow, error)

	CreateVersion(ctx context.Context, v *WorkflowVersion) error
	GetVersion(ctx context.Context, id types.ID) (*WorkflowVersion, error)
	// FindPublishedVersion returns the newest published version for the
	// business type, or for the default workflow when businessType is
	// empty. Returns STORE_NOT_FOUND when nothing matches.
	FindPublishedVersion(ctx context.Context, businessType string) (*WorkflowVersion, error)

	CreateRun(ctx context.Context, r *WorkflowRun) error
	GetRun(ctx context.Context, id types.ID) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, r *WorkflowRun) error
	ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*WorkflowRun, error)

	CreateRunStep(ctx context.Context, s *WorkflowRunStep) error
	UpdateRunStep(ctx context.Context, s *WorkflowRunStep) error
	ListRunSteps(ctx context.Context, runID types.ID) ([]*WorkflowRunStep, error)

	CreateScan(ctx context.Context, s *Scan) error
	GetScan(ctx context.Context, id types.ID) (*Scan, error)

	CreateLead(ctx context.Context, l *Lead) error
	GetLead(ctx context.Context, id types.ID) (*Lead, error)

	Close() error
}

// NotFound builds the canonical not-found error for a record kind.
func NotFound(kind string, id types.ID) error {
	return types.NewError(types.STORE_NOT_FOUND, kind+" "+id.String()+" not found")
}
