package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/leadflow-ai/leadflow/internal/types"
)

// SQLiteStore is a Store backed by a single SQLite file. WAL mode keeps
// the scheduler's writes from blocking API reads.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	business_type TEXT NOT NULL DEFAULT '',
	is_default    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_versions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	version     INTEGER NOT NULL,
	definition  BLOB NOT NULL,
	published   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	UNIQUE(workflow_id, version)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id          TEXT PRIMARY KEY,
	version_id  TEXT NOT NULL REFERENCES workflow_versions(id),
	scan_id     TEXT NOT NULL DEFAULT '',
	lead_id     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	context     BLOB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);

CREATE TABLE IF NOT EXISTS workflow_run_steps (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES workflow_runs(id),
	step_key    TEXT NOT NULL,
	step_type   TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL,
	input       BLOB,
	output      BLOB,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workflow_run_steps_run ON workflow_run_steps(run_id);

CREATE TABLE IF NOT EXISTS scans (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	results    BLOB,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL DEFAULT '',
	company       TEXT NOT NULL DEFAULT '',
	website       TEXT NOT NULL DEFAULT '',
	business_type TEXT NOT NULL DEFAULT '',
	score         REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
`

// OpenSQLite opens (creating if needed) the database at path, enables
// WAL mode and foreign keys, and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "opening database failed", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "pinging database failed", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "applying schema failed", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID.IsZero() {
		w.ID = types.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, business_type, is_default, created_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID.String(), w.Name, w.BusinessType, boolToInt(w.IsDefault), w.CreatedAt)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "inserting workflow failed", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id types.ID) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, business_type, is_default, created_at FROM workflows WHERE id = ?`,
		id.String())

	var w Workflow
	var isDefault int
	err := row.Scan(&w.ID, &w.Name, &w.BusinessType, &isDefault, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("workflow", id)
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "querying workflow failed", err)
	}
	w.IsDefault = isDefault != 0
	return &w, nil
}

func (s *SQLiteStore) CreateVersion(ctx context.Context, v *WorkflowVersion) error {
	if v.ID.IsZero() {
		v.ID = types.NewID()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, workflow_id, version, definition, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.WorkflowID.String(), v.Version, v.Definition, boolToInt(v.Published), v.CreatedAt)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "inserting workflow version failed", err)
	}
	return nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id types.ID) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, definition, published, created_at
		 FROM workflow_versions WHERE id = ?`, id.String())
	return scanVersion(row, id)
}

func (s *SQLiteStore) FindPublishedVersion(ctx context.Context, businessType string) (*WorkflowVersion, error) {
	var row *sql.Row
	if businessType == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT v.id, v.workflow_id, v.version, v.definition, v.published, v.created_at
			 FROM workflow_versions v
			 JOIN workflows w ON w.id = v.workflow_id
			 WHERE v.published = 1 AND w.is_default = 1
			 ORDER BY v.version DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT v.id, v.workflow_id, v.version, v.definition, v.published, v.created_at
			 FROM workflow_versions v
			 JOIN workflows w ON w.id = v.workflow_id
			 WHERE v.published = 1 AND w.business_type = ?
			 ORDER BY v.version DESC LIMIT 1`, businessType)
	}

	v, err := scanVersion(row, "")
	if err != nil {
		var lfErr *types.LeadflowError
		if errors.As(err, &lfErr) && lfErr.Code == types.STORE_NOT_FOUND {
			return nil, types.NewError(types.STORE_NOT_FOUND, "no published workflow for business type "+businessType)
		}
		return nil, err
	}
	return v, nil
}

func scanVersion(row *sql.Row, id types.ID) (*WorkflowVersion, error) {
	var v WorkflowVersion
	var published int
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.Definition, &published, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("workflow version", id)
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "querying workflow version failed", err)
	}
	v.Published = published != 0
	return &v, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *WorkflowRun) error {
	if r.ID.IsZero() {
		r.ID = types.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, version_id, scan_id, lead_id, status, priority, attempts, context, error, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.VersionID.String(), r.ScanID.String(), r.LeadID.String(),
		string(r.Status), r.Priority, r.Attempts, r.Context, r.Error,
		r.CreatedAt, r.StartedAt, r.FinishedAt)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "inserting workflow run failed", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id types.ID) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version_id, scan_id, lead_id, status, priority, attempts, context, error, created_at, started_at, finished_at
		 FROM workflow_runs WHERE id = ?`, id.String())

	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("workflow run", id)
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "querying workflow run failed", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *WorkflowRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET status = ?, priority = ?, attempts = ?, context = ?, error = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(r.Status), r.Priority, r.Attempts, r.Context, r.Error,
		r.StartedAt, r.FinishedAt, r.ID.String())
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "updating workflow run failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("workflow run", r.ID)
	}
	return nil
}

func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*WorkflowRun, error) {
	query := `SELECT id, version_id, scan_id, lead_id, status, priority, attempts, context, error, created_at, started_at, finished_at
		 FROM workflow_runs`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "listing workflow runs failed", err)
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "scanning workflow run failed", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "iterating workflow runs failed", err)
	}
	return out, nil
}

func scanRun(scan func(dest ...any) error) (*WorkflowRun, error) {
	var r WorkflowRun
	var status string
	var scanID, leadID string
	err := scan(&r.ID, &r.VersionID, &scanID, &leadID, &status, &r.Priority, &r.Attempts,
		&r.Context, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.ScanID = types.ID(scanID)
	r.LeadID = types.ID(leadID)
	r.Status = RunStatus(status)
	return &r, nil
}

func (s *SQLiteStore) CreateRunStep(ctx context.Context, step *WorkflowRunStep) error {
	if step.ID.IsZero() {
		step.ID = types.NewID()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_run_steps (id, run_id, step_key, step_type, attempt, status, input, output, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID.String(), step.RunID.String(), step.StepKey, step.StepType, step.Attempt,
		string(step.Status), step.Input, step.Output, step.Error, step.StartedAt, step.FinishedAt)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "inserting run step failed", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRunStep(ctx context.Context, step *WorkflowRunStep) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_run_steps SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(step.Status), step.Output, step.Error, step.FinishedAt, step.ID.String())
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "updating run step failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("workflow run step", step.ID)
	}
	return nil
}

func (s *SQLiteStore) ListRunSteps(ctx context.Context, runID types.ID) ([]*WorkflowRunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_key, step_type, attempt, status, input, output, error, started_at, finished_at
		 FROM workflow_run_steps WHERE run_id = ? ORDER BY started_at ASC, step_key ASC`,
		runID.String())
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "listing run steps failed", err)
	}
	defer rows.Close()

	var out []*WorkflowRunStep
	for rows.Next() {
		var step WorkflowRunStep
		var status string
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepKey, &step.StepType, &step.Attempt,
			&status, &step.Input, &step.Output, &step.Error, &step.StartedAt, &step.FinishedAt); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "scanning run step failed", err)
		}
		step.Status = StepStatus(status)
		out = append(out, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "iterating run steps failed", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateScan(ctx context.Context, sc *Scan) error {
	if sc.ID.IsZero() {
		sc.ID = types.NewID()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (id, lead_id, url, status, results, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID.String(), sc.LeadID.String(), sc.URL, sc.Status, sc.Results, sc.CreatedAt)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "inserting scan failed", err)
	}
	return nil
}

func (s *SQLiteStore) GetScan(ctx context.Context, id types.ID) (*Scan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, url, status, results, created_at FROM scans WHERE id = ?`, id.String())

	var sc Scan
	var leadID string
	err := row.Scan(&sc.ID, &leadID, &sc.URL, &sc.Status, &sc.Results, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("scan", id)
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "querying scan failed", err)
	}
	sc.LeadID = types.ID(leadID)
	return &sc, nil
}

func (s *SQLiteStore) CreateLead(ctx context.Context, l *Lead) error {
	if l.ID.IsZero() {
		l.ID = types.NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, email, company, website, business_type, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.Email, l.Company, l.Website, l.BusinessType, l.Score, l.CreatedAt)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "inserting lead failed", err)
	}
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id types.ID) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, company, website, business_type, score, created_at FROM leads WHERE id = ?`,
		id.String())

	var l Lead
	err := row.Scan(&l.ID, &l.Email, &l.Company, &l.Website, &l.BusinessType, &l.Score, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("lead", id)
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "querying lead failed", err)
	}
	return &l, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
