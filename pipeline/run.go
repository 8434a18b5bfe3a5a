package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/progress"
)

// Run is one pipeline invocation as recorded in pipeline_runs
type Run struct {
	ID          string             `json:"id" yaml:"id"`
	Status      progress.RunStatus `json:"status" yaml:"status"`
	EntityIDs   []string           `json:"entity_ids" yaml:"entity_ids"`
	Providers   []string           `json:"providers" yaml:"providers"`
	FullRefresh bool               `json:"full_refresh" yaml:"full_refresh"`
	FanOut      int                `json:"fan_out" yaml:"fan_out"`
	Error       string             `json:"error,omitempty" yaml:"error,omitempty"`
	Maintenance []TaskResult       `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	CreatedAt   time.Time          `json:"created_at" yaml:"created_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// TaskResult is the outcome of one maintenance task
type TaskResult struct {
	Task     string        `json:"task" yaml:"task"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// RunStore persists runs in SQLite
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store over a migrated database
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Create records a new run
func (s *RunStore) Create(ctx context.Context, r *Run) error {
	entities, err := json.Marshal(r.EntityIDs)
	if err != nil {
		return errors.Wrap(err, "encode run entities")
	}
	providers, err := json.Marshal(r.Providers)
	if err != nil {
		return errors.Wrap(err, "encode run providers")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, status, entity_ids, providers, full_refresh, fan_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), string(entities), string(providers), r.FullRefresh, r.FanOut, formatTime(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create run %s", r.ID)
	}
	return nil
}

// Finish stores a run's terminal status, error and maintenance outcome
func (s *RunStore) Finish(ctx context.Context, r *Run) error {
	maintenance, err := json.Marshal(r.Maintenance)
	if err != nil {
		return errors.Wrap(err, "encode maintenance results")
	}
	var finished interface{}
	if r.FinishedAt != nil {
		finished = formatTime(*r.FinishedAt)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, error = ?, maintenance = ?, finished_at = ?
		WHERE id = ?`,
		string(r.Status), r.Error, string(maintenance), finished, r.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %s", r.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("run %s not found", r.ID)
	}
	return nil
}

const runColumns = `id, status, entity_ids, providers, full_refresh, fan_out, error, maintenance, created_at, finished_at`

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var (
		r                           Run
		status, entities, providers string
		maintenance, created        string
		finished                    sql.NullString
	)
	if err := scan(&r.ID, &status, &entities, &providers, &r.FullRefresh, &r.FanOut, &r.Error, &maintenance, &created, &finished); err != nil {
		return nil, err
	}
	r.Status = progress.RunStatus(status)
	if err := json.Unmarshal([]byte(entities), &r.EntityIDs); err != nil {
		return nil, errors.Wrapf(err, "corrupt entity list for run %s", r.ID)
	}
	if err := json.Unmarshal([]byte(providers), &r.Providers); err != nil {
		return nil, errors.Wrapf(err, "corrupt provider list for run %s", r.ID)
	}
	if err := json.Unmarshal([]byte(maintenance), &r.Maintenance); err != nil {
		return nil, errors.Wrapf(err, "corrupt maintenance results for run %s", r.ID)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

// Get returns one run
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return r, nil
}

// List returns the most recent runs, newest first
func (s *RunStore) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "failed to iterate runs")
}

// Latest returns the most recent run
func (s *RunStore) Latest(ctx context.Context) (*Run, error) {
	runs, err := s.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.NewNotFoundError("no runs recorded")
	}
	return runs[0], nil
}

// MarkInterrupted fails runs left non-terminal by a previous process
func (s *RunStore) MarkInterrupted(ctx context.Context, now time.Time) (int64, error) {
	terminal := []interface{}{
		string(progress.RunCompleted), string(progress.RunPartialSuccess),
		string(progress.RunFailed), string(progress.RunCancelled),
	}
	args := append([]interface{}{string(progress.RunFailed), "interrupted by process exit", formatTime(now)}, terminal...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, error = ?, finished_at = ?
		WHERE status NOT IN (?, ?, ?, ?)`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark interrupted runs")
	}
	return res.RowsAffected()
}
