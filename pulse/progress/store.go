package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/genepulse/db"
	"github.com/teranos/genepulse/errors"
)

// SQLStore persists snapshots in progress_snapshots, one row per run
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over a migrated database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Save upserts the run's latest snapshot
func (s *SQLStore) Save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode progress snapshot")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO progress_snapshots (run_id, status, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		state.RunID, string(state.Status), string(payload), state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if db.IsBusy(err) {
			// The next flush retries; a busy database is not worth more than a warning
			return errors.Mark(errors.Wrapf(err, "progress snapshot for %s", state.RunID), errors.ErrServiceUnavailable)
		}
		return errors.Wrapf(err, "failed to save progress snapshot for %s", state.RunID)
	}
	return nil
}

// Load returns the last persisted snapshot of a run
func (s *SQLStore) Load(ctx context.Context, runID string) (State, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM progress_snapshots WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return State{}, errors.NewNotFoundError("no progress recorded for run %s", runID)
	}
	if err != nil {
		return State{}, errors.Wrapf(err, "failed to load progress for run %s", runID)
	}

	var state State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return State{}, errors.Wrapf(err, "corrupt progress snapshot for run %s", runID)
	}
	if state.Providers == nil {
		state.Providers = map[string]*ProviderProgress{}
	}
	return state, nil
}
