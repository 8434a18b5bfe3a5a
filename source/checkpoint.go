package source

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
)

// Checkpoint is a paged provider's resumable position
type Checkpoint struct {
	Provider string `json:"provider" yaml:"provider"`
	RunID    string `json:"run_id" yaml:"run_id"`
	// EntitySet is the EntitySetDigest of the run that wrote the checkpoint
	EntitySet string `json:"entity_set" yaml:"entity_set"`
	// Cursor is the provider's opaque token for the next page; empty means the first page
	Cursor    string    `json:"cursor" yaml:"cursor"`
	Processed int64     `json:"processed" yaml:"processed"`
	Done      bool      `json:"done" yaml:"done"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// EntitySetDigest identifies a set of entities independent of order and case.
// Items before a cursor were only matched against the set that wrote it.
func EntitySetDigest(entities []Entity) string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, strings.ToUpper(e.ID))
	}
	sort.Strings(ids)

	h := sha256.New()
	prev := ""
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		h.Write([]byte(id))
		h.Write([]byte{0})
		prev = id
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckpointStore persists checkpoints next to the records they cover
type CheckpointStore struct {
	records *annotation.Store
	timeNow func() time.Time
}

// NewCheckpointStore shares the annotation store's database
func NewCheckpointStore(records *annotation.Store) *CheckpointStore {
	return &CheckpointStore{records: records, timeNow: time.Now}
}

func (s *CheckpointStore) db() *sql.DB {
	return s.records.DB()
}

const checkpointColumns = `provider, run_id, entity_set, cursor, processed, done, updated_at`

func scanCheckpoint(scan func(dest ...interface{}) error) (Checkpoint, error) {
	var cp Checkpoint
	var updatedAt string
	if err := scan(&cp.Provider, &cp.RunID, &cp.EntitySet, &cp.Cursor, &cp.Processed, &cp.Done, &updatedAt); err != nil {
		return Checkpoint{}, err
	}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cp, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func loadCheckpoint(ctx context.Context, q queryRower, provider string) (Checkpoint, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE provider = ?`, provider)
	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errors.Wrapf(err, "failed to load %s checkpoint", provider)
	}
	return cp, true, nil
}

// Load returns the provider's checkpoint, if any
func (s *CheckpointStore) Load(ctx context.Context, provider string) (Checkpoint, bool, error) {
	return loadCheckpoint(ctx, s.db(), provider)
}

// Commit writes a page's records and the checkpoint after it in one transaction.
// Within a run the processed count never moves backwards.
func (s *CheckpointStore) Commit(ctx context.Context, cp Checkpoint, records []*annotation.Record) error {
	tx, err := s.db().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin %s page commit", cp.Provider)
	}
	defer tx.Rollback() //nolint:errcheck

	current, ok, err := loadCheckpoint(ctx, tx, cp.Provider)
	if err != nil {
		return err
	}
	if ok && !current.Done && current.RunID == cp.RunID && cp.Processed < current.Processed {
		return errors.AssertionFailedf("%s checkpoint would move backwards: %d < %d", cp.Provider, cp.Processed, current.Processed)
	}

	for _, rec := range records {
		if err := s.records.UpsertTx(ctx, tx, rec); err != nil {
			return err
		}
	}

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.timeNow()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			run_id = excluded.run_id,
			entity_set = excluded.entity_set,
			cursor = excluded.cursor,
			processed = excluded.processed,
			done = excluded.done,
			updated_at = excluded.updated_at`,
		cp.Provider, cp.RunID, cp.EntitySet, cp.Cursor, cp.Processed, cp.Done, cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s checkpoint", cp.Provider)
	}

	return errors.Wrapf(tx.Commit(), "commit %s page", cp.Provider)
}

// List returns every checkpoint ordered by provider
func (s *CheckpointStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db().QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY provider`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		out = append(out, cp)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate checkpoints")
}

// Reset deletes a provider's checkpoint so its next run starts from the first page
func (s *CheckpointStore) Reset(ctx context.Context, provider string) (bool, error) {
	res, err := s.db().ExecContext(ctx, `DELETE FROM checkpoints WHERE provider = ?`, provider)
	if err != nil {
		return false, errors.Wrapf(err, "failed to reset %s checkpoint", provider)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
