package annotation

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/genepulse/errors"
)

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store persists annotation records and gene identities in SQLite
type Store struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewStore creates a store over an opened, migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, timeNow: time.Now}
}

// WithClock replaces the clock used for updated_at
func (s *Store) WithClock(now func() time.Time) *Store {
	s.timeNow = now
	return s
}

// DB returns the underlying database, for callers that commit records with other rows
func (s *Store) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const upsertRecordSQL = `
	INSERT INTO annotations (entity_id, provider, payload, evidence_at, updated_at, run_id)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_id, provider) DO UPDATE SET
		payload = excluded.payload,
		evidence_at = excluded.evidence_at,
		updated_at = excluded.updated_at,
		run_id = excluded.run_id
`

// Upsert replaces the current record for (entity, provider)
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	return s.UpsertTx(ctx, s.db, rec)
}

// UpsertTx upserts through ex, so a caller can commit the record with other writes
func (s *Store) UpsertTx(ctx context.Context, ex Execer, rec *Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.timeNow()
	}
	_, err := ex.ExecContext(ctx, upsertRecordSQL,
		rec.EntityID, rec.Provider, string(rec.Payload),
		nullableTime(rec.EvidenceAt), formatTime(rec.UpdatedAt), rec.RunID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert %s annotation for %s", rec.Provider, rec.EntityID)
	}
	return nil
}

func scanRecord(scan func(dest ...interface{}) error) (*Record, error) {
	var rec Record
	var payload, updatedAt string
	var evidenceAt sql.NullString
	if err := scan(&rec.EntityID, &rec.Provider, &payload, &evidenceAt, &updatedAt, &rec.RunID); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.UpdatedAt = parseTime(updatedAt)
	if evidenceAt.Valid {
		t := parseTime(evidenceAt.String)
		rec.EvidenceAt = &t
	}
	return &rec, nil
}

// Get returns the current record for (entity, provider)
func (s *Store) Get(ctx context.Context, entityID, provider string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, provider, payload, evidence_at, updated_at, run_id
		FROM annotations WHERE entity_id = ? AND provider = ?`, entityID, provider)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no %s annotation for %s", provider, entityID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s annotation for %s", provider, entityID)
	}
	return rec, nil
}

// ForEntity returns every provider's record for an entity, ordered by provider
func (s *Store) ForEntity(ctx context.Context, entityID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, provider, payload, evidence_at, updated_at, run_id
		FROM annotations WHERE entity_id = ? ORDER BY provider`, entityID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list annotations for %s", entityID)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan annotation")
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to iterate annotations")
}

// Count returns how many records a provider currently has
func (s *Store) Count(ctx context.Context, provider string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE provider = ?`, provider).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s annotations", provider)
	}
	return n, nil
}

// ClearProvider deletes every record from a provider. Only full-refresh runs call this.
func (s *Store) ClearProvider(ctx context.Context, provider string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE provider = ?`, provider)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to clear %s annotations", provider)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RefreshSummary rebuilds annotation_summary from the annotations table in one transaction
func (s *Store) RefreshSummary(ctx context.Context) ([]Summary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin summary refresh")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_summary`); err != nil {
		return nil, errors.Wrap(err, "failed to clear annotation summary")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO annotation_summary (provider, record_count, entity_count, last_updated, refreshed_at)
		SELECT provider, COUNT(*), COUNT(DISTINCT entity_id), MAX(updated_at), ?
		FROM annotations GROUP BY provider`, formatTime(s.timeNow()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to rebuild annotation summary")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit annotation summary")
	}

	return s.Summaries(ctx)
}

// Summaries returns the last refreshed rollup, ordered by provider
func (s *Store) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, record_count, entity_count, last_updated, refreshed_at
		FROM annotation_summary ORDER BY provider`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query annotation summary")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var lastUpdated sql.NullString
		var refreshedAt string
		if err := rows.Scan(&sum.Provider, &sum.RecordCount, &sum.EntityCount, &lastUpdated, &refreshedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan annotation summary")
		}
		if lastUpdated.Valid {
			t := parseTime(lastUpdated.String)
			sum.LastUpdated = &t
		}
		sum.RefreshedAt = parseTime(refreshedAt)
		out = append(out, sum)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate annotation summary")
}

const upsertGeneSQL = `
	INSERT INTO genes (entity_id, hgnc_id, symbol, name, ensembl_id, entrez_id, uniprot_ids, locus_group, run_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_id) DO UPDATE SET
		hgnc_id = excluded.hgnc_id,
		symbol = excluded.symbol,
		name = excluded.name,
		ensembl_id = excluded.ensembl_id,
		entrez_id = excluded.entrez_id,
		uniprot_ids = excluded.uniprot_ids,
		locus_group = excluded.locus_group,
		run_id = excluded.run_id,
		updated_at = excluded.updated_at
`

// UpsertGene stores a resolved identity
func (s *Store) UpsertGene(ctx context.Context, g *Gene) error {
	return s.UpsertGeneTx(ctx, s.db, g)
}

// UpsertGeneTx stores a resolved identity through ex
func (s *Store) UpsertGeneTx(ctx context.Context, ex Execer, g *Gene) error {
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = s.timeNow()
	}
	uniprot := g.UniProtIDs
	if uniprot == nil {
		uniprot = []string{}
	}
	ids, err := json.Marshal(uniprot)
	if err != nil {
		return errors.Wrapf(err, "failed to encode uniprot ids for %s", g.EntityID)
	}

	_, err = ex.ExecContext(ctx, upsertGeneSQL,
		g.EntityID, g.HGNCID, g.Symbol, g.Name, g.EnsemblID, g.EntrezID,
		string(ids), g.LocusGroup, g.RunID, formatTime(g.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert gene %s", g.EntityID)
	}
	return nil
}

const geneColumns = `entity_id, hgnc_id, symbol, name, ensembl_id, entrez_id, uniprot_ids, locus_group, run_id, updated_at`

func scanGene(scan func(dest ...interface{}) error) (*Gene, error) {
	var g Gene
	var ids, updatedAt string
	if err := scan(&g.EntityID, &g.HGNCID, &g.Symbol, &g.Name, &g.EnsemblID, &g.EntrezID,
		&ids, &g.LocusGroup, &g.RunID, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &g.UniProtIDs); err != nil {
		return nil, errors.Wrapf(err, "corrupt uniprot ids for %s", g.EntityID)
	}
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

// Gene returns the resolved identity for an input entity
func (s *Store) Gene(ctx context.Context, entityID string) (*Gene, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+geneColumns+` FROM genes WHERE entity_id = ?`, entityID)
	g, err := scanGene(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("gene %s not resolved", entityID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get gene %s", entityID)
	}
	return g, nil
}

// maxQueryParams keeps IN lists under SQLite's bound-variable limit
const maxQueryParams = 500

// Genes returns the resolved identities among entityIDs, in input order.
// Unresolved ids are skipped.
func (s *Store) Genes(ctx context.Context, entityIDs []string) ([]*Gene, error) {
	byID := make(map[string]*Gene, len(entityIDs))
	for start := 0; start < len(entityIDs); start += maxQueryParams {
		end := start + maxQueryParams
		if end > len(entityIDs) {
			end = len(entityIDs)
		}
		if err := s.loadGenes(ctx, entityIDs[start:end], byID); err != nil {
			return nil, err
		}
	}

	genes := make([]*Gene, 0, len(byID))
	for _, id := range entityIDs {
		if g, ok := byID[id]; ok {
			genes = append(genes, g)
			delete(byID, id)
		}
	}
	return genes, nil
}

func (s *Store) loadGenes(ctx context.Context, ids []string, into map[string]*Gene) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+geneColumns+` FROM genes WHERE entity_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return errors.Wrap(err, "failed to query genes")
	}
	defer rows.Close()

	for rows.Next() {
		g, err := scanGene(rows.Scan)
		if err != nil {
			return errors.Wrap(err, "failed to scan gene")
		}
		into[g.EntityID] = g
	}
	return errors.Wrap(rows.Err(), "failed to iterate genes")
}
