package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded schema step, named NNN_description.sql
type migration struct {
	version string
	file    string
}

// loadMigrations lists the embedded migrations in version order. Versions
// are three-digit, unique and gapless from 000, so a file added out of
// sequence fails every Open instead of being applied in the wrong order.
func loadMigrations() ([]migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, _, ok := strings.Cut(entry.Name(), "_")
		if !ok || len(version) != 3 {
			return nil, errors.Newf("migration %s is not named NNN_description.sql", entry.Name())
		}
		out = append(out, migration{version: version, file: entry.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })

	for i, m := range out {
		if n, err := strconv.Atoi(m.version); err != nil || n != i {
			return nil, errors.Newf("migration %s out of sequence: want version %03d", m.file, i)
		}
	}
	return out, nil
}

// appliedVersions returns the recorded versions. Before 000 has run there is
// no schema_migrations table and the set is empty.
func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	var tables int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&tables)
	if err != nil {
		if IsDatabaseClosed(err) {
			return nil, errors.Mark(errors.Wrap(err, "check migration state"), ErrDatabaseClosed)
		}
		return nil, errors.Wrap(err, "check migration state")
	}

	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan applied migration")
		}
		applied[v] = true
	}
	return applied, errors.Wrap(rows.Err(), "read applied migrations")
}

// Migrate runs all pending migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	return MigrateContext(context.Background(), db, logger)
}

// MigrateContext applies every pending migration, each in its own transaction
// together with its schema_migrations row.
func MigrateContext(ctx context.Context, db *sql.DB, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range all {
		if applied[m.version] {
			logger.Debugw("Skipping migration (already applied)", "migration", m.file, "version", m.version)
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		logger.Infow("Applied migration", "migration", m.file, "version", m.version)
		count++
	}

	if count > 0 {
		logger.Infow("Migrations complete",
			"schema_version", all[len(all)-1].version,
			"applied", count,
		)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	sqlBytes, err := migrations.ReadFile(path.Join(migrationsDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.file)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	// 000 creates the table, then records itself
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}

// SchemaVersion returns the highest applied migration version, or "" for an
// empty database
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return "", err
	}
	latest := ""
	for v := range applied {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}
