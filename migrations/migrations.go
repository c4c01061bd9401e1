// Package migrations applies the embedded schema for the configured
// storage driver.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Driver names accepted by Apply, matching the storage.driver config key.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// dialect carries the per-driver SQL the runner itself needs. The
// migration bodies handle their own dialect differences.
type dialect struct {
	dir        string
	ledgerDDL  string
	claimQuery string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		dir: "sqlite",
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
		claimQuery: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		dir: "postgres",
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
		claimQuery: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

// Apply runs every embedded migration for driver in lexicographic
// order, each exactly once per database. Applied names are tracked in
// schema_migrations so re-running is safe.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d, ok := dialects[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, d.ledgerDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	names, err := fs.Glob(files, d.dir+"/*.sql")
	if err != nil {
		return fmt.Errorf("list embedded %s migrations: %w", d.dir, err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := runOnce(ctx, db, d, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// runOnce claims name in schema_migrations and executes the statement
// inside the same transaction. A claim that affects no rows means an
// earlier Apply already ran it; the transaction rolls back without
// touching the schema.
func runOnce(ctx context.Context, db *sql.DB, d dialect, name, statement string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, d.claimQuery, name)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert schema_migrations row: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read insert row count: %w", err)
	}
	if claimed == 0 {
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rollback transaction: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
