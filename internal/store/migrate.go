package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// migrationLockKey serializes concurrent API replicas applying migrations.
const migrationLockKey = 0x626f617264

var migrationName = regexp.MustCompile(`^(\d+)_.+\.(up|down)\.sql$`)

type migration struct {
	version string
	name    string
	path    string
}

func listMigrations(dir, direction string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	out := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		out = append(out, migration{version: match[1], name: entry.Name(), path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// ApplyMigrations runs every pending *.up.sql file in version order and
// returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	ups, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, m := range ups {
		contents, err := os.ReadFile(m.path)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", m.name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("lock migrations: %w", err)
		}

		var done bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, m.name).Scan(&done); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if done {
			_ = tx.Rollback()
			continue
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("execute migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.name); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", m.name, err)
		}
		applied = append(applied, m.name)
	}
	return applied, nil
}

// RollbackMigrations runs every *.down.sql file newest first and clears the
// migration record.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return err
	}
	for i := len(downs) - 1; i >= 0; i-- {
		contents, err := os.ReadFile(downs[i].path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", downs[i].name, err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("execute migration %s: %w", downs[i].name, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return fmt.Errorf("clear schema_migrations: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
