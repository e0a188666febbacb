// Package db owns the local SQLite file that backs the document store and
// the sync run history, along with its embedded schema migrations.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// connParams are applied by the driver to every pooled connection, so the
// foreign key cascade on mixins holds no matter which connection runs a query.
var connParams = url.Values{
	"_foreign_keys": {"on"},
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_synchronous":  {"NORMAL"},
}

// DB is the crmsync database handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at file. The schema is not
// touched; call Migrate or check Schema before use.
func Open(file string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", file+"?"+connParams.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", file, err)
	}
	return &DB{DB: conn, path: file}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Schema is the migration state of a database.
type Schema struct {
	Applied []string
	Pending []string
}

// Version is the newest applied migration, or "none".
func (s Schema) Version() string {
	if len(s.Applied) == 0 {
		return "none"
	}
	return s.Applied[len(s.Applied)-1]
}

// Current reports whether no migration is pending.
func (s Schema) Current() bool {
	return len(s.Pending) == 0
}

// Schema compares the embedded migrations with the ones recorded in the
// database. A database that was never migrated has everything pending.
func (db *DB) Schema(ctx context.Context) (Schema, error) {
	all, err := embeddedMigrations()
	if err != nil {
		return Schema{}, err
	}

	done, err := db.appliedVersions(ctx)
	if err != nil {
		return Schema{}, err
	}

	var s Schema
	for _, name := range all {
		if done[name] {
			s.Applied = append(s.Applied, name)
		} else {
			s.Pending = append(s.Pending, name)
		}
	}
	return s, nil
}

// Migrate applies every pending migration.
func (db *DB) Migrate() error {
	_, err := db.MigrateWithInfo()
	return err
}

// MigrateWithInfo applies every pending migration, each in its own
// transaction, and returns the names it applied. On failure the names applied
// before the failing one are still returned.
func (db *DB) MigrateWithInfo() ([]string, error) {
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	schema, err := db.Schema(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range schema.Pending {
		if err := db.apply(ctx, name); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// RequiresMigrationError returns nil for a current schema, otherwise an error
// naming the database, its version and what to run.
func (db *DB) RequiresMigrationError() error {
	schema, err := db.Schema(context.Background())
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if schema.Current() {
		return nil
	}
	return fmt.Errorf("database at %s (version: %s) requires migration: %d pending migration(s). Run 'crmsync migrate' to update",
		db.path, schema.Version(), len(schema.Pending))
}

func (db *DB) apply(ctx context.Context, name string) error {
	script, err := migrationsFS.ReadFile(path.Join(migrationsDir, name))
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", name, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", name, err)
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	var tables int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
	).Scan(&tables); err != nil {
		return nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}
	done := map[string]bool{}
	if tables == 0 {
		return done, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		done[version] = true
	}
	return done, rows.Err()
}

func embeddedMigrations() ([]string, error) {
	names, err := fs.Glob(migrationsFS, path.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	for i, name := range names {
		names[i] = path.Base(name)
	}
	sort.Strings(names)
	return names, nil
}
