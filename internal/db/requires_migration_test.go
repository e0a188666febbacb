package db_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lherron/crmsync/internal/db"
)

func openTestDB(t *testing.T) (*db.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "crmsync.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, dbPath
}

func TestRequiresMigrationErrorPartiallyMigrated(t *testing.T) {
	database, dbPath := openTestDB(t)

	_, err := database.Exec(`
		CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	if err != nil {
		t.Fatalf("could not create schema_migrations: %v", err)
	}
	if _, err := database.Exec(`INSERT INTO schema_migrations (version) VALUES ('000001_baseline.sql')`); err != nil {
		t.Fatalf("could not insert migration: %v", err)
	}

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error, got nil")
	}

	errStr := migErr.Error()
	for _, want := range []string{dbPath, "version: 000001_baseline.sql", "1 pending migration", "crmsync migrate"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should contain %q, got: %s", want, errStr)
		}
	}
}

func TestRequiresMigrationErrorFreshDB(t *testing.T) {
	database, _ := openTestDB(t)

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error for fresh db, got nil")
	}
	if !strings.Contains(migErr.Error(), "version: none") {
		t.Errorf("fresh db error should contain 'version: none', got: %s", migErr)
	}
}

func TestMigrateWithInfoIsRepeatable(t *testing.T) {
	database, _ := openTestDB(t)

	applied, err := database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("MigrateWithInfo failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied migrations, got %v", applied)
	}

	applied, err = database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("second MigrateWithInfo failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing to apply on second run, got %v", applied)
	}
	if err := database.RequiresMigrationError(); err != nil {
		t.Errorf("expected nil for fully migrated db, got: %v", err)
	}
}

func TestSchemaTracksMigrations(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()

	schema, err := database.Schema(ctx)
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if schema.Current() || schema.Version() != "none" || len(schema.Pending) != 2 {
		t.Fatalf("unexpected fresh schema: %+v", schema)
	}

	if err := database.Migrate(); err != nil {
		t.Fatalf("could not run migrations: %v", err)
	}
	schema, err = database.Schema(ctx)
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if !schema.Current() || schema.Version() != "000002_sync_runs.sql" {
		t.Errorf("unexpected migrated schema: %+v", schema)
	}

	var fk int
	if err := database.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("could not read pragma: %v", err)
	}
	if fk != 1 {
		t.Error("foreign keys should be enforced on every connection")
	}
}

func TestLastRuns(t *testing.T) {
	database, _ := openTestDB(t)
	if err := database.Migrate(); err != nil {
		t.Fatalf("could not run migrations: %v", err)
	}
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	runs := []*db.Run{
		{Mapping: "crm.lead", Trigger: "cli", StartedAt: start, FinishedAt: start.Add(time.Second), Added: 1},
		{Mapping: "crm.lead", Trigger: "daemon", StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour), Added: 4, Error: "boom"},
		{Mapping: "crm.company", Trigger: "cli", StartedAt: start, FinishedAt: start, Suppressed: 2},
	}
	for _, r := range runs {
		if err := database.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected run id to be set")
		}
	}

	last, err := database.LastRuns(ctx)
	if err != nil {
		t.Fatalf("LastRuns failed: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("expected one run per mapping, got %d", len(last))
	}
	if last[0].Mapping != "crm.company" || last[0].Suppressed != 2 {
		t.Errorf("unexpected company run: %+v", last[0])
	}
	if last[1].Added != 4 || last[1].Error != "boom" || last[1].Trigger != "daemon" {
		t.Errorf("expected latest lead run, got %+v", last[1])
	}
	if !last[1].StartedAt.Equal(start.Add(time.Hour)) {
		t.Errorf("expected started_at %v, got %v", start.Add(time.Hour), last[1].StartedAt)
	}
}
