package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is one recorded synchronization run of a mapping.
type Run struct {
	ID         int64     `json:"id"`
	Mapping    string    `json:"mapping"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Added      int       `json:"added"`
	Suppressed int       `json:"suppressed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// RecordRun stores a finished run and sets its ID.
func (db *DB) RecordRun(ctx context.Context, run *Run) error {
	var runErr sql.NullString
	if run.Error != "" {
		runErr = sql.NullString{String: run.Error, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_runs (mapping, trigger, started_at, finished_at, scanned, added, suppressed, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.Mapping, run.Trigger, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.Scanned, run.Added, run.Suppressed, run.Failed, runErr)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	run.ID, _ = res.LastInsertId()
	return nil
}

// LastRuns returns the most recent run of every mapping, ordered by mapping.
func (db *DB) LastRuns(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.mapping, r.trigger, r.started_at, r.finished_at, r.scanned, r.added, r.suppressed, r.failed, r.error
		FROM sync_runs r
		WHERE r.id = (SELECT MAX(id) FROM sync_runs WHERE mapping = r.mapping)
		ORDER BY r.mapping
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			started, finished int64
			runErr            sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Mapping, &run.Trigger, &started, &finished,
			&run.Scanned, &run.Added, &run.Suppressed, &run.Failed, &runErr); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.UnixMilli(started)
		run.FinishedAt = time.UnixMilli(finished)
		run.Error = runErr.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
