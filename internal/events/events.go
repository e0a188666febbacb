// Package events appends document store mutations to the event_log table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Kind names what happened to a resource.
type Kind string

const (
	DocCreated   Kind = "doc.created"
	DocUpdated   Kind = "doc.updated"
	DocRemoved   Kind = "doc.removed"
	MixinCreated Kind = "mixin.created"
	MixinUpdated Kind = "mixin.updated"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder writes events for one unit of work. Every event it writes carries
// the same label and actor, so a sync run can be traced in the log.
type Recorder struct {
	exec  Execer
	label string
	actor string
}

// NewRecorder returns a Recorder writing through exec, usually the
// transaction the recorded changes are made in.
func NewRecorder(exec Execer, label, actor string) *Recorder {
	return &Recorder{exec: exec, label: label, actor: actor}
}

// DocCreated records a new document of class.
func (r *Recorder) DocCreated(ctx context.Context, class, id string) error {
	etag := int64(1)
	return r.Record(ctx, DocCreated, class, id, &etag, map[string]any{"class": class})
}

// DocUpdated records the changed top-level fields of a document.
func (r *Recorder) DocUpdated(ctx context.Context, class, id string, etag int64, changes map[string]any) error {
	return r.Record(ctx, DocUpdated, class, id, &etag, changes)
}

func (r *Recorder) DocRemoved(ctx context.Context, class, id string) error {
	return r.Record(ctx, DocRemoved, class, id, nil, nil)
}

func (r *Recorder) MixinCreated(ctx context.Context, mixin, docID string) error {
	return r.Record(ctx, MixinCreated, mixin, docID, nil, nil)
}

func (r *Recorder) MixinUpdated(ctx context.Context, mixin, docID string, changes map[string]any) error {
	return r.Record(ctx, MixinUpdated, mixin, docID, nil, changes)
}

// Record writes one event. A nil payload is stored as NULL.
func (r *Recorder) Record(ctx context.Context, kind Kind, resourceType, resourceID string, etag *int64, payload map[string]any) error {
	var encoded sql.NullString
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}

	var actor sql.NullString
	if r.actor != "" {
		actor = sql.NullString{String: r.actor, Valid: true}
	}

	_, err := r.exec.ExecContext(ctx, `
		INSERT INTO event_log (label, actor, resource_type, resource_id, event_type, etag, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.label, actor, resourceType, resourceID, string(kind), etag, encoded)
	if err != nil {
		return fmt.Errorf("failed to write %s event for %s: %w", kind, resourceID, err)
	}
	return nil
}
