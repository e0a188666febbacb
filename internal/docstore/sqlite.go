package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/events"
)

// Store is the sqlite document store. Every write is recorded in event_log
// under the label of the transaction that made it.
type Store struct {
	db    *db.DB
	actor string
	now   func() time.Time
}

var _ Client = (*Store)(nil)

// New creates a Store writing as actor.
func New(database *db.DB, actor string) *Store {
	return &Store{db: database, actor: actor, now: time.Now}
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// SetClock overrides the time source used for created/modified stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

const docColumns = `d.id, d.class, d.space, d.attached_to, d.attached_to_class, d.collection, d.data, d.created_on, d.modified_on, d.modified_by`

// FindAll returns the documents of class matching q, oldest first.
func (s *Store) FindAll(ctx context.Context, class string, q Query) ([]*domain.Document, error) {
	where := []string{"d.class = ?"}
	args := []any{class}

	if q.Space != "" {
		where = append(where, "d.space = ?")
		args = append(args, q.Space)
	}
	if q.AttachedTo != "" {
		where = append(where, "d.attached_to = ?")
		args = append(args, q.AttachedTo)
	}
	if q.Collection != "" {
		where = append(where, "d.collection = ?")
		args = append(args, q.Collection)
	}
	if len(q.IDs) > 0 {
		where = append(where, "d.id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	for k, v := range q.Where {
		where = append(where, "json_extract(d.data, ?) = ?")
		args = append(args, "$."+k, v)
	}
	if q.Mixin != "" {
		clause := "EXISTS (SELECT 1 FROM mixins m WHERE m.doc_id = d.id AND m.mixin = ?"
		args = append(args, q.Mixin)
		if q.MixinField != "" {
			if len(q.MixinIn) == 0 {
				return nil, nil
			}
			clause += " AND json_extract(m.data, ?) IN (" + placeholders(len(q.MixinIn)) + ")"
			args = append(args, "$."+q.MixinField)
			args = append(args, q.MixinIn...)
		}
		where = append(where, clause+")")
	}

	query := "SELECT " + docColumns + " FROM documents d WHERE " + strings.Join(where, " AND ") + " ORDER BY d.rowid"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", class, err)
	}
	defer rows.Close()

	var docs []*domain.Document
	byID := make(map[string]*domain.Document)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", class, err)
	}

	if err := s.loadMixins(ctx, byID); err != nil {
		return nil, err
	}
	return docs, nil
}

// FindOne returns the first match, or nil when there is none.
func (s *Store) FindOne(ctx context.Context, class string, q Query) (*domain.Document, error) {
	q.Limit = 1
	docs, err := s.FindAll(ctx, class, q)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Apply begins a transaction labelled label.
func (s *Store) Apply(ctx context.Context, label string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{
		tx:    tx,
		log:   events.NewRecorder(tx, label, s.actor),
		actor: s.actor,
		now:   s.now,
	}, nil
}

func (s *Store) loadMixins(ctx context.Context, byID map[string]*domain.Document) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, mixin, data FROM mixins WHERE doc_id IN ("+placeholders(len(ids))+")", ids...)
	if err != nil {
		return fmt.Errorf("failed to query mixins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var docID, mixin, data string
		if err := rows.Scan(&docID, &mixin, &data); err != nil {
			return fmt.Errorf("failed to scan mixin: %w", err)
		}
		fields, err := decodeFields(data)
		if err != nil {
			return fmt.Errorf("mixin %s of %s: %w", mixin, docID, err)
		}
		doc := byID[docID]
		if doc.Mixins == nil {
			doc.Mixins = make(map[string]domain.Fields)
		}
		doc.Mixins[mixin] = fields
	}
	return rows.Err()
}

type sqliteTx struct {
	tx    *sql.Tx
	log   *events.Recorder
	actor string
	now   func() time.Time
	done  bool
}

func (t *sqliteTx) CreateDoc(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = NewID()
	}
	fields, err := doc.Fields.Normalize()
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", doc.ID, err)
	}

	now := t.now()
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO documents (id, class, space, attached_to, attached_to_class, collection, data, etag, created_on, modified_on, modified_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, doc.ID, doc.Class, doc.Space, nullString(doc.AttachedTo), nullString(doc.AttachedToClass), nullString(doc.Collection),
		string(data), now.UnixMilli(), now.UnixMilli(), t.actor)
	if err != nil {
		return fmt.Errorf("failed to create %s %s: %w", doc.Class, doc.ID, err)
	}
	doc.Fields = fields
	doc.CreatedOn, doc.ModifiedOn, doc.ModifiedBy = now, now, t.actor

	if err := t.log.DocCreated(ctx, doc.Class, doc.ID); err != nil {
		return err
	}

	for name, mixin := range doc.Mixins {
		if err := t.CreateMixin(ctx, doc.ID, name, mixin); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) AddCollection(ctx context.Context, doc *domain.Document) error {
	if !doc.IsAttached() {
		return fmt.Errorf("document %s is not attached to a collection", doc.ID)
	}
	return t.CreateDoc(ctx, doc)
}

func (t *sqliteTx) UpdateDoc(ctx context.Context, class, id string, ops domain.Fields) error {
	var data string
	var etag int64
	err := t.tx.QueryRowContext(ctx, "SELECT data, etag FROM documents WHERE id = ? AND class = ?", id, class).Scan(&data, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", class, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", class, id, err)
	}

	updated, changes, err := applyEncoded(data, ops)
	if err != nil {
		return fmt.Errorf("%s %s: %w", class, id, err)
	}

	etag++
	_, err = t.tx.ExecContext(ctx, `
		UPDATE documents SET data = ?, etag = ?, modified_on = ?, modified_by = ? WHERE id = ?
	`, updated, etag, t.now().UnixMilli(), t.actor, id)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", class, id, err)
	}

	return t.log.DocUpdated(ctx, class, id, etag, changes)
}

func (t *sqliteTx) RemoveDoc(ctx context.Context, class, id string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ? AND class = ?", id, class)
	if err != nil {
		return fmt.Errorf("failed to remove %s %s: %w", class, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", class, id, domain.ErrNotFound)
	}
	return t.log.DocRemoved(ctx, class, id)
}

func (t *sqliteTx) CreateMixin(ctx context.Context, docID, mixin string, data domain.Fields) error {
	fields, err := data.Normalize()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode mixin %s: %w", mixin, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO mixins (doc_id, mixin, data, modified_on) VALUES (?, ?, ?, ?)
	`, docID, mixin, string(encoded), t.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create mixin %s on %s: %w", mixin, docID, err)
	}
	return t.log.MixinCreated(ctx, mixin, docID)
}

func (t *sqliteTx) UpdateMixin(ctx context.Context, docID, mixin string, ops domain.Fields) error {
	var data string
	err := t.tx.QueryRowContext(ctx, "SELECT data FROM mixins WHERE doc_id = ? AND mixin = ?", docID, mixin).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mixin %s on %s: %w", mixin, docID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load mixin %s on %s: %w", mixin, docID, err)
	}

	updated, changes, err := applyEncoded(data, ops)
	if err != nil {
		return fmt.Errorf("mixin %s on %s: %w", mixin, docID, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE mixins SET data = ?, modified_on = ? WHERE doc_id = ? AND mixin = ?
	`, updated, t.now().UnixMilli(), docID, mixin)
	if err != nil {
		return fmt.Errorf("failed to update mixin %s on %s: %w", mixin, docID, err)
	}
	return t.log.MixinUpdated(ctx, mixin, docID, changes)
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// applyEncoded applies ops to JSON-encoded fields and returns the new encoding
// along with the normalized ops for the event payload.
func applyEncoded(data string, ops domain.Fields) (string, map[string]interface{}, error) {
	current, err := decodeFields(data)
	if err != nil {
		return "", nil, err
	}
	normalized, err := ops.Normalize()
	if err != nil {
		return "", nil, err
	}
	encoded, err := json.Marshal(ApplyOps(current, normalized))
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(encoded), normalized, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc                                     domain.Document
		attachedTo, attachedToClass, collection sql.NullString
		data                                    string
		createdOn, modifiedOn                   int64
	)
	err := row.Scan(&doc.ID, &doc.Class, &doc.Space, &attachedTo, &attachedToClass, &collection,
		&data, &createdOn, &modifiedOn, &doc.ModifiedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	doc.AttachedTo = attachedTo.String
	doc.AttachedToClass = attachedToClass.String
	doc.Collection = collection.String
	doc.CreatedOn = time.UnixMilli(createdOn)
	doc.ModifiedOn = time.UnixMilli(modifiedOn)

	doc.Fields, err = decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	return &doc, nil
}

func decodeFields(data string) (domain.Fields, error) {
	fields := domain.Fields{}
	if data == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return fields, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
