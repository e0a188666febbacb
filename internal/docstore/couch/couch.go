// Package couch stores sync documents in CouchDB. Mixins are embedded in the
// document body; a transaction is a buffered _bulk_docs request. CouchDB
// applies such a request per document, so when part of a commit fails the
// documents it did write are reverted with a second request.
package couch

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"go.uber.org/multierr"

	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/domain"
)

// findLimit caps a single Mango query. CouchDB defaults to 25 otherwise.
const findLimit = 100000

// Store is a docstore.Client backed by one CouchDB database.
type Store struct {
	db     *kivik.DB
	writer bulkWriter
	actor  string
	now    func() time.Time
}

// bulkWriter is the part of *kivik.DB that commits use.
type bulkWriter interface {
	BulkDocs(ctx context.Context, docs []interface{}, options ...kivik.Option) ([]kivik.BulkResult, error)
}

var _ docstore.Client = (*Store)(nil)

// Open connects to CouchDB and creates the database when missing.
func Open(ctx context.Context, url, dbName, actor string) (*Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	db := client.DB(dbName)
	return &Store{db: db, writer: db, actor: actor, now: time.Now}, nil
}

type couchDoc struct {
	ID              string                   `json:"_id"`
	Rev             string                   `json:"_rev,omitempty"`
	Deleted         bool                     `json:"_deleted,omitempty"`
	Class           string                   `json:"class"`
	Space           string                   `json:"space"`
	AttachedTo      string                   `json:"attached_to,omitempty"`
	AttachedToClass string                   `json:"attached_to_class,omitempty"`
	Collection      string                   `json:"collection,omitempty"`
	Fields          domain.Fields            `json:"fields"`
	Mixins          map[string]domain.Fields `json:"mixins,omitempty"`
	CreatedOn       int64                    `json:"created_on"`
	ModifiedOn      int64                    `json:"modified_on"`
	ModifiedBy      string                   `json:"modified_by"`
}

func (d *couchDoc) document() *domain.Document {
	fields := d.Fields
	if fields == nil {
		fields = domain.Fields{}
	}
	return &domain.Document{
		ID:              d.ID,
		Class:           d.Class,
		Space:           d.Space,
		AttachedTo:      d.AttachedTo,
		AttachedToClass: d.AttachedToClass,
		Collection:      d.Collection,
		Fields:          fields,
		Mixins:          d.Mixins,
		CreatedOn:       time.UnixMilli(d.CreatedOn),
		ModifiedOn:      time.UnixMilli(d.ModifiedOn),
		ModifiedBy:      d.ModifiedBy,
	}
}

// selector builds the Mango selector for q.
func selector(class string, q docstore.Query) map[string]interface{} {
	sel := map[string]interface{}{"class": class}
	if q.Space != "" {
		sel["space"] = q.Space
	}
	if q.AttachedTo != "" {
		sel["attached_to"] = q.AttachedTo
	}
	if q.Collection != "" {
		sel["collection"] = q.Collection
	}
	if len(q.IDs) > 0 {
		sel["_id"] = map[string]interface{}{"$in": q.IDs}
	}
	for k, v := range q.Where {
		sel["fields."+k] = v
	}
	if q.Mixin != "" {
		sel["mixins."+q.Mixin] = map[string]interface{}{"$exists": true}
		if q.MixinField != "" {
			sel["mixins."+q.Mixin+"."+q.MixinField] = map[string]interface{}{"$in": q.MixinIn}
		}
	}
	return sel
}

func (s *Store) FindAll(ctx context.Context, class string, q docstore.Query) ([]*domain.Document, error) {
	if q.MixinField != "" && len(q.MixinIn) == 0 {
		return nil, nil
	}
	limit := findLimit
	if q.Limit > 0 {
		limit = q.Limit
	}
	query := map[string]interface{}{
		"selector": selector(class, q),
		"limit":    limit,
	}

	rows := s.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", class, err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		var cd couchDoc
		if err := rows.ScanDoc(&cd); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", class, err)
		}
		doc := cd.document()
		if docstore.Match(doc, class, q) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", class, err)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].CreatedOn.Before(docs[j].CreatedOn) })
	return docs, nil
}

func (s *Store) FindOne(ctx context.Context, class string, q docstore.Query) (*domain.Document, error) {
	q.Limit = 1
	docs, err := s.FindAll(ctx, class, q)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (s *Store) Apply(ctx context.Context, label string) (docstore.Tx, error) {
	return &tx{
		store:    s,
		label:    label,
		pending:  make(map[string]*couchDoc),
		original: make(map[string]*couchDoc),
	}, nil
}

type tx struct {
	store   *Store
	label   string
	order   []string
	pending map[string]*couchDoc
	// original holds stored documents as loaded, for reverting a partial commit.
	original map[string]*couchDoc
	done     bool
}

func (t *tx) stage(d *couchDoc) {
	if _, ok := t.pending[d.ID]; !ok {
		t.order = append(t.order, d.ID)
	}
	t.pending[d.ID] = d
}

// load returns the staged version of id, fetching it on first use.
func (t *tx) load(ctx context.Context, id string) (*couchDoc, error) {
	if d, ok := t.pending[id]; ok {
		if d.Deleted {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
		}
		return d, nil
	}
	var d couchDoc
	if err := t.store.db.Get(ctx, id).ScanDoc(&d); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	t.track(&d)
	return &d, nil
}

// track stages a document read from the database and keeps its stored form.
func (t *tx) track(d *couchDoc) {
	stored := *d
	stored.Mixins = maps.Clone(d.Mixins)
	t.original[d.ID] = &stored
	t.stage(d)
}

func (t *tx) touch(d *couchDoc) {
	d.ModifiedOn = t.store.now().UnixMilli()
	d.ModifiedBy = t.store.actor
}

func (t *tx) CreateDoc(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = docstore.NewID()
	}
	fields, err := doc.Fields.Normalize()
	if err != nil {
		return err
	}
	mixins := make(map[string]domain.Fields, len(doc.Mixins))
	for name, data := range doc.Mixins {
		if mixins[name], err = data.Normalize(); err != nil {
			return err
		}
	}
	now := t.store.now()
	t.stage(&couchDoc{
		ID:              doc.ID,
		Class:           doc.Class,
		Space:           doc.Space,
		AttachedTo:      doc.AttachedTo,
		AttachedToClass: doc.AttachedToClass,
		Collection:      doc.Collection,
		Fields:          fields,
		Mixins:          mixins,
		CreatedOn:       now.UnixMilli(),
		ModifiedOn:      now.UnixMilli(),
		ModifiedBy:      t.store.actor,
	})
	doc.Fields = fields
	doc.CreatedOn, doc.ModifiedOn, doc.ModifiedBy = now, now, t.store.actor
	return nil
}

func (t *tx) AddCollection(ctx context.Context, doc *domain.Document) error {
	if !doc.IsAttached() {
		return fmt.Errorf("document %s is not attached to a collection", doc.ID)
	}
	return t.CreateDoc(ctx, doc)
}

func (t *tx) UpdateDoc(ctx context.Context, class, id string, ops domain.Fields) error {
	d, err := t.load(ctx, id)
	if err != nil {
		return err
	}
	if d.Class != class {
		return fmt.Errorf("%s %s: %w", class, id, domain.ErrNotFound)
	}
	normalized, err := ops.Normalize()
	if err != nil {
		return err
	}
	d.Fields = docstore.ApplyOps(d.Fields, normalized)
	t.touch(d)
	return nil
}

func (t *tx) RemoveDoc(ctx context.Context, class, id string) error {
	d, err := t.load(ctx, id)
	if err != nil {
		return err
	}
	if d.Class != class {
		return fmt.Errorf("%s %s: %w", class, id, domain.ErrNotFound)
	}
	d.Deleted = true
	return nil
}

func (t *tx) CreateMixin(ctx context.Context, docID, mixin string, data domain.Fields) error {
	d, err := t.load(ctx, docID)
	if err != nil {
		return err
	}
	if _, ok := d.Mixins[mixin]; ok {
		return fmt.Errorf("mixin %s already exists on %s", mixin, docID)
	}
	normalized, err := data.Normalize()
	if err != nil {
		return err
	}
	if d.Mixins == nil {
		d.Mixins = make(map[string]domain.Fields)
	}
	d.Mixins[mixin] = normalized
	t.touch(d)
	return nil
}

func (t *tx) UpdateMixin(ctx context.Context, docID, mixin string, ops domain.Fields) error {
	d, err := t.load(ctx, docID)
	if err != nil {
		return err
	}
	current, ok := d.Mixins[mixin]
	if !ok {
		return fmt.Errorf("mixin %s on %s: %w", mixin, docID, domain.ErrNotFound)
	}
	normalized, err := ops.Normalize()
	if err != nil {
		return err
	}
	d.Mixins[mixin] = docstore.ApplyOps(current, normalized)
	t.touch(d)
	return nil
}

// Commit writes every staged document in one _bulk_docs request.
func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction %q already finished", t.label)
	}
	t.done = true
	if len(t.order) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(t.order))
	for _, id := range t.order {
		docs = append(docs, t.pending[id])
	}

	results, err := t.store.writer.BulkDocs(context.Background(), docs)
	if err != nil {
		return fmt.Errorf("failed to commit %q: %w", t.label, err)
	}
	var errs error
	var written []kivik.BulkResult
	for _, r := range results {
		if r.Error != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.ID, r.Error))
		} else {
			written = append(written, r)
		}
	}
	if errs != nil && len(written) > 0 {
		errs = multierr.Append(errs, t.revert(written))
	}
	return errs
}

// revert undoes the writes of a partial commit: created documents are
// deleted and loaded ones get their stored body back.
func (t *tx) revert(written []kivik.BulkResult) error {
	docs := make([]interface{}, 0, len(written))
	for _, r := range written {
		stored, ok := t.original[r.ID]
		if !ok {
			docs = append(docs, map[string]interface{}{"_id": r.ID, "_rev": r.Rev, "_deleted": true})
			continue
		}
		restored := *stored
		restored.Rev = r.Rev
		docs = append(docs, &restored)
	}

	results, err := t.store.writer.BulkDocs(context.Background(), docs)
	if err != nil {
		return fmt.Errorf("failed to revert %q: %w", t.label, err)
	}
	var errs error
	for _, r := range results {
		if r.Error != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to revert %s: %w", r.ID, r.Error))
		}
	}
	return errs
}

func (t *tx) Rollback() error {
	t.done = true
	t.pending = nil
	t.original = nil
	t.order = nil
	return nil
}
