// Package merge writes a converted record into the document store: the
// primary document, its sync trait, supplier documents, reconciled
// sub-document collections and binary attachments, in one transaction.
package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"

	"github.com/lherron/crmsync/internal/blob"
	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/metrics"
)

// Attachment document fields.
const (
	FieldName         = "name"
	FieldFile         = "file"
	FieldSize         = "size"
	FieldType         = "type"
	FieldLastModified = "lastModified"
)

// RemoteTypeAttachment is the sync trait type of uploaded attachments.
const RemoteTypeAttachment = "attachment"

// Uploader stores blob content and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Change is one field written to a document.
type Change struct {
	DocID string `json:"doc_id"`
	Class string `json:"class"`
	Mixin string `json:"mixin,omitempty"`
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Result reports what one merge wrote.
type Result struct {
	DocumentID string   `json:"document_id"`
	Created    bool     `json:"created"`
	Changes    []Change `json:"changes,omitempty"`
	Writes     int      `json:"writes"`

	SubCreated int `json:"sub_created"`
	SubUpdated int `json:"sub_updated"`
	SubRemoved int `json:"sub_removed"`

	Uploaded    int `json:"uploaded"`
	Reused      int `json:"reused"`
	Skipped     int `json:"skipped"`
	Duplicates  int `json:"duplicates"`
	AttachFails int `json:"attach_fails"`

	// AttachmentErr aggregates the per-attachment failures that were
	// skipped without failing the merge.
	AttachmentErr error `json:"-"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSize rejects attachments larger than maxMB megabytes.
func WithMaxSize(maxMB int64) Option {
	return func(e *Engine) { e.maxMB = maxMB }
}

// WithMetrics records attachment outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine merges conversion results into a store.
type Engine struct {
	store    docstore.Client
	uploader Uploader
	maxMB    int64
	metrics  *metrics.Metrics
	log      logr.Logger
}

// NewEngine creates an Engine. A nil uploader skips every attachment that
// would need an upload.
func NewEngine(store docstore.Client, uploader Uploader, log logr.Logger, opts ...Option) *Engine {
	e := &Engine{store: store, uploader: uploader, log: log.WithName("merge")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge writes result into the store. existing is the local document already
// matched to the remote record, or nil. Nothing is committed unless every
// step succeeds.
func (e *Engine) Merge(ctx context.Context, existing *domain.Document, result *domain.ConvertResult, run *domain.Run) (*Result, error) {
	if result == nil || result.Document == nil {
		return nil, fmt.Errorf("merge: conversion result has no document")
	}

	tx, err := e.store.Apply(ctx, fmt.Sprintf("sync %s %s", result.RemoteType, result.RemoteID))
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	out := &Result{}
	w := &countingTx{Tx: tx, n: &out.Writes}

	doc, err := e.mergePrimary(ctx, w, existing, result, run, out)
	if err != nil {
		return nil, err
	}

	for _, extra := range result.ExtraDocs {
		if extra.ID == "" {
			extra.ID = docstore.NewID()
		}
		if err := w.CreateDoc(ctx, extra); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", extra.Class, err)
		}
	}

	if err := e.reconcile(ctx, w, doc, result.ExtraSync, result.Reconcile, out); err != nil {
		return nil, err
	}

	if len(result.Blobs) > 0 {
		if err := e.attachments(ctx, w, doc, result.Blobs, run, out); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s %s: %w", result.RemoteType, result.RemoteID, err)
	}
	return out, nil
}

// MergeCollection reconciles subs into parent's collections in a transaction
// of its own.
func (e *Engine) MergeCollection(ctx context.Context, parent *domain.Document, subs []*domain.SubDocument, label string) (*Result, error) {
	tx, err := e.store.Apply(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	out := &Result{DocumentID: parent.ID}
	w := &countingTx{Tx: tx, n: &out.Writes}
	if err := e.reconcile(ctx, w, parent, subs, nil, out); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", label, err)
	}
	return out, nil
}

func (e *Engine) mergePrimary(ctx context.Context, tx docstore.Tx, existing *domain.Document, result *domain.ConvertResult, run *domain.Run, out *Result) (*domain.Document, error) {
	doc := result.Document
	trait := result.Trait(run.Now()).Fields()

	if existing == nil {
		if doc.ID == "" {
			doc.ID = docstore.NewID()
		}
		mixins := make(map[string]domain.Fields, len(result.Mixins)+1)
		for name, data := range result.Mixins {
			mixins[name] = data
		}
		mixins[domain.SyncMixin] = trait
		created := *doc
		created.Mixins = mixins
		if err := tx.CreateDoc(ctx, &created); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", doc.Class, err)
		}
		out.DocumentID, out.Created = doc.ID, true
		return doc, nil
	}

	doc.ID = existing.ID
	out.DocumentID = doc.ID
	ops, changes, err := Diff(existing.Fields, doc.Fields)
	if err != nil {
		return nil, err
	}
	if len(ops) > 0 {
		if err := tx.UpdateDoc(ctx, doc.Class, doc.ID, ops); err != nil {
			return nil, fmt.Errorf("failed to update %s %s: %w", doc.Class, doc.ID, err)
		}
		out.Changes = append(out.Changes, describe(doc, "", changes)...)
	}

	mixins := make(map[string]domain.Fields, len(result.Mixins)+1)
	for name, data := range result.Mixins {
		mixins[name] = data
	}
	mixins[domain.SyncMixin] = trait
	for _, name := range sortedNames(mixins) {
		if err := e.mergeMixin(ctx, tx, existing, name, mixins[name], out); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// mergeMixin creates the mixin when doc lacks it and otherwise updates only
// the fields that differ.
func (e *Engine) mergeMixin(ctx context.Context, tx docstore.Tx, doc *domain.Document, name string, data domain.Fields, out *Result) error {
	if !doc.HasMixin(name) {
		if err := tx.CreateMixin(ctx, doc.ID, name, data); err != nil {
			return fmt.Errorf("failed to create mixin %s on %s: %w", name, doc.ID, err)
		}
		return nil
	}
	ops, changes, err := Diff(doc.Mixin(name), data)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if err := tx.UpdateMixin(ctx, doc.ID, name, ops); err != nil {
		return fmt.Errorf("failed to update mixin %s on %s: %w", name, doc.ID, err)
	}
	out.Changes = append(out.Changes, describe(doc, name, changes)...)
	return nil
}

// reconcile groups subs by collection kind and brings each kind's collection
// in line with them.
func (e *Engine) reconcile(ctx context.Context, tx docstore.Tx, parent *domain.Document, subs []*domain.SubDocument, complete []domain.CollectionKind, out *Result) error {
	groups := make(map[string][]*domain.SubDocument)
	var kinds []domain.CollectionKind
	seen := make(map[string]bool)
	addKind := func(kind domain.CollectionKind) {
		if !seen[kind.Class] {
			seen[kind.Class] = true
			kinds = append(kinds, kind)
		}
	}

	for _, sub := range subs {
		kind, ok := domain.KindByClass(sub.Doc.Class)
		if !ok {
			return fmt.Errorf("no collection kind for class %s", sub.Doc.Class)
		}
		addKind(kind)
		groups[kind.Class] = append(groups[kind.Class], sub)
	}
	for _, kind := range complete {
		addKind(kind)
	}

	for _, kind := range kinds {
		if err := e.reconcileKind(ctx, tx, parent, kind, groups[kind.Class], out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileKind(ctx context.Context, tx docstore.Tx, parent *domain.Document, kind domain.CollectionKind, subs []*domain.SubDocument, out *Result) error {
	q := docstore.Query{AttachedTo: parent.ID, Collection: kind.Collection}
	if kind.Synced {
		q.Mixin = domain.SyncMixin
	}
	existing, err := e.store.FindAll(ctx, kind.Class, q)
	if err != nil {
		return fmt.Errorf("failed to load %s of %s: %w", kind.Collection, parent.ID, err)
	}

	pool := make(map[string]*domain.Document, len(existing))
	var duplicates []*domain.Document
	for _, doc := range existing {
		key := itemKey(kind, doc)
		if key == "" {
			continue
		}
		if _, dup := pool[key]; dup {
			duplicates = append(duplicates, doc)
			continue
		}
		pool[key] = doc
	}

	for _, sub := range subs {
		key := subKey(kind, sub)
		if key == "" {
			return fmt.Errorf("%s item of %s has no key", kind.Name, parent.ID)
		}
		if current, ok := pool[key]; ok {
			delete(pool, key)
			sub.Doc.ID = current.ID
			if err := e.updateSub(ctx, tx, current, sub, out); err != nil {
				return err
			}
			continue
		}
		if err := e.createSub(ctx, tx, parent, kind, sub, out); err != nil {
			return err
		}
	}

	if !kind.Synced {
		return nil
	}
	for _, doc := range existing {
		if orphan, ok := pool[itemKey(kind, doc)]; ok && orphan.ID == doc.ID {
			duplicates = append(duplicates, doc)
		}
	}
	for _, doc := range duplicates {
		if err := tx.RemoveDoc(ctx, kind.Class, doc.ID); err != nil {
			return fmt.Errorf("failed to remove orphan %s %s: %w", kind.Name, doc.ID, err)
		}
		out.SubRemoved++
		e.log.V(1).Info("removed orphan", "kind", kind.Name, "id", doc.ID, "remoteId", domain.RemoteIDOf(doc))
	}
	return nil
}

func (e *Engine) createSub(ctx context.Context, tx docstore.Tx, parent *domain.Document, kind domain.CollectionKind, sub *domain.SubDocument, out *Result) error {
	doc := sub.Doc
	if doc.ID == "" {
		doc.ID = docstore.NewID()
	}
	if doc.Space == "" {
		doc.Space = parent.Space
	}
	doc.AttachedTo, doc.AttachedToClass, doc.Collection = parent.ID, parent.Class, kind.Collection

	created := *doc
	if sub.Trait != nil {
		created.Mixins = map[string]domain.Fields{domain.SyncMixin: sub.Trait.Fields()}
	}
	if err := tx.AddCollection(ctx, &created); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", kind.Name, parent.ID, err)
	}
	out.SubCreated++
	return nil
}

func (e *Engine) updateSub(ctx context.Context, tx docstore.Tx, current *domain.Document, sub *domain.SubDocument, out *Result) error {
	ops, changes, err := Diff(current.Fields, sub.Doc.Fields)
	if err != nil {
		return err
	}
	writes := out.Writes
	if len(ops) > 0 {
		if err := tx.UpdateDoc(ctx, current.Class, current.ID, ops); err != nil {
			return fmt.Errorf("failed to update %s %s: %w", current.Class, current.ID, err)
		}
		out.Changes = append(out.Changes, describe(current, "", changes)...)
	}
	if sub.Trait != nil {
		if err := e.mergeMixin(ctx, tx, current, domain.SyncMixin, sub.Trait.Fields(), out); err != nil {
			return err
		}
	}
	if out.Writes > writes {
		out.SubUpdated++
	}
	return nil
}

// attachments uploads pending blobs that have no attachment yet. Failures of
// a single attachment are recorded and skipped.
func (e *Engine) attachments(ctx context.Context, tx docstore.Tx, parent *domain.Document, blobs []*domain.BlobDescriptor, run *domain.Run, out *Result) error {
	kind := domain.KindAttachment
	pool, err := e.store.FindAll(ctx, kind.Class, docstore.Query{AttachedTo: parent.ID, Collection: kind.Collection})
	if err != nil {
		return fmt.Errorf("failed to load attachments of %s: %w", parent.ID, err)
	}

	fail := func(desc *domain.BlobDescriptor, err error) {
		out.AttachFails++
		out.AttachmentErr = multierr.Append(out.AttachmentErr, fmt.Errorf("attachment %q: %w", desc.Name, err))
		e.log.Error(err, "attachment skipped", "parent", parent.ID, "name", desc.Name, "remoteId", desc.RemoteID)
	}

	for _, desc := range blobs {
		if desc.RemoteID != "" && hasRemoteID(pool, desc.RemoteID) {
			out.Skipped++
			continue
		}

		if desc.Fetch == nil {
			fail(desc, fmt.Errorf("no content loader"))
			continue
		}
		data, err := desc.Fetch(ctx)
		if err != nil {
			fail(desc, err)
			continue
		}
		if data == nil {
			out.Skipped++
			e.log.V(1).Info("attachment content unavailable", "parent", parent.ID, "name", desc.Name)
			continue
		}
		if desc.Mutate != nil {
			desc.Mutate(data, desc)
		} else {
			blob.Describe(data, desc)
		}
		if err := blob.ValidateSize(desc.Size, e.maxMB); err != nil {
			fail(desc, err)
			continue
		}

		matches := sameFile(pool, desc)
		if len(matches) > 0 {
			target := matches[0]
			if err := e.reuseAttachment(ctx, tx, target, desc, out); err != nil {
				return err
			}
			for _, dup := range matches[1:] {
				if err := tx.RemoveDoc(ctx, kind.Class, dup.ID); err != nil {
					return fmt.Errorf("failed to remove duplicate attachment %s: %w", dup.ID, err)
				}
				pool = without(pool, dup.ID)
				out.Duplicates++
			}
			out.Reused++
			continue
		}

		if e.uploader == nil {
			fail(desc, fmt.Errorf("no blob uploader configured"))
			continue
		}
		ref, err := e.uploader.Upload(ctx, desc.Name, desc.Type, data)
		if err != nil {
			fail(desc, err)
			continue
		}
		created, err := e.createAttachment(ctx, tx, parent, desc, ref, run)
		if err != nil {
			return err
		}
		pool = append(pool, created)
		out.Uploaded++
	}

	e.metrics.Attachments("uploaded", out.Uploaded)
	e.metrics.Attachments("reused", out.Reused)
	e.metrics.Attachments("skipped", out.Skipped)
	e.metrics.Attachments("failed", out.AttachFails)
	return nil
}

// reuseAttachment points an existing attachment with the same content at desc.
// A remote id already on the attachment is kept so repeated runs converge.
func (e *Engine) reuseAttachment(ctx context.Context, tx docstore.Tx, target *domain.Document, desc *domain.BlobDescriptor, out *Result) error {
	if target.HasMixin(domain.SyncMixin) || desc.RemoteID == "" {
		return nil
	}
	trait := domain.SyncTrait{RemoteType: RemoteTypeAttachment, RemoteID: desc.RemoteID}
	if err := tx.CreateMixin(ctx, target.ID, domain.SyncMixin, trait.Fields()); err != nil {
		return fmt.Errorf("failed to mark attachment %s: %w", target.ID, err)
	}
	if target.Mixins == nil {
		target.Mixins = map[string]domain.Fields{}
	}
	target.Mixins[domain.SyncMixin] = trait.Fields()
	return nil
}

func (e *Engine) createAttachment(ctx context.Context, tx docstore.Tx, parent *domain.Document, desc *domain.BlobDescriptor, ref string, run *domain.Run) (*domain.Document, error) {
	modified := desc.LastModified
	if modified.IsZero() {
		modified = run.Now()
	}
	doc := &domain.Document{
		ID:              docstore.NewID(),
		Class:           domain.KindAttachment.Class,
		Space:           parent.Space,
		AttachedTo:      parent.ID,
		AttachedToClass: parent.Class,
		Collection:      domain.KindAttachment.Collection,
		Fields: domain.Fields{
			FieldName:         desc.Name,
			FieldFile:         ref,
			FieldSize:         desc.Size,
			FieldType:         desc.Type,
			FieldLastModified: modified.UnixMilli(),
		},
	}
	if desc.RemoteID != "" {
		trait := domain.SyncTrait{RemoteType: RemoteTypeAttachment, RemoteID: desc.RemoteID}
		doc.Mixins = map[string]domain.Fields{domain.SyncMixin: trait.Fields()}
	}
	if err := tx.AddCollection(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to add attachment %q to %s: %w", desc.Name, parent.ID, err)
	}
	return doc, nil
}

func itemKey(kind domain.CollectionKind, doc *domain.Document) string {
	if kind.Synced {
		return domain.RemoteIDOf(doc)
	}
	return keyString(doc.Fields[kind.KeyField])
}

func subKey(kind domain.CollectionKind, sub *domain.SubDocument) string {
	if kind.Synced {
		if sub.Trait == nil {
			return ""
		}
		return sub.Trait.RemoteID
	}
	return keyString(sub.Doc.Fields[kind.KeyField])
}

func keyString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func hasRemoteID(pool []*domain.Document, remoteID string) bool {
	for _, doc := range pool {
		if domain.RemoteIDOf(doc) == remoteID {
			return true
		}
	}
	return false
}

// sameFile returns the attachments whose name, size and type equal desc's.
func sameFile(pool []*domain.Document, desc *domain.BlobDescriptor) []*domain.Document {
	var out []*domain.Document
	for _, doc := range pool {
		if doc.Fields.String(FieldName) == desc.Name &&
			doc.Fields.String(FieldType) == desc.Type &&
			sizeOf(doc.Fields[FieldSize]) == desc.Size {
			out = append(out, doc)
		}
	}
	return out
}

func sizeOf(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return -1
}

func without(pool []*domain.Document, id string) []*domain.Document {
	out := pool[:0]
	for _, doc := range pool {
		if doc.ID != id {
			out = append(out, doc)
		}
	}
	return out
}

// Diff returns the update ops that bring current to incoming, and the
// matching changes. Nil incoming values never clear a stored value.
func Diff(current, incoming domain.Fields) (domain.Fields, []Change, error) {
	normalized, err := incoming.Normalize()
	if err != nil {
		return nil, nil, err
	}
	ops := domain.Fields{}
	var changes []Change
	for _, key := range sortedNames(normalized) {
		value := normalized[key]
		if value == nil {
			continue
		}
		old, ok := current[key]
		if ok && cmp.Equal(old, value) {
			continue
		}
		ops[key] = value
		changes = append(changes, Change{Field: key, Old: old, New: value})
	}
	return ops, changes, nil
}

func describe(doc *domain.Document, mixin string, changes []Change) []Change {
	for i := range changes {
		changes[i].DocID, changes[i].Class, changes[i].Mixin = doc.ID, doc.Class, mixin
	}
	return changes
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// countingTx counts the writes issued through it.
type countingTx struct {
	docstore.Tx
	n *int
}

func (t *countingTx) CreateDoc(ctx context.Context, doc *domain.Document) error {
	*t.n++
	return t.Tx.CreateDoc(ctx, doc)
}

func (t *countingTx) AddCollection(ctx context.Context, doc *domain.Document) error {
	*t.n++
	return t.Tx.AddCollection(ctx, doc)
}

func (t *countingTx) UpdateDoc(ctx context.Context, class, id string, ops domain.Fields) error {
	*t.n++
	return t.Tx.UpdateDoc(ctx, class, id, ops)
}

func (t *countingTx) RemoveDoc(ctx context.Context, class, id string) error {
	*t.n++
	return t.Tx.RemoveDoc(ctx, class, id)
}

func (t *countingTx) CreateMixin(ctx context.Context, docID, mixin string, data domain.Fields) error {
	*t.n++
	return t.Tx.CreateMixin(ctx, docID, mixin, data)
}

func (t *countingTx) UpdateMixin(ctx context.Context, docID, mixin string, ops domain.Fields) error {
	*t.n++
	return t.Tx.UpdateMixin(ctx, docID, mixin, ops)
}
