// Package docstore defines the transactional document store the sync pipeline
// writes into, and provides its sqlite implementation.
package docstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lherron/crmsync/internal/domain"
)

// Query filters documents of one class. Zero-valued filters are ignored.
type Query struct {
	Space      string
	AttachedTo string
	Collection string
	IDs        []string
	// Where matches top-level document fields by equality.
	Where domain.Fields
	// Mixin restricts results to documents carrying the named mixin. When
	// MixinField is set, the mixin field must be one of MixinIn.
	Mixin      string
	MixinField string
	MixinIn    []any
	Limit      int
}

// Client reads documents and opens write transactions.
type Client interface {
	FindAll(ctx context.Context, class string, q Query) ([]*domain.Document, error)
	// FindOne returns nil with a nil error when nothing matches.
	FindOne(ctx context.Context, class string, q Query) (*domain.Document, error)
	// Apply opens a transaction. Writes become visible on Commit.
	Apply(ctx context.Context, label string) (Tx, error)
}

// Tx buffers writes for one unit of work. Rollback after Commit is a no-op.
type Tx interface {
	CreateDoc(ctx context.Context, doc *domain.Document) error
	// AddCollection creates doc inside its parent's collection.
	AddCollection(ctx context.Context, doc *domain.Document) error
	// UpdateDoc sets the given fields. A nil value removes the field.
	UpdateDoc(ctx context.Context, class, id string, ops domain.Fields) error
	RemoveDoc(ctx context.Context, class, id string) error
	CreateMixin(ctx context.Context, docID, mixin string, data domain.Fields) error
	UpdateMixin(ctx context.Context, docID, mixin string, ops domain.Fields) error
	Commit() error
	Rollback() error
}

// NewID generates a document id.
func NewID() string {
	return uuid.NewString()
}

// ApplyOps returns fields with ops applied.
func ApplyOps(fields, ops domain.Fields) domain.Fields {
	out := fields.Clone()
	for k, v := range ops {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Match reports whether doc satisfies class and q. Backends that cannot push a
// filter down to storage evaluate it with Match.
func Match(doc *domain.Document, class string, q Query) bool {
	if doc.Class != class {
		return false
	}
	if q.Space != "" && doc.Space != q.Space {
		return false
	}
	if q.AttachedTo != "" && doc.AttachedTo != q.AttachedTo {
		return false
	}
	if q.Collection != "" && doc.Collection != q.Collection {
		return false
	}
	if len(q.IDs) > 0 && !containsString(q.IDs, doc.ID) {
		return false
	}
	for k, v := range q.Where {
		if !sameValue(doc.Fields[k], v) {
			return false
		}
	}
	if q.Mixin != "" {
		data, ok := doc.Mixins[q.Mixin]
		if !ok {
			return false
		}
		if q.MixinField != "" && !containsValue(q.MixinIn, data[q.MixinField]) {
			return false
		}
	}
	return true
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if sameValue(candidate, v) {
			return true
		}
	}
	return false
}

// sameValue compares scalars loosely so 1 and 1.0 read back from JSON match.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
