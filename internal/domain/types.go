package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fields holds the attributes of a document or of a mixin attached to it.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Normalize returns a copy of f with every value round-tripped through JSON,
// so values built in memory (ints, times, structs) compare equal to the same
// values read back from a store.
func (f Fields) Normalize() (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	return out, nil
}

// String returns the field as a string, or "" when absent or not a string.
func (f Fields) String(key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

// Document is a stored document. Attached documents belong to a parent through
// a named collection (AttachedTo + Collection).
type Document struct {
	ID              string            `json:"id"`
	Class           string            `json:"class"`
	Space           string            `json:"space"`
	AttachedTo      string            `json:"attached_to,omitempty"`
	AttachedToClass string            `json:"attached_to_class,omitempty"`
	Collection      string            `json:"collection,omitempty"`
	Fields          Fields            `json:"fields"`
	Mixins          map[string]Fields `json:"mixins,omitempty"`
	CreatedOn       time.Time         `json:"created_on"`
	ModifiedOn      time.Time         `json:"modified_on"`
	ModifiedBy      string            `json:"modified_by"`
}

// HasMixin reports whether the document carries the named mixin.
func (d *Document) HasMixin(name string) bool {
	if d == nil || d.Mixins == nil {
		return false
	}
	_, ok := d.Mixins[name]
	return ok
}

// Mixin returns the named mixin data, or nil.
func (d *Document) Mixin(name string) Fields {
	if d == nil || d.Mixins == nil {
		return nil
	}
	return d.Mixins[name]
}

// IsAttached reports whether the document lives in a parent's collection.
func (d *Document) IsAttached() bool {
	return d.AttachedTo != "" && d.Collection != ""
}

// IdentityMap maps remote user ids to local account document ids for one run.
type IdentityMap map[string]string

// Resolve returns the local account for a remote user, falling back to the
// system account when the user is unknown.
func (m IdentityMap) Resolve(remoteUserID string) string {
	if id, ok := m[remoteUserID]; ok && id != "" {
		return id
	}
	return SystemAccount
}
