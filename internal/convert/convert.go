// Package convert turns raw remote records into document graphs according to
// the field mappings of a domain.Mapping.
package convert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/lherron/crmsync/internal/blob"
	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/domain"
)

// Tag document fields.
const (
	FieldTitle       = "title"
	FieldCategory    = "category"
	FieldTargetClass = "targetClass"
	FieldTag         = "tag"
)

// RemoteTypeTag is the sync trait type of tag references.
const RemoteTypeTag = "tag"

// BlobProvider loads file content by reference.
type BlobProvider interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FieldConverter converts records field by field.
type FieldConverter struct {
	store docstore.Client
	blobs BlobProvider
	log   logr.Logger
}

// NewFieldConverter creates a converter. File fields are ignored when blobs
// is nil.
func NewFieldConverter(store docstore.Client, blobs BlobProvider, log logr.Logger) *FieldConverter {
	return &FieldConverter{store: store, blobs: blobs, log: log.WithName("convert")}
}

// Convert builds the document graph of record. The primary document reuses
// existing's id, or gets a fresh one, so sub-documents can point at it before
// anything is written.
func (c *FieldConverter) Convert(ctx context.Context, mapping domain.Mapping, space string, record domain.Fields, existing *domain.Document, run *domain.Run) (*domain.ConvertResult, error) {
	remoteID := RemoteID(record)
	if remoteID == "" {
		return nil, fmt.Errorf("%s record has no ID", mapping.Type)
	}

	doc := &domain.Document{Class: mapping.Class, Space: space, Fields: domain.Fields{}}
	if existing != nil {
		doc.ID = existing.ID
	} else {
		doc.ID = docstore.NewID()
	}

	result := &domain.ConvertResult{
		Document:   doc,
		RemoteType: mapping.Type,
		RemoteID:   remoteID,
		RawData:    record,
	}

	for _, fm := range mapping.Fields {
		attr := fm.Attribute
		if attr == "" {
			attr = fm.Remote
		}
		value := record[fm.Remote]

		switch fm.Op {
		case "", domain.FieldOpCopy:
			doc.Fields[attr] = firstValue(value)
		case domain.FieldOpUser:
			if id := scalar(value); id != "" && id != "0" {
				doc.Fields[attr] = run.Identities.Resolve(id)
			} else {
				doc.Fields[attr] = nil
			}
		case domain.FieldOpTag:
			if err := c.tags(ctx, mapping, fm, space, value, result, run); err != nil {
				return nil, abandon(result, run, err)
			}
		case domain.FieldOpFile:
			c.files(fm, attr, value, result)
		default:
			return nil, abandon(result, run, &domain.ConfigError{Op: "convert", Msg: fmt.Sprintf("unknown field op %q for %s", fm.Op, fm.Remote)})
		}
	}
	return result, nil
}

// abandon drops the tag elements result created from the run cache, since
// they will never be written.
func abandon(result *domain.ConvertResult, run *domain.Run, err error) error {
	for _, extra := range result.ExtraDocs {
		run.ForgetTagElements(extra.ID)
	}
	return err
}

// tags resolves each value of a tag field to a tag element, creating missing
// elements once per run, and queues a reference to it.
func (c *FieldConverter) tags(ctx context.Context, mapping domain.Mapping, fm domain.FieldMapping, space string, value any, result *domain.ConvertResult, run *domain.Run) error {
	category := fm.Category
	if category == "" {
		category = mapping.Type
	}

	for _, title := range values(value) {
		key := category + "/" + title
		id, ok := run.TagElements[key]
		if !ok {
			found, err := c.store.FindOne(ctx, domain.ClassTagElement, docstore.Query{
				Where: domain.Fields{FieldTitle: title, FieldCategory: category},
			})
			if err != nil {
				return fmt.Errorf("failed to look up tag %q: %w", title, err)
			}
			if found != nil {
				id = found.ID
			} else {
				id = docstore.NewID()
				result.ExtraDocs = append(result.ExtraDocs, &domain.Document{
					ID:    id,
					Class: domain.ClassTagElement,
					Space: space,
					Fields: domain.Fields{
						FieldTitle:       title,
						FieldCategory:    category,
						FieldTargetClass: mapping.Class,
					},
				})
			}
			run.TagElements[key] = id
		}

		result.ExtraSync = append(result.ExtraSync, &domain.SubDocument{
			Doc: &domain.Document{
				Class:  domain.ClassTagReference,
				Space:  space,
				Fields: domain.Fields{FieldTag: id, FieldTitle: title},
			},
			Trait: &domain.SyncTrait{RemoteType: RemoteTypeTag, RemoteID: fm.Remote + ":" + title},
		})
	}
	result.AddReconcile(domain.KindTagReference)
	return nil
}

// files queues the files of a file field for upload.
func (c *FieldConverter) files(fm domain.FieldMapping, attr string, value any, result *domain.ConvertResult) {
	if c.blobs == nil {
		return
	}
	provider := c.blobs
	for _, f := range fileRefs(value) {
		ref := f.url
		name := fmt.Sprintf("%s-%s", attr, f.id)
		result.Blobs = append(result.Blobs, &domain.BlobDescriptor{
			Name:     name,
			RemoteID: fm.Remote + ":" + f.id,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return provider.Fetch(ctx, ref)
			},
			Mutate: func(data []byte, d *domain.BlobDescriptor) {
				blob.Describe(data, d)
			},
		})
	}
}

// RemoteID returns the record's ID field as a string.
func RemoteID(record domain.Fields) string {
	return scalar(record["ID"])
}

// firstValue unwraps multi-value fields ([{"VALUE": ...}, ...]) to their
// first value. Other values pass through.
func firstValue(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return v
	}
	if m, ok := list[0].(map[string]any); ok {
		if inner, ok := m["VALUE"]; ok {
			return inner
		}
	}
	return v
}

func scalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%.0f", s)
	default:
		return fmt.Sprint(s)
	}
}

// values returns the distinct non-empty strings of a single or multi value.
func values(v any) []string {
	var raw []any
	switch t := v.(type) {
	case []any:
		raw = t
	case []string:
		for _, s := range t {
			raw = append(raw, s)
		}
	default:
		raw = []any{t}
	}

	seen := make(map[string]bool)
	var out []string
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			item = m["VALUE"]
		}
		s := strings.TrimSpace(scalar(item))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type fileRef struct {
	id  string
	url string
}

// fileRefs reads file field values: {"id", "downloadUrl"|"showUrl"} objects,
// alone or in a list.
func fileRefs(v any) []fileRef {
	var raw []any
	switch t := v.(type) {
	case []any:
		raw = t
	case map[string]any:
		raw = []any{t}
	default:
		return nil
	}

	var out []fileRef
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := fileRef{id: scalar(m["id"])}
		for _, key := range []string{"downloadUrl", "urlDownload", "showUrl"} {
			if u := scalar(m[key]); u != "" {
				ref.url = u
				break
			}
		}
		if ref.id == "" || ref.url == "" {
			continue
		}
		out = append(out, ref)
	}
	return out
}
