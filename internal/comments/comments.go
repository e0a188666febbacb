// Package comments downloads the timeline comments and activities of a
// converted record and queues them as sub-documents of the record.
package comments

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/lherron/crmsync/internal/bitrix"
	"github.com/lherron/crmsync/internal/blob"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/markup"
)

// Comment document fields.
const (
	FieldMessage   = "message"
	FieldType      = "type"
	FieldAuthor    = "author"
	FieldCreatedOn = "createdOn"
)

// Comment types.
const (
	TypeComment = "comment"
	TypeEmail   = "email"
)

// ActivityPrefix namespaces activity remote ids inside the comments collection.
const ActivityPrefix = "activity:"

// BlobProvider loads file content by reference. Nil data with a nil error
// means the content is gone.
type BlobProvider interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Downloader fetches comments and activities for converted records.
type Downloader struct {
	remote    bitrix.Caller
	blobs     BlobProvider
	direction string
	log       logr.Logger
}

// NewDownloader creates a Downloader. Comment files are only queued for
// upload when blobs is non-nil.
func NewDownloader(remote bitrix.Caller, blobs BlobProvider, direction string, log logr.Logger) *Downloader {
	if direction == "" {
		direction = bitrix.DirectionAscending
	}
	return &Downloader{remote: remote, blobs: blobs, direction: direction, log: log.WithName("comments")}
}

// Download appends the record's comments and activities to result.ExtraSync
// and comment files to result.Blobs. Nothing is written.
func (d *Downloader) Download(ctx context.Context, mapping domain.Mapping, result *domain.ConvertResult, run *domain.Run) error {
	if !mapping.Comments && !mapping.Activities {
		return nil
	}

	ownerType, err := d.OwnerType(ctx, mapping, run)
	if err != nil {
		return err
	}

	if mapping.Comments {
		if err := d.downloadComments(ctx, mapping, result, run); err != nil {
			return err
		}
	}
	if mapping.Activities {
		if err := d.downloadActivities(ctx, ownerType, result, run); err != nil {
			return err
		}
	}
	result.AddReconcile(domain.KindComment)
	return nil
}

// OwnerType resolves the owner-type id of mapping's entity. The enumeration
// is fetched once per run. A missing entry is a configuration error.
func (d *Downloader) OwnerType(ctx context.Context, mapping domain.Mapping, run *domain.Run) (string, error) {
	if run.OwnerTypes == nil {
		resp, err := d.remote.Call(ctx, bitrix.MethodOwnerTypes, nil)
		if err != nil {
			return "", fmt.Errorf("failed to load owner types: %w", err)
		}
		types, err := bitrix.DecodeList[bitrix.OwnerType](resp)
		if err != nil {
			return "", err
		}
		run.OwnerTypes = make(map[string]string, len(types))
		for _, t := range types {
			run.OwnerTypes[t.SymbolCode] = string(t.ID)
		}
	}

	code := strings.ToUpper(mapping.EntityName())
	id, ok := run.OwnerTypes[code]
	if !ok {
		return "", &domain.ConfigError{Op: "owner type", Msg: fmt.Sprintf("no owner type with symbol code %q for %s", code, mapping.Type)}
	}
	return id, nil
}

func (d *Downloader) downloadComments(ctx context.Context, mapping domain.Mapping, result *domain.ConvertResult, run *domain.Run) error {
	list, err := listAll[bitrix.Comment](ctx, d.remote, bitrix.MethodCommentList, map[string]any{
		"filter": map[string]any{
			"ENTITY_ID":   result.RemoteID,
			"ENTITY_TYPE": mapping.EntityName(),
		},
		"order": map[string]string{"CREATED": d.direction},
	})
	if err != nil {
		return fmt.Errorf("failed to list comments of %s %s: %w", mapping.Type, result.RemoteID, err)
	}

	parent := result.Document
	for _, c := range list {
		message := markup.Translate(c.Comment)

		for _, key := range sortedKeys(c.Files) {
			file := c.Files[key]
			message += fmt.Sprintf(`</br> Attachment: <a href="%s">%s</a>`, file.ShowURL, file.Name)
			if desc := d.fileBlob(file, parent); desc != nil {
				result.Blobs = append(result.Blobs, desc)
			}
		}

		result.ExtraSync = append(result.ExtraSync, subDocument(parent, string(c.ID), domain.Fields{
			FieldMessage:   message,
			FieldType:      TypeComment,
			FieldAuthor:    run.Identities.Resolve(string(c.AuthorID)),
			FieldCreatedOn: createdOn(c.Created, run),
		}))
	}
	d.log.V(1).Info("comments downloaded", "remoteId", result.RemoteID, "comments", len(list))
	return nil
}

func (d *Downloader) downloadActivities(ctx context.Context, ownerType string, result *domain.ConvertResult, run *domain.Run) error {
	list, err := listAll[bitrix.Activity](ctx, d.remote, bitrix.MethodActivityList, map[string]any{
		"filter": map[string]any{
			"OWNER_ID":      result.RemoteID,
			"OWNER_TYPE_ID": ownerType,
		},
		"order":  map[string]string{"ID": bitrix.DirectionDescending},
		"select": []string{"*", "COMMUNICATIONS"},
	})
	if err != nil {
		return fmt.Errorf("failed to list activities of %s: %w", result.RemoteID, err)
	}

	parent := result.Document
	for _, a := range list {
		result.ExtraSync = append(result.ExtraSync, subDocument(parent, ActivityPrefix+string(a.ID), domain.Fields{
			FieldMessage:   EmailBody(a),
			FieldType:      TypeEmail,
			FieldAuthor:    run.Identities.Resolve(string(a.AuthorID)),
			FieldCreatedOn: createdOn(a.Created, run),
		}))
	}
	d.log.V(1).Info("activities downloaded", "remoteId", result.RemoteID, "activities", len(list))
	return nil
}

func (d *Downloader) fileBlob(file bitrix.File, parent *domain.Document) *domain.BlobDescriptor {
	if d.blobs == nil {
		return nil
	}
	ref := file.URLDownload
	if ref == "" {
		ref = file.ShowURL
	}
	provider := d.blobs
	return &domain.BlobDescriptor{
		Name:            file.Name,
		Size:            file.Size,
		RemoteID:        string(file.ID),
		AttachedTo:      parent.ID,
		AttachedToClass: parent.Class,
		Collection:      domain.KindAttachment.Collection,
		Fetch: func(ctx context.Context) ([]byte, error) {
			return provider.Fetch(ctx, ref)
		},
		Mutate: func(data []byte, bd *domain.BlobDescriptor) {
			blob.Describe(data, bd)
			if bd.Name == "" {
				bd.Name = file.Name
			}
			bd.AttachedTo, bd.AttachedToClass = parent.ID, parent.Class
		},
	}
}

// EmailBody renders an activity as an e-mail styled HTML message.
func EmailBody(a bitrix.Activity) string {
	var targets []string
	for _, c := range a.Communications {
		name := strings.TrimSpace(c.EntitySettings.Name + " " + c.EntitySettings.LastName)
		targets = append(targets, html.EscapeString(strings.TrimSpace(name+" <"+c.Value+">")))
	}

	var b strings.Builder
	b.WriteString(`<div style="border: #b5b5b5 1px solid; padding: 5px">`)
	b.WriteString("<p>e-mail: " + strings.Join(targets, ", ") + "</p>")
	b.WriteString("<p><b>Subject: " + a.Subject + "</b></p>")
	for _, k := range sortedKeys(a.Settings.EmailMeta) {
		if v := a.Settings.EmailMeta[k]; v != "" {
			b.WriteString("<span>" + k + ": " + html.EscapeString(v) + "</span><br/>")
		}
	}
	b.WriteString(a.Description)
	b.WriteString("</div>")
	return b.String()
}

func subDocument(parent *domain.Document, remoteID string, fields domain.Fields) *domain.SubDocument {
	kind := domain.KindComment
	return &domain.SubDocument{
		Doc: &domain.Document{
			Class:           kind.Class,
			Space:           parent.Space,
			AttachedTo:      parent.ID,
			AttachedToClass: parent.Class,
			Collection:      kind.Collection,
			Fields:          fields,
		},
		Trait: &domain.SyncTrait{RemoteType: fields.String(FieldType), RemoteID: remoteID},
	}
}

func createdOn(created string, run *domain.Run) int64 {
	if t := bitrix.ParseTime(created); !t.IsZero() {
		return t.UnixMilli()
	}
	return run.Now().UnixMilli()
}

// listAll follows start/next until the last page.
func listAll[T any](ctx context.Context, remote bitrix.Caller, method string, params map[string]any) ([]T, error) {
	var out []T
	start := 0
	for {
		params["start"] = start
		resp, err := remote.Call(ctx, method, params)
		if err != nil {
			return nil, err
		}
		page, err := bitrix.DecodeList[T](resp)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || resp.Next == nil || *resp.Next <= start {
			return out, nil
		}
		start = *resp.Next
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
