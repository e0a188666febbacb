package domain

import (
	"context"
	"time"
)

// SubDocument is a pending attached document produced by conversion or by the
// comment downloader. Trait is nil for relationship records without a remote id.
type SubDocument struct {
	Doc   *Document
	Trait *SyncTrait
}

// BlobDescriptor is a pending binary attachment. It becomes an attachment
// document once its bytes are fetched and uploaded.
type BlobDescriptor struct {
	Name     string
	Type     string
	Size     int64
	RemoteID string

	AttachedTo      string
	AttachedToClass string
	Collection      string
	LastModified    time.Time

	// Fetch loads the content. Nil data with a nil error means the content is
	// not available.
	Fetch func(ctx context.Context) ([]byte, error)
	// Mutate finalizes metadata once the content is known.
	Mutate func(data []byte, d *BlobDescriptor)
}

// ConvertResult is the document graph produced for one remote record.
type ConvertResult struct {
	Document *Document

	RemoteType string
	RemoteID   string
	RawData    Fields

	Mixins    map[string]Fields
	ExtraDocs []*Document
	ExtraSync []*SubDocument
	Blobs     []*BlobDescriptor

	// Reconcile lists collection kinds whose fetch was complete, so orphans
	// are removed even when ExtraSync holds no item of that kind.
	Reconcile []CollectionKind
}

// AddReconcile marks kind as fully fetched.
func (r *ConvertResult) AddReconcile(kind CollectionKind) {
	for _, k := range r.Reconcile {
		if k.Class == kind.Class {
			return
		}
	}
	r.Reconcile = append(r.Reconcile, kind)
}

// Trait builds the sync trait of the primary document.
func (r *ConvertResult) Trait(now time.Time) SyncTrait {
	return SyncTrait{
		RemoteType: r.RemoteType,
		RemoteID:   r.RemoteID,
		RawData:    r.RawData,
		SyncTime:   now,
	}
}
