package domain

import (
	"encoding/json"
	"time"
)

// SyncMixin is the mixin that marks a document as sourced from a remote record.
// Its presence is the only signal used to match local documents to remote ids.
const SyncMixin = "crmsync:mixin:SyncDoc"

// Field names of the sync mixin, also used by store queries.
const (
	TraitRemoteType = "remoteType"
	TraitRemoteID   = "remoteId"
	TraitRawData    = "rawData"
	TraitSyncTime   = "syncTime"
)

// DefaultSyncPeriod is the minimum time between two refreshes of one record.
const DefaultSyncPeriod = 24 * time.Hour

// SyncTrait is the typed view of the sync mixin.
type SyncTrait struct {
	RemoteType string
	RemoteID   string
	RawData    any
	SyncTime   time.Time
}

// Fields encodes the trait as mixin data. SyncTime is stored as epoch millis.
func (t SyncTrait) Fields() Fields {
	f := Fields{
		TraitRemoteType: t.RemoteType,
		TraitRemoteID:   t.RemoteID,
	}
	if t.RawData != nil {
		f[TraitRawData] = t.RawData
	}
	if !t.SyncTime.IsZero() {
		f[TraitSyncTime] = t.SyncTime.UnixMilli()
	}
	return f
}

// Due reports whether the suppression window after the last sync has elapsed.
func (t *SyncTrait) Due(now time.Time, period time.Duration) bool {
	if t.SyncTime.IsZero() {
		return true
	}
	if period <= 0 {
		period = DefaultSyncPeriod
	}
	return !t.SyncTime.Add(period).After(now)
}

// TraitFromFields decodes mixin data into a SyncTrait.
func TraitFromFields(f Fields) (*SyncTrait, bool) {
	if f == nil {
		return nil, false
	}
	t := &SyncTrait{
		RemoteType: f.String(TraitRemoteType),
		RemoteID:   f.String(TraitRemoteID),
		RawData:    f[TraitRawData],
	}
	if ms, ok := millis(f[TraitSyncTime]); ok {
		t.SyncTime = time.UnixMilli(ms)
	}
	return t, true
}

// TraitOf returns the sync trait carried by d, if any.
func TraitOf(d *Document) (*SyncTrait, bool) {
	if !d.HasMixin(SyncMixin) {
		return nil, false
	}
	return TraitFromFields(d.Mixin(SyncMixin))
}

// RemoteIDOf returns the remote id of a synced document, or "".
func RemoteIDOf(d *Document) string {
	if t, ok := TraitOf(d); ok {
		return t.RemoteID
	}
	return ""
}

func millis(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
