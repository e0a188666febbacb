package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestSyncTrait_RoundTrip(t *testing.T) {
	synced := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	trait := SyncTrait{RemoteType: EntityLead, RemoteID: "42", RawData: map[string]any{"ID": "42"}, SyncTime: synced}

	f := trait.Fields()
	if f[TraitSyncTime] != synced.UnixMilli() {
		t.Fatalf("syncTime should be stored as epoch millis, got %v", f[TraitSyncTime])
	}

	// Values read back from JSON arrive as float64.
	f[TraitSyncTime] = float64(synced.UnixMilli())
	got, ok := TraitFromFields(f)
	if !ok {
		t.Fatal("TraitFromFields failed")
	}
	if got.RemoteID != "42" || got.RemoteType != EntityLead || !got.SyncTime.Equal(synced) {
		t.Errorf("unexpected trait: %+v", got)
	}
}

func TestSyncTrait_Due(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		synced time.Time
		period time.Duration
		want   bool
	}{
		{name: "never synced", want: true},
		{name: "inside default period", synced: now.Add(-time.Hour), want: false},
		{name: "exactly one period ago", synced: now.Add(-DefaultSyncPeriod), want: true},
		{name: "outside custom period", synced: now.Add(-2 * time.Hour), period: time.Hour, want: true},
		{name: "inside custom period", synced: now.Add(-30 * time.Minute), period: time.Hour, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trait := &SyncTrait{SyncTime: tt.synced}
			if got := trait.Due(now, tt.period); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTraitOf(t *testing.T) {
	doc := &Document{Mixins: map[string]Fields{SyncMixin: {TraitRemoteID: "7"}}}
	if got := RemoteIDOf(doc); got != "7" {
		t.Errorf("RemoteIDOf() = %q, want 7", got)
	}
	if got := RemoteIDOf(&Document{}); got != "" {
		t.Errorf("RemoteIDOf() on unsynced document = %q", got)
	}
}

func TestFields_Normalize(t *testing.T) {
	in := Fields{"n": 3, "when": []string{"a", "b"}, "nested": map[string]int{"x": 1}}
	got, err := in.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	want := Fields{"n": float64(3), "when": []any{"a", "b"}, "nested": map[string]any{"x": float64(1)}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize() = %#v, want %#v", got, want)
	}
}

func TestIdentityMap_Resolve(t *testing.T) {
	m := IdentityMap{"1": "account-1", "2": ""}
	tests := map[string]string{
		"1": "account-1",
		"2": SystemAccount,
		"3": SystemAccount,
	}
	for remote, want := range tests {
		if got := m.Resolve(remote); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", remote, got, want)
		}
	}
}

func TestConvertResult_AddReconcile(t *testing.T) {
	r := &ConvertResult{}
	r.AddReconcile(KindComment)
	r.AddReconcile(KindTagReference)
	r.AddReconcile(KindComment)
	if len(r.Reconcile) != 2 {
		t.Errorf("expected 2 kinds, got %v", r.Reconcile)
	}
}

func TestRun_ForgetTagElements(t *testing.T) {
	run := NewRun(nil, nil)
	run.TagElements["source/Web"] = "tag-1"
	run.TagElements["source/Call"] = "tag-2"

	run.ForgetTagElements("tag-1", "missing")

	if _, ok := run.TagElements["source/Web"]; ok {
		t.Error("tag-1 should be forgotten")
	}
	if run.TagElements["source/Call"] != "tag-2" {
		t.Error("tag-2 should be kept")
	}
}

func TestMapping(t *testing.T) {
	m := Mapping{Type: EntityCompany}
	if m.EntityName() != "company" || m.ListMethod() != "crm.company.list" || !m.IsOrganization() {
		t.Errorf("unexpected mapping helpers: %q %q %v", m.EntityName(), m.ListMethod(), m.IsOrganization())
	}
	if _, ok := FindMapping([]Mapping{m}, EntityLead); ok {
		t.Error("FindMapping should not find crm.lead")
	}
	if _, ok := KindByClass(ClassComment); !ok {
		t.Error("comment kind should be registered")
	}
}
