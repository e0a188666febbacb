package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/domain"
)

// setupTestDB creates a temporary test database with migrations applied.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func countEvents(t *testing.T, database *db.DB, label string) int {
	t.Helper()
	var n int
	if err := database.QueryRow("SELECT COUNT(*) FROM event_log WHERE label = ?", label).Scan(&n); err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	return n
}

func mustCommit(t *testing.T, tx Tx) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestStore_CreateAndFind(t *testing.T) {
	database := setupTestDB(t)
	s := New(database, "tester")
	ctx := context.Background()

	tx, err := s.Apply(ctx, "create")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	lead := &domain.Document{Class: "crm:class:Lead", Space: "space-1", Fields: domain.Fields{"title": "Lead one", "amount": 3}}
	if err := tx.CreateDoc(ctx, lead); err != nil {
		t.Fatalf("CreateDoc failed: %v", err)
	}
	if lead.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	trait := domain.SyncTrait{RemoteType: "crm.lead", RemoteID: "42"}
	if err := tx.CreateMixin(ctx, lead.ID, domain.SyncMixin, trait.Fields()); err != nil {
		t.Fatalf("CreateMixin failed: %v", err)
	}
	mustCommit(t, tx)

	got, err := s.FindOne(ctx, "crm:class:Lead", Query{
		Space:      "space-1",
		Mixin:      domain.SyncMixin,
		MixinField: domain.TraitRemoteID,
		MixinIn:    []any{"42"},
	})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if got == nil || got.ID != lead.ID {
		t.Fatalf("expected lead %s, got %+v", lead.ID, got)
	}
	if got.Fields["amount"] != float64(3) {
		t.Errorf("expected normalized amount 3, got %#v", got.Fields["amount"])
	}
	if id := domain.RemoteIDOf(got); id != "42" {
		t.Errorf("expected remote id 42, got %q", id)
	}
	if n := countEvents(t, database, "create"); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}

	missing, err := s.FindOne(ctx, "crm:class:Lead", Query{Mixin: domain.SyncMixin, MixinField: domain.TraitRemoteID, MixinIn: []any{"7"}})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected no match, got %s", missing.ID)
	}
}

func TestStore_UpdateRemovesNilFields(t *testing.T) {
	database := setupTestDB(t)
	s := New(database, "tester")
	ctx := context.Background()

	tx, _ := s.Apply(ctx, "seed")
	doc := &domain.Document{Class: "c", Space: "s", Fields: domain.Fields{"a": "1", "b": "2"}}
	if err := tx.CreateDoc(ctx, doc); err != nil {
		t.Fatalf("CreateDoc failed: %v", err)
	}
	mustCommit(t, tx)

	tx, _ = s.Apply(ctx, "update")
	if err := tx.UpdateDoc(ctx, "c", doc.ID, domain.Fields{"a": "x", "b": nil}); err != nil {
		t.Fatalf("UpdateDoc failed: %v", err)
	}
	mustCommit(t, tx)

	got, _ := s.FindOne(ctx, "c", Query{IDs: []string{doc.ID}})
	if got.Fields["a"] != "x" {
		t.Errorf("expected a=x, got %v", got.Fields["a"])
	}
	if _, ok := got.Fields["b"]; ok {
		t.Errorf("expected b removed, got %v", got.Fields["b"])
	}
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	database := setupTestDB(t)
	s := New(database, "tester")
	ctx := context.Background()

	tx, _ := s.Apply(ctx, "aborted")
	if err := tx.CreateDoc(ctx, &domain.Document{Class: "c", Space: "s"}); err != nil {
		t.Fatalf("CreateDoc failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	docs, err := s.FindAll(ctx, "c", Query{})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected no documents after rollback, got %d", len(docs))
	}
	if n := countEvents(t, database, "aborted"); n != 0 {
		t.Errorf("expected no events after rollback, got %d", n)
	}
}

func TestStore_CollectionQueries(t *testing.T) {
	database := setupTestDB(t)
	s := New(database, "tester")
	ctx := context.Background()

	tx, _ := s.Apply(ctx, "seed")
	parent := &domain.Document{Class: "p", Space: "s"}
	if err := tx.CreateDoc(ctx, parent); err != nil {
		t.Fatalf("CreateDoc failed: %v", err)
	}
	for _, msg := range []string{"one", "two"} {
		child := &domain.Document{
			Class: domain.ClassComment, Space: "s",
			AttachedTo: parent.ID, AttachedToClass: "p", Collection: "comments",
			Fields: domain.Fields{"message": msg},
		}
		if err := tx.AddCollection(ctx, child); err != nil {
			t.Fatalf("AddCollection failed: %v", err)
		}
	}
	if err := tx.AddCollection(ctx, &domain.Document{Class: domain.ClassComment}); err == nil {
		t.Error("expected error adding a detached document to a collection")
	}
	mustCommit(t, tx)

	children, err := s.FindAll(ctx, domain.ClassComment, Query{AttachedTo: parent.ID, Collection: "comments"})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(children))
	}
	if children[0].Fields["message"] != "one" {
		t.Errorf("expected insertion order, got %v first", children[0].Fields["message"])
	}

	byField, _ := s.FindAll(ctx, domain.ClassComment, Query{Where: domain.Fields{"message": "two"}})
	if len(byField) != 1 {
		t.Errorf("expected 1 comment with message two, got %d", len(byField))
	}

	tx, _ = s.Apply(ctx, "remove")
	if err := tx.RemoveDoc(ctx, domain.ClassComment, children[0].ID); err != nil {
		t.Fatalf("RemoveDoc failed: %v", err)
	}
	err = tx.RemoveDoc(ctx, domain.ClassComment, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	mustCommit(t, tx)
}

func TestMatch(t *testing.T) {
	doc := &domain.Document{
		ID: "d1", Class: "c", Space: "s",
		Fields: domain.Fields{"n": float64(1)},
		Mixins: map[string]domain.Fields{domain.SyncMixin: {domain.TraitRemoteID: "9"}},
	}
	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"empty", Query{}, true},
		{"space", Query{Space: "other"}, false},
		{"numeric where", Query{Where: domain.Fields{"n": 1}}, true},
		{"mixin in", Query{Mixin: domain.SyncMixin, MixinField: domain.TraitRemoteID, MixinIn: []any{"8", "9"}}, true},
		{"mixin not in", Query{Mixin: domain.SyncMixin, MixinField: domain.TraitRemoteID, MixinIn: []any{"8"}}, false},
		{"missing mixin", Query{Mixin: "other"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(doc, "c", tt.q); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}
