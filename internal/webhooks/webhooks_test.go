package webhooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/webhooks"
)

func TestResolveWebhookTargets(t *testing.T) {
	urls := []string{
		"http://example.com/hook/{mapping}",
		"ftp://invalid.example.com/hook",
		"http://example.com/hook/{mapping}/",
		"  ",
		"http://example.com/other/",
		"https://example.com/{trigger}",
	}

	payload := webhooks.Payload{Mapping: "crm.lead", Trigger: "schedule"}
	got := webhooks.ResolveWebhookTargets(urls, payload, logr.Discard())

	expected := []string{
		"http://example.com/hook/crm.lead",
		"http://example.com/other",
		"https://example.com/schedule",
	}

	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected urls\nexpected: %v\nactual:   %v", expected, got)
	}
}

func TestDispatch(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhooks.Payload
		paths    []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		mu.Lock()
		received = append(received, p)
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := webhooks.NewDispatcher([]string{server.URL + "/a/{mapping}", server.URL + "/b"}, logr.Discard())
	run := db.Run{
		Mapping:    "crm.deal",
		Trigger:    "cli",
		StartedAt:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 3, 2, 10, 1, 0, 0, time.UTC),
		Added:      3,
		Failed:     1,
	}
	d.Dispatch(context.Background(), webhooks.FromRun(run))

	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(received))
	}
	for _, p := range received {
		if p.Mapping != "crm.deal" || p.Added != 3 || p.Failed != 1 {
			t.Errorf("unexpected payload: %+v", p)
		}
	}
	seen := map[string]bool{}
	for _, p := range paths {
		seen[p] = true
	}
	if !seen["/a/crm.deal"] || !seen["/b"] {
		t.Errorf("unexpected paths: %v", paths)
	}
}

func TestNilDispatcher(t *testing.T) {
	d := webhooks.NewDispatcher(nil, logr.Discard())
	if d != nil {
		t.Fatal("expected nil dispatcher without urls")
	}
	d.Dispatch(context.Background(), webhooks.Payload{Mapping: "crm.lead"})
}
