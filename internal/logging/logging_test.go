package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestVerbosity(t *testing.T) {
	tests := map[string]int{"": 0, "info": 0, "error": 0, "DEBUG": 1, "trace": 2}
	for level, want := range tests {
		got, err := Verbosity(level)
		if err != nil {
			t.Fatalf("Verbosity(%q) error = %v", level, err)
		}
		if got != want {
			t.Errorf("Verbosity(%q) = %d, want %d", level, got, want)
		}
	}
	if _, err := Verbosity("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewErrorLevelDropsInfo(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "error")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("record synced", "remoteId", "1")
	log.WithName("merge").Error(errors.New("boom"), "record failed", "remoteId", "2")

	out := buf.String()
	if strings.Contains(out, "record synced") {
		t.Errorf("info entry written at error level: %s", out)
	}
	if !strings.Contains(out, "record failed") || !strings.Contains(out, "boom") {
		t.Errorf("error entry missing: %s", out)
	}
}

func TestNewInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "info")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("page fetched", "start", 0)
	log.V(1).Info("hidden")

	out := buf.String()
	if !strings.Contains(out, "page fetched") {
		t.Errorf("info entry missing: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("V(1) entry written at info level: %s", out)
	}
}
