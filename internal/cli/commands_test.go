package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/crmsync/internal/pipeline"
)

const testConfig = `
log_level: error
sync:
  space: crmsync:space:Test
mappings:
  - type: crm.lead
    class: crm:class:Lead
    fields:
      - remote: TITLE
        attribute: title
`

// setupCLI isolates HOME and the working directory, writes a config with a
// single lead mapping and returns the database path.
func setupCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	oldCwd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldCwd) })
	if err := os.Chdir(home); err != nil {
		t.Fatalf("Failed to change to temp directory: %v", err)
	}

	configDir := filepath.Join(home, ".config", "crmsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Cleanup(func() {
		migrateStatus, migrateDryRun = false, false
		syncJSON, syncYAML, syncForce, syncShowChanges = false, false, false, false
		statusJSON, statusYAML = false, false
		usersJSON, usersYAML = false, false
		rootCmd.SetArgs(nil)
	})
	return filepath.Join(home, "data", "crmsync.db")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// fakePortal answers the webhook methods a lead sync calls.
func fakePortal(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json") {
		case "user.get":
			w.Write([]byte(`{"result":[{"ID":"1","EMAIL":"ann@example.com","NAME":"Ann","LAST_NAME":"Lee","ACTIVE":true}],"total":1}`))
		case "crm.lead.list":
			w.Write([]byte(`{"result":[{"ID":"10","TITLE":"First lead"},{"ID":"11","TITLE":"Second lead"}],"total":2}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`))
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"sync": false, "users": false, "status": false, "migrate": false, "version": false}
	for _, cmd := range rootCmd.Commands() {
		name := strings.Fields(cmd.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command should be registered with rootCmd", name)
		}
	}
}

func TestVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionJSON = true
	defer func() { versionJSON = false }()

	if err := runVersion(versionCmd, nil); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, buf.String())
	}
	if out["version"] != Version {
		t.Errorf("version = %v, want %s", out["version"], Version)
	}
}

func TestMigrate(t *testing.T) {
	dbPath := setupCLI(t)

	out, err := execute(t, "migrate", "--db", dbPath, "--dry-run")
	if err != nil {
		t.Fatalf("migrate --dry-run failed: %v", err)
	}
	if !strings.Contains(out, "would be applied") {
		t.Errorf("unexpected dry-run output:\n%s", out)
	}
	migrateDryRun = false

	out, err = execute(t, "migrate", "--db", dbPath)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "Applied") {
		t.Errorf("unexpected migrate output:\n%s", out)
	}

	out, err = execute(t, "migrate", "--db", dbPath)
	if err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("second migrate should be a no-op:\n%s", out)
	}

	out, err = execute(t, "migrate", "--db", dbPath, "--status")
	if err != nil {
		t.Fatalf("migrate --status failed: %v", err)
	}
	if !strings.Contains(out, "✓") || strings.Contains(out, "Pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestStatusRequiresMigration(t *testing.T) {
	dbPath := setupCLI(t)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "status", "--db", dbPath)
	if err == nil || !strings.Contains(err.Error(), "crmsync migrate") {
		t.Fatalf("expected migration error, got %v", err)
	}
}

func TestSyncAndStatus(t *testing.T) {
	dbPath := setupCLI(t)
	portal := fakePortal(t)
	t.Setenv("CRMSYNC_BITRIX_WEBHOOK", portal.URL)

	if _, err := execute(t, "migrate", "--db", dbPath); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	out, err := execute(t, "sync", "lead", "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	var runs []pipeline.MappingRun
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("sync output is not JSON: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Run.Added != 2 || runs[0].Run.Trigger != "cli" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	// A second run inside the sync period only confirms the records.
	out, err = execute(t, "sync", "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("second sync failed: %v\n%s", err, out)
	}
	runs = nil
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("sync output is not JSON: %v\n%s", err, out)
	}
	if runs[0].Run.Suppressed != 2 {
		t.Errorf("expected both records suppressed, got %+v", runs[0].Run)
	}
	syncJSON = false

	statusJSON = true
	out, err = execute(t, "status", "--db", dbPath)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var statuses []MappingStatus
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if len(statuses) != 1 || statuses[0].Documents != 2 {
		t.Fatalf("unexpected status: %+v", statuses)
	}
	if statuses[0].LastRun == nil || statuses[0].LastRun.Suppressed != 2 {
		t.Errorf("status should report the last run: %+v", statuses[0].LastRun)
	}
}

func TestSyncRefusesConcurrentRun(t *testing.T) {
	dbPath := setupCLI(t)
	portal := fakePortal(t)
	t.Setenv("CRMSYNC_BITRIX_WEBHOOK", portal.URL)

	if _, err := execute(t, "migrate", "--db", dbPath); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	lock, err := pipeline.Lock(dbPath)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer lock.Unlock()

	if _, err := execute(t, "sync", "--db", dbPath); err == nil || !strings.Contains(err.Error(), "another sync") {
		t.Fatalf("expected busy error, got %v", err)
	}
}

func TestSyncUnknownEntity(t *testing.T) {
	dbPath := setupCLI(t)
	portal := fakePortal(t)
	t.Setenv("CRMSYNC_BITRIX_WEBHOOK", portal.URL)

	if _, err := execute(t, "migrate", "--db", dbPath); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := execute(t, "sync", "invoice", "--db", dbPath); err == nil {
		t.Fatal("expected error for an unmapped entity")
	}
}
