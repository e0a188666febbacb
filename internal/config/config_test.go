package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lherron/crmsync/internal/domain"
)

func TestFindEnvLocal(t *testing.T) {
	tests := []struct {
		name string
		envs []string // directories holding a .env.local
		cwd  string
		want string // directory of the expected file, "" for none
	}{
		{name: "current dir", envs: []string{"."}, cwd: ".", want: "."},
		{name: "parent dir", envs: []string{"."}, cwd: "child", want: "."},
		{name: "grandparent dir", envs: []string{"."}, cwd: "parent/child", want: "."},
		{name: "closest wins", envs: []string{".", "parent"}, cwd: "parent/child", want: "parent"},
		{name: "not found", cwd: "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			// Stop the walk at root so files above the temp dir never match.
			t.Setenv("HOME", root)
			cwd := filepath.Join(root, tt.cwd)
			if err := os.MkdirAll(cwd, 0755); err != nil {
				t.Fatal(err)
			}
			for _, dir := range tt.envs {
				if err := os.WriteFile(filepath.Join(root, dir, ".env.local"), []byte("CRMSYNC_LOG_LEVEL=debug"), 0644); err != nil {
					t.Fatal(err)
				}
			}
			oldCwd, _ := os.Getwd()
			t.Cleanup(func() { os.Chdir(oldCwd) })
			if err := os.Chdir(cwd); err != nil {
				t.Fatal(err)
			}

			got := findEnvLocal()
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected no .env.local, got %s", got)
				}
				return
			}
			// Resolve symlinks for comparison (macOS /var -> /private/var)
			want, _ := filepath.EvalSymlinks(filepath.Join(root, tt.want, ".env.local"))
			resolved, _ := filepath.EvalSymlinks(got)
			if resolved != want {
				t.Errorf("findEnvLocal() = %s, want %s", resolved, want)
			}
		})
	}
}

// isolate points HOME and the working directory at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	oldCwd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldCwd) })
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := filepath.Join(home, ".local", "share", "crmsync", "crmsync.db"); cfg.DBPath != want {
		t.Errorf("expected db path %s, got %s", want, cfg.DBPath)
	}
	if cfg.Sync.Direction != "ASC" || cfg.Sync.Period != 24*time.Hour {
		t.Errorf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if len(cfg.Mappings) != len(DefaultMappings()) {
		t.Errorf("expected default mappings, got %d", len(cfg.Mappings))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if err := cfg.RequireRemote(); err == nil {
		t.Error("expected missing webhook to be reported")
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".config", "crmsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	yamlConfig := `
db_path: /tmp/from-yaml.db
bitrix:
  webhook_url: https://example.bitrix24.com/rest/1/abc/
sync:
  space: sales
  period: 2h
  limit: 20
mappings:
  - type: crm.lead
    class: crm:class:Lead
    comments: true
    fields:
      - remote: TITLE
        attribute: title
`
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(yamlConfig), 0644); err != nil {
		t.Fatal(err)
	}
	secretFile := filepath.Join(home, "secret")
	if err := os.WriteFile(secretFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRMSYNC_DB_PATH", "/tmp/from-env.db")
	t.Setenv("CRMSYNC_TOKEN_SECRET_FILE", secretFile)
	t.Setenv("CRMSYNC_LIMIT", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/tmp/from-env.db" {
		t.Errorf("env should win over yaml, got %s", cfg.DBPath)
	}
	if cfg.Sync.Space != "sales" || cfg.Sync.Period != 2*time.Hour || cfg.Sync.Limit != 7 {
		t.Errorf("unexpected sync config: %+v", cfg.Sync)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("expected secret from file, got %q", cfg.Auth.Secret)
	}
	if len(cfg.Mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(cfg.Mappings))
	}
	if _, err := cfg.Mapping("lead"); err != nil {
		t.Errorf("expected lead mapping: %v", err)
	}
	if _, err := cfg.Mapping("deal"); !domain.IsConfigError(err) {
		t.Errorf("expected config error for missing mapping, got %v", err)
	}
	if err := cfg.RequireRemote(); err != nil {
		t.Errorf("webhook should be configured: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad direction", mutate: func(c *Config) { c.Sync.Direction = "UP" }, wantErr: true},
		{name: "couchdb without url", mutate: func(c *Config) { c.Store.Backend = "couchdb" }, wantErr: true},
		{name: "couchdb with url", mutate: func(c *Config) {
			c.Store.Backend = "couchdb"
			c.Store.CouchURL = "http://localhost:5984"
		}},
		{name: "bad field op", mutate: func(c *Config) {
			c.Mappings = []domain.Mapping{{Type: "crm.lead", Class: "x", Fields: []domain.FieldMapping{{Remote: "A", Op: "zap"}}}}
		}, wantErr: true},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.DBPath = "/tmp/x.db"
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
