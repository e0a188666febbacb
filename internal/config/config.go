package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lherron/crmsync/internal/domain"
)

// Config represents the application configuration
type Config struct {
	DBPath   string `yaml:"db_path" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=error info debug trace"`
	Output   string `yaml:"output" validate:"oneof=table json yaml"`

	Store  StoreConfig  `yaml:"store"`
	Bitrix BitrixConfig `yaml:"bitrix"`
	Upload UploadConfig `yaml:"upload"`
	Auth   AuthConfig   `yaml:"auth"`
	Sync   SyncConfig   `yaml:"sync"`
	Daemon DaemonConfig `yaml:"daemon"`
	Notify NotifyConfig `yaml:"notify"`

	Mappings []domain.Mapping `yaml:"mappings" validate:"dive"`
}

// StoreConfig selects the target document store.
type StoreConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=sqlite couchdb"`
	CouchURL string `yaml:"couch_url" validate:"required_if=Backend couchdb"`
	CouchDB  string `yaml:"couch_db"`
}

// BitrixConfig points at the remote CRM.
type BitrixConfig struct {
	WebhookURL    string        `yaml:"webhook_url" validate:"omitempty,url"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
}

// UploadConfig selects where attachment content is stored.
type UploadConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=http minio"`
	URL     string      `yaml:"url" validate:"omitempty,url"`
	MaxMB   int64       `yaml:"max_mb" validate:"gte=0"`
	Minio   MinioConfig `yaml:"minio"`
}

// MinioConfig configures the object storage upload backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Enabled   bool   `yaml:"-"`
}

// AuthConfig identifies the sync against the blob endpoint. A static Token
// wins over one issued from Secret.
type AuthConfig struct {
	Email     string        `yaml:"email" validate:"omitempty,email"`
	Workspace string        `yaml:"workspace"`
	Token     string        `yaml:"token"`
	Secret    string        `yaml:"secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"gte=0"`
}

// SyncConfig holds the defaults of a synchronization run.
type SyncConfig struct {
	Space     string        `yaml:"space" validate:"required"`
	Actor     string        `yaml:"actor"`
	Limit     int           `yaml:"limit" validate:"gte=0"`
	Direction string        `yaml:"direction" validate:"oneof=ASC DESC"`
	Period    time.Duration `yaml:"period" validate:"gte=0"`
	Backoff   time.Duration `yaml:"backoff" validate:"gte=0"`
	Comments  string        `yaml:"comments_direction" validate:"omitempty,oneof=ASC DESC"`
}

// DaemonConfig configures crmsyncd.
type DaemonConfig struct {
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Token    string        `yaml:"token"`
}

// NotifyConfig lists the URLs that receive a summary after every mapping
// run. "{mapping}" and "{trigger}" in a URL are replaced per run.
type NotifyConfig struct {
	URLs []string `yaml:"urls"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/crmsync/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := Defaults()

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	if err := loadYAMLConfig(cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		// Check for project-local database first
		if _, err := os.Stat(".crmsync/crmsync.db"); err == nil {
			cfg.DBPath = ".crmsync/crmsync.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.DBPath = filepath.Join(homeDir, ".local", "share", "crmsync", "crmsync.db")
		}
	}
	if len(cfg.Mappings) == 0 {
		cfg.Mappings = DefaultMappings()
	}
	cfg.Upload.Minio.Enabled = cfg.Upload.Backend == "minio"

	return cfg, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Output:   "table",
		Store:    StoreConfig{Backend: "sqlite", CouchDB: "crmsync"},
		Bitrix:   BitrixConfig{RatePerSecond: 2, Timeout: 30 * time.Second},
		Upload:   UploadConfig{Backend: "http", MaxMB: 50},
		Auth:     AuthConfig{TokenTTL: time.Hour},
		Sync: SyncConfig{
			Space:     "crmsync:space:Default",
			Actor:     "crmsync",
			Limit:     100,
			Direction: "ASC",
			Period:    domain.DefaultSyncPeriod,
			Backoff:   time.Second,
		},
		Daemon: DaemonConfig{Addr: "127.0.0.1:8089", Interval: 15 * time.Minute},
	}
}

var validate = validator.New()

// Validate checks the configuration for values no run could work with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &domain.ConfigError{Op: "config", Msg: err.Error()}
	}
	return nil
}

// RequireRemote checks that the remote CRM is configured.
func (c *Config) RequireRemote() error {
	if c.Bitrix.WebhookURL == "" {
		return &domain.ConfigError{Op: "config", Msg: "bitrix.webhook_url is not set (CRMSYNC_BITRIX_WEBHOOK)"}
	}
	return nil
}

// Mapping returns the configured mapping for an entity type.
func (c *Config) Mapping(entityType string) (domain.Mapping, error) {
	if !strings.Contains(entityType, ".") && entityType != domain.EntityUser {
		entityType = "crm." + entityType
	}
	m, ok := domain.FindMapping(c.Mappings, entityType)
	if !ok {
		return domain.Mapping{}, &domain.ConfigError{Op: "config", Msg: fmt.Sprintf("no mapping for %s", entityType)}
	}
	return m, nil
}

// GetActorID returns the actor recorded on written documents.
// Priority: CRMSYNC_ACTOR > config sync.actor
func (c *Config) GetActorID() string {
	if actor := os.Getenv("CRMSYNC_ACTOR"); actor != "" {
		return actor
	}
	return c.Sync.Actor
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DBPath, getEnvOrFile("CRMSYNC_DB_PATH", "CRMSYNC_DB_PATH_FILE"))
	setString(&cfg.LogLevel, os.Getenv("CRMSYNC_LOG_LEVEL"))
	setString(&cfg.Output, os.Getenv("CRMSYNC_OUTPUT"))

	setString(&cfg.Store.Backend, os.Getenv("CRMSYNC_STORE_BACKEND"))
	setString(&cfg.Store.CouchURL, getEnvOrFile("CRMSYNC_COUCH_URL", "CRMSYNC_COUCH_URL_FILE"))
	setString(&cfg.Store.CouchDB, os.Getenv("CRMSYNC_COUCH_DB"))

	setString(&cfg.Bitrix.WebhookURL, getEnvOrFile("CRMSYNC_BITRIX_WEBHOOK", "CRMSYNC_BITRIX_WEBHOOK_FILE"))

	setString(&cfg.Upload.Backend, os.Getenv("CRMSYNC_UPLOAD_BACKEND"))
	setString(&cfg.Upload.URL, os.Getenv("CRMSYNC_UPLOAD_URL"))
	setString(&cfg.Upload.Minio.Endpoint, os.Getenv("CRMSYNC_MINIO_ENDPOINT"))
	setString(&cfg.Upload.Minio.Bucket, os.Getenv("CRMSYNC_MINIO_BUCKET"))
	setString(&cfg.Upload.Minio.AccessKey, getEnvOrFile("CRMSYNC_MINIO_ACCESS_KEY", "CRMSYNC_MINIO_ACCESS_KEY_FILE"))
	setString(&cfg.Upload.Minio.SecretKey, getEnvOrFile("CRMSYNC_MINIO_SECRET_KEY", "CRMSYNC_MINIO_SECRET_KEY_FILE"))

	setString(&cfg.Auth.Email, os.Getenv("CRMSYNC_EMAIL"))
	setString(&cfg.Auth.Workspace, os.Getenv("CRMSYNC_WORKSPACE"))
	setString(&cfg.Auth.Token, getEnvOrFile("CRMSYNC_TOKEN", "CRMSYNC_TOKEN_FILE"))
	setString(&cfg.Auth.Secret, getEnvOrFile("CRMSYNC_TOKEN_SECRET", "CRMSYNC_TOKEN_SECRET_FILE"))

	setString(&cfg.Sync.Space, os.Getenv("CRMSYNC_SPACE"))
	setString(&cfg.Sync.Direction, os.Getenv("CRMSYNC_DIRECTION"))

	setString(&cfg.Daemon.Addr, os.Getenv("CRMSYNC_DAEMON_ADDR"))
	setString(&cfg.Daemon.Token, getEnvOrFile("CRMSYNC_DAEMON_TOKEN", "CRMSYNC_DAEMON_TOKEN_FILE"))

	if v := os.Getenv("CRMSYNC_NOTIFY_URLS"); v != "" {
		cfg.Notify.URLs = strings.Split(v, ",")
	}

	if v := os.Getenv("CRMSYNC_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CRMSYNC_LIMIT %q: %w", v, err)
		}
		cfg.Sync.Limit = n
	}
	for env, target := range map[string]*time.Duration{
		"CRMSYNC_PERIOD":          &cfg.Sync.Period,
		"CRMSYNC_DAEMON_INTERVAL": &cfg.Daemon.Interval,
	} {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", env, v, err)
			}
			*target = d
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// loadYAMLConfig loads configuration from ~/.config/crmsync/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "crmsync", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}
