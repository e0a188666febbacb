// Package appctx bootstraps what a crmsync command runs against: the
// validated config, a logger, the migrated database and, for commands that
// talk to the portal, the wired sync pipeline.
package appctx

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/lherron/crmsync/internal/config"
	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/logging"
	"github.com/lherron/crmsync/internal/pipeline"
)

// App is what a command runs against. DB and Pipeline are nil unless the
// command's Options asked for them.
type App struct {
	Config   *config.Config
	DB       *db.DB
	Logger   logr.Logger
	Pipeline *pipeline.Pipeline
}

// Close releases the database. Calling it twice is fine.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
}

// Options selects what Bootstrap opens. NeedsPipeline implies a portal
// webhook in the config and requires NeedsDB.
type Options struct {
	NeedsDB       bool
	NeedsPipeline bool
}

// DefaultOptions opens the database only.
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// WithPipeline is for commands that sync.
func WithPipeline() Options {
	return Options{NeedsDB: true, NeedsPipeline: true}
}

type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp adapts fn to cobra's RunE, bootstrapping before and closing after.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap loads the config, applies the --db and --log-level overrides
// and opens what opts asks for. The caller closes the returned App.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	override(cmd, "db", &cfg.DBPath)
	override(cmd, "log-level", &cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{Config: cfg}
	app.Logger, err = logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if opts.NeedsDB {
		database, err := Open(app.Config.DBPath)
		if err != nil {
			return nil, err
		}
		app.DB = database
	}

	if opts.NeedsPipeline {
		if app.DB == nil {
			return nil, errors.New("pipeline requires the database (set NeedsDB)")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		p, err := pipeline.Build(ctx, app.Config, app.DB, app.Logger, nil)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Pipeline = p
	}

	return app, nil
}

// override replaces *dst with the named flag's value when it is set.
func override(cmd *cobra.Command, name string, dst *string) {
	if f := cmd.Flag(name); f != nil && f.Value.String() != "" {
		*dst = f.Value.String()
	}
}

// Open opens the database at path and refuses one with pending migrations.
func Open(path string) (*db.DB, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.RequiresMigrationError(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
