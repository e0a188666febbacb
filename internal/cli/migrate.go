package cli

import (
	"fmt"
	"io"

	"github.com/lherron/crmsync/internal/config"
	"github.com/lherron/crmsync/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database or run any pending migrations",
	Long: `Migrate applies any pending SQL migrations to the database, creating the
database file first when it does not exist.

Migrations are embedded in the crmsync binary and tracked via the
schema_migrations table. Each migration file (e.g., 000001_baseline.sql) is
applied exactly once, so the command is safe to run multiple times.

Use --dry-run to see which migrations would be applied without running them.
Use --status to show the current migration status.`,
	RunE: runMigrate,
}

var (
	migrateDryRun bool
	migrateStatus bool
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Show which migrations would be applied without running them")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show current migration status")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to load config: %w", err))
	}
	if dbPathFlag := cmd.Flag("db").Value.String(); dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if cfg.DBPath == "" {
		return exitError(2, fmt.Errorf("database path not specified (use --db flag or set CRMSYNC_DB_PATH)"))
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return exitError(1, err)
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	if migrateStatus || migrateDryRun {
		schema, err := database.Schema(commandContext(cmd))
		if err != nil {
			return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
		}
		if migrateStatus {
			printSchema(out, schema)
		} else {
			printPending(out, schema)
		}
		return nil
	}

	applied, err := database.MigrateWithInfo()
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	if err != nil {
		return exitError(1, fmt.Errorf("failed to run migrations: %w", err))
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "Database is up to date. No migrations to apply.")
		return nil
	}
	fmt.Fprintf(out, "\nApplied %d migration(s) to %s.\n", len(applied), cfg.DBPath)
	return nil
}

func printSchema(out io.Writer, schema db.Schema) {
	if len(schema.Applied) == 0 && len(schema.Pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return
	}
	fmt.Fprintf(out, "Database: %s\n", schema.Version())
	if len(schema.Applied) > 0 {
		fmt.Fprintln(out, "\nApplied migrations:")
		for _, m := range schema.Applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}
	if len(schema.Pending) > 0 {
		fmt.Fprintln(out, "\nPending migrations:")
		for _, m := range schema.Pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
}

func printPending(out io.Writer, schema db.Schema) {
	if schema.Current() {
		fmt.Fprintln(out, "No pending migrations. Database is up to date.")
		return
	}
	fmt.Fprintln(out, "Pending migrations (would be applied):")
	for _, m := range schema.Pending {
		fmt.Fprintf(out, "  ○ %s\n", m)
	}
	fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(schema.Pending))
}
