package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "Incremental Bitrix24 CRM to document store synchronization",
	Long: `crmsync copies leads, deals, contacts and companies from a Bitrix24 portal
into a document store, together with their comments, activities and files.

Runs are incremental and idempotent: records synced within the sync period
are skipped, and a record that has not changed remotely produces no writes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. An interrupt cancels the running command,
// which stops a sync after the record in progress.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to database file (overrides CRMSYNC_DB_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: error, info, debug or trace (overrides CRMSYNC_LOG_LEVEL)")
}

func exitError(code int, err error) error {
	// For now, just return the error. We'll enhance this with proper exit codes later
	return err
}
