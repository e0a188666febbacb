package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lherron/crmsync/internal/cli/appctx"
	"github.com/lherron/crmsync/internal/pipeline"
	"github.com/lherron/crmsync/internal/render"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Reconcile the CRM user directory with local accounts",
	Long: `Users pages through the CRM user directory and matches every user to a
local account by email, creating accounts for unknown emails. Users without
an email map to the system account.

The same reconciliation runs at the start of every sync.`,
	RunE: appctx.WithApp(appctx.WithPipeline(), runUsers),
}

var (
	usersJSON bool
	usersYAML bool
)

func init() {
	rootCmd.AddCommand(usersCmd)

	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output as JSON")
	usersCmd.Flags().BoolVar(&usersYAML, "yaml", false, "Output as YAML")
}

func runUsers(app *appctx.App, cmd *cobra.Command, args []string) error {
	format, err := outputFormat(app.Config, usersJSON, usersYAML)
	if err != nil {
		return exitError(2, err)
	}

	lock, err := pipeline.Lock(app.Config.DBPath)
	if err != nil {
		return exitError(1, err)
	}
	defer lock.Unlock()

	identities, err := app.Pipeline.Users.Reconcile(commandContext(cmd))
	if err != nil {
		return exitError(1, fmt.Errorf("failed to reconcile users: %w", err))
	}

	remoteIDs := make([]string, 0, len(identities))
	for id := range identities {
		remoteIDs = append(remoteIDs, id)
	}
	sort.Strings(remoteIDs)

	table := render.NewTable("REMOTE ID", "ACCOUNT")
	for _, id := range remoteIDs {
		table.Row(id, identities[id])
	}

	r := render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format})
	return r.Render(identities, table)
}
