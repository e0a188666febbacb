package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/crmsync/internal/cli/appctx"
	"github.com/lherron/crmsync/internal/pipeline"
	"github.com/lherron/crmsync/internal/render"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity...]",
	Short: "Synchronize CRM records into the document store",
	Long: `Sync reconciles the user directory and then pages through every selected
entity type (lead, deal, contact, company), converting each record and merging
it with the stored document, its comments, activities and files.

Without arguments every configured mapping is synchronized in config order.
Records synced within the sync period are skipped unless --force is given.
Only one sync runs against a database at a time.

Examples:
  crmsync sync
  crmsync sync lead deal --limit 50
  crmsync sync company --force --show-changes`,
	RunE: appctx.WithApp(appctx.WithPipeline(), runSync),
}

var (
	syncLimit       int
	syncDirection   string
	syncForce       bool
	syncShowChanges bool
	syncJSON        bool
	syncYAML        bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().IntVarP(&syncLimit, "limit", "n", 0, "Maximum records to accept per entity, 0 for no limit (default from config)")
	syncCmd.Flags().StringVar(&syncDirection, "direction", "", "Order records by ID: ASC or DESC (default from config)")
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "Ignore the sync period and re-merge every record")
	syncCmd.Flags().BoolVar(&syncShowChanges, "show-changes", false, "Print a diff of every changed field")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output as JSON")
	syncCmd.Flags().BoolVar(&syncYAML, "yaml", false, "Output as YAML")
}

func runSync(app *appctx.App, cmd *cobra.Command, args []string) error {
	mappings, err := selectMappings(app.Config, args)
	if err != nil {
		return exitError(2, err)
	}
	format, err := outputFormat(app.Config, syncJSON, syncYAML)
	if err != nil {
		return exitError(2, err)
	}

	lock, err := pipeline.Lock(app.Config.DBPath)
	if err != nil {
		return exitError(1, err)
	}
	defer lock.Unlock()

	req := pipeline.Request{
		Mappings:  mappings,
		Limit:     app.Config.Sync.Limit,
		Direction: syncDirection,
		Force:     syncForce,
		Trigger:   "cli",
	}
	if cmd.Flags().Changed("limit") {
		req.Limit = syncLimit
	}
	if !format.Structured() {
		seen := map[string]int{}
		req.Progress = func(mapping string, total int) {
			if seen[mapping] != total {
				seen[mapping] = total
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d remote records\n", mapping, total)
			}
		}
	}

	runs, syncErr := app.Pipeline.Sync(commandContext(cmd), req)

	r := render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format})
	if syncShowChanges && format == render.FormatTable {
		for _, run := range runs {
			if run.Report == nil {
				continue
			}
			for _, rec := range run.Report.Records {
				if rec.Merge == nil {
					continue
				}
				for _, ch := range rec.Merge.Changes {
					name := changeName(run.Run.Mapping, rec.RemoteID, ch.Mixin, ch.Field)
					if err := r.RenderChange(name, ch.Old, ch.New); err != nil {
						return err
					}
				}
			}
		}
	}

	table := render.NewTable("MAPPING", "SCANNED", "ADDED", "SYNCED", "SUPPRESSED", "FAILED", "ERROR")
	for _, run := range runs {
		synced := 0
		if run.Report != nil {
			synced = run.Report.Synced
		}
		table.Row(run.Run.Mapping, run.Run.Scanned, run.Run.Added, synced, run.Run.Suppressed, run.Run.Failed, run.Run.Error)
	}
	if err := r.Render(runs, table); err != nil {
		return err
	}

	if syncErr != nil {
		return exitError(1, syncErr)
	}
	return nil
}
