package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/crmsync/internal/cli/appctx"
	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/pipeline"
	"github.com/lherron/crmsync/internal/render"
)

var statusCmd = &cobra.Command{
	Use:   "status [entity...]",
	Short: "Show the last run and synced document count per entity",
	Long: `Status lists, for every selected entity type, the number of documents that
carry the sync trait and the outcome of the most recent sync run.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runStatus),
}

var (
	statusJSON bool
	statusYAML bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Output as YAML")
}

// MappingStatus is one row of crmsync status.
type MappingStatus struct {
	Mapping   string  `json:"mapping" yaml:"mapping"`
	Class     string  `json:"class" yaml:"class"`
	Documents int     `json:"documents" yaml:"documents"`
	LastRun   *db.Run `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

func runStatus(app *appctx.App, cmd *cobra.Command, args []string) error {
	mappings, err := selectMappings(app.Config, args)
	if err != nil {
		return exitError(2, err)
	}
	format, err := outputFormat(app.Config, statusJSON, statusYAML)
	if err != nil {
		return exitError(2, err)
	}

	ctx := commandContext(cmd)
	store, err := pipeline.OpenStore(ctx, app.Config, app.DB)
	if err != nil {
		return exitError(1, err)
	}
	runs, err := app.DB.LastRuns(ctx)
	if err != nil {
		return exitError(1, err)
	}
	lastRun := make(map[string]db.Run, len(runs))
	for _, run := range runs {
		lastRun[run.Mapping] = run
	}

	statuses := make([]MappingStatus, 0, len(mappings))
	table := render.NewTable("MAPPING", "DOCUMENTS", "LAST RUN", "TRIGGER", "ADDED", "FAILED", "ERROR")
	for _, m := range mappings {
		docs, err := store.FindAll(ctx, m.Class, docstore.Query{
			Space:      app.Config.Sync.Space,
			Mixin:      domain.SyncMixin,
			MixinField: domain.TraitRemoteType,
			MixinIn:    []any{m.Type},
		})
		if err != nil {
			return exitError(1, fmt.Errorf("failed to count %s documents: %w", m.Type, err))
		}

		st := MappingStatus{Mapping: m.Type, Class: m.Class, Documents: len(docs)}
		if run, ok := lastRun[m.Type]; ok {
			st.LastRun = &run
			table.Row(m.Type, st.Documents, run.FinishedAt, run.Trigger, run.Added, run.Failed, run.Error)
		} else {
			table.Row(m.Type, st.Documents, nil, nil, nil, nil, nil)
		}
		statuses = append(statuses, st)
	}

	r := render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format})
	return r.Render(statuses, table)
}
