package cli

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/render"
)

// Set with -ldflags "-X github.com/lherron/crmsync/internal/cli.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Displays version, commit and build date. With --json the output also lists
the commands, output formats and CRM entity types this build supports, for
scripts that drive crmsync.`,
	RunE: runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

type versionInfo struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	BuildDate string   `json:"build_date"`
	GoVersion string   `json:"go_version"`
	Commands  []string `json:"supported_commands"`
	Formats   []string `json:"supported_formats"`
	Entities  []string `json:"supported_entities"`
}

func currentVersion() versionInfo {
	var commands []string
	for _, c := range rootCmd.Commands() {
		if c.IsAvailableCommand() {
			commands = append(commands, c.Name())
		}
	}
	sort.Strings(commands)

	return versionInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Commands:  commands,
		Formats: []string{
			string(render.FormatTable), string(render.FormatTSV),
			string(render.FormatJSON), string(render.FormatYAML),
		},
		Entities: []string{domain.EntityLead, domain.EntityDeal, domain.EntityContact, domain.EntityCompany},
	}
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := currentVersion()
	out := cmd.OutOrStdout()
	if versionJSON {
		return render.NewRenderer(out, render.Options{Format: render.FormatJSON}).JSON(info)
	}

	fmt.Fprintf(out, "crmsync version %s\n", info.Version)
	fmt.Fprintf(out, "  commit: %s\n", info.Commit)
	fmt.Fprintf(out, "  built:  %s (%s)\n", info.BuildDate, info.GoVersion)
	fmt.Fprintf(out, "  entities: %s\n", strings.Join(info.Entities, ", "))
	return nil
}
