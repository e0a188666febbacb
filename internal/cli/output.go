package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/crmsync/internal/config"
	"github.com/lherron/crmsync/internal/domain"
	"github.com/lherron/crmsync/internal/render"
)

// outputFormat picks the format from --json/--yaml, falling back to the
// configured default.
func outputFormat(cfg *config.Config, asJSON, asYAML bool) (render.Format, error) {
	switch {
	case asJSON:
		return render.FormatJSON, nil
	case asYAML:
		return render.FormatYAML, nil
	default:
		return render.ParseFormat(cfg.Output)
	}
}

// selectMappings resolves entity arguments such as "lead" or "crm.deal".
// No arguments selects every configured mapping.
func selectMappings(cfg *config.Config, args []string) ([]domain.Mapping, error) {
	if len(args) == 0 {
		return cfg.Mappings, nil
	}
	mappings := make([]domain.Mapping, 0, len(args))
	for _, arg := range args {
		m, err := cfg.Mapping(arg)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func changeName(mapping, remoteID, mixin, field string) string {
	if mixin != "" {
		field = mixin + "." + field
	}
	return fmt.Sprintf("%s %s %s", mapping, remoteID, field)
}
