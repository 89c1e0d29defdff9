package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/output"
	"github.com/Aman-CERP/kbindex/internal/ui"
)

func newStatsCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:     "stats",
		Aliases: []string{"status"},
		Short:   "Show index and provenance statistics",
		Long: `Show the index layout, topic and keyword totals, category counts, bloom
filter fill, flagged shards and provenance record counts.`,
		Example: `  kbindex stats
  kbindex stats --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				st, err := svc.GetStats(ctx)
				if err != nil {
					return err
				}
				info := ui.StatusFromStats(st)
				r := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor || ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout()))
				if out.IsJSON() {
					return r.RenderJSON(info)
				}
				return r.Render(info)
			})
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	return cmd
}
