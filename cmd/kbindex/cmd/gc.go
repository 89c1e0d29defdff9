package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/output"
)

func newGCCmd() *cobra.Command {
	var lockWait time.Duration

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove content left behind by interrupted writes",
		Long: `Scan topics for staged content objects left by writers that crashed
between staging and committing, and remove or promote them under each
topic's lease. Topics whose lease stays busy are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				report, err := svc.Reclaim(ctx, lockWait)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.JSON(report)
				}
				out.Successf("Found %d staged content objects", report.Scanned)
				for _, path := range report.Removed {
					out.Statusf("", "removed %s", path)
				}
				for _, path := range report.Promoted {
					out.Statusf("", "promoted %s", path)
				}
				if len(report.Skipped) > 0 {
					out.Warningf("%d skipped (lease busy or unreadable)", len(report.Skipped))
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&lockWait, "lock-wait", time.Second, "How long to wait for each topic's lease")

	return cmd
}
