package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/migrate"
	"github.com/Aman-CERP/kbindex/internal/output"
	"github.com/Aman-CERP/kbindex/internal/ui"
)

type rebuildFlags struct {
	target   string
	force    bool
	repair   bool
	dryRun   bool
	backup   bool
	noBackup bool
	plain    bool
	noColor  bool
}

func newRebuildCmd() *cobra.Command {
	var f rebuildFlags

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild or migrate the index from topic metadata",
		Long: `Rebuild the index from topic metadata, optionally converting it to another
layout.

The migration scans every topic, builds the target layout in a staging area,
validates it and swaps it in under the index lease. Topic writes that land
while a migration runs are not reflected in the new index.

--repair rewrites only the index objects flagged as corrupt, in place.
--dry-run reports what each layout would contain without writing.`,
		Example: `  # Rebuild keeping the current layout
  kbindex rebuild

  # Migrate to the bloom-filtered layout
  kbindex rebuild --target v3

  # Fix flagged shards only
  kbindex rebuild --repair

  # Compare layouts
  kbindex rebuild --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				return runRebuild(ctx, cmd.OutOrStdout(), svc, out, f)
			})
		},
	}

	cmd.Flags().StringVarP(&f.target, "target", "t", "", "Target layout: v1, v2 or v3 (default: current layout)")
	cmd.Flags().BoolVar(&f.force, "force", false, "Skip the comparison with the live index")
	cmd.Flags().BoolVar(&f.repair, "repair", false, "Only rewrite index objects flagged as corrupt")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report what each layout would contain without writing")
	cmd.Flags().BoolVar(&f.backup, "backup", false, "Keep a copy of the replaced index (default from migrate.backup)")
	cmd.Flags().BoolVar(&f.noBackup, "no-backup", false, "Do not keep a copy of the replaced index")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "Plain text progress, no styling")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "Disable colored output")
	cmd.MarkFlagsMutuallyExclusive("repair", "dry-run")
	cmd.MarkFlagsMutuallyExclusive("backup", "no-backup")

	return cmd
}

func runRebuild(ctx context.Context, w io.Writer, svc *kb.Service, out *output.Writer, f rebuildFlags) error {
	opts := kb.RebuildOptions{
		Target: f.target,
		Force:  f.force,
		Repair: f.repair,
		DryRun: f.dryRun,
	}
	switch {
	case f.backup:
		opts.Backup = &f.backup
	case f.noBackup:
		keep := false
		opts.Backup = &keep
	}

	if out.IsJSON() {
		res, err := svc.RebuildIndex(ctx, opts)
		if err != nil {
			return err
		}
		return out.JSON(res)
	}

	if f.repair || f.dryRun {
		res, err := svc.RebuildIndex(ctx, opts)
		if err != nil {
			return err
		}
		if res.Repair != nil {
			printRepair(out, res)
			return nil
		}
		return printPlan(w, res.Plan)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	renderer := ui.NewRenderer(ui.NewConfig(w,
		ui.WithForcePlain(f.plain),
		ui.WithNoColor(f.noColor),
		ui.WithTitle(svc.HolderID()),
		ui.WithInterrupt(cancel),
	))
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	tracker := ui.NewProgressTracker(renderer)
	opts.OnState = tracker.Observe
	opts.OnProgress = tracker.ObserveProgress

	res, err := svc.RebuildIndex(ctx, opts)
	if err != nil {
		if tracker.Err() == nil {
			renderer.Fail(err)
		}
		return err
	}
	renderer.Complete(tracker.Completion(res.Migration))
	return nil
}

func printRepair(out *output.Writer, res *kb.RebuildResult) {
	r := res.Repair
	if len(r.Rewritten) == 0 && len(r.Removed) == 0 {
		out.Success("No flagged index objects")
		return
	}
	out.Successf("Repaired %d index objects", len(r.Rewritten)+len(r.Removed))
	for _, key := range r.Rewritten {
		out.Statusf("", "rewrote %s", key)
	}
	for _, key := range r.Removed {
		out.Statusf("", "removed %s", key)
	}
}

func printPlan(w io.Writer, plan *migrate.PlanReport) error {
	current := plan.Current
	if current == "" {
		current = "none"
	}
	if plan.Legacy {
		current += " (legacy)"
	}
	_, _ = fmt.Fprintf(w, "Current layout: %s\n", current)
	_, _ = fmt.Fprintf(w, "Topics scanned: %d\n\n", plan.Topics)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LAYOUT\tKEYWORDS\tCATEGORIES\tOBJECTS\tKEYWORD SHARDS\tTOPIC SHARDS")
	for _, p := range plan.Layouts {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
			p.Layout, p.Keywords, p.Categories, p.Objects, p.KeywordObjects, p.TopicShards)
	}
	return tw.Flush()
}
