package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/preflight"
)

// errDoctorFailed is returned when a required check fails.
var errDoctorFailed = errors.New("knowledge base check failed")

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check storage, limits and index health",
		Long: `Run diagnostics for the knowledge base selected by --config-dir.

Checks:
  - Write permissions on the storage root (local backends)
  - Disk space for staging a rebuild (100MB minimum)
  - File descriptor limit for the configured migration workers
  - Lease timing (warning only)
  - Index health: missing, legacy or flagged objects

Use --verbose for detailed diagnostic information.
Use --json for machine-readable output.`,
		Example: `  kbindex doctor
  kbindex doctor --verbose
  kbindex doctor --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")

	return cmd
}

// DoctorOutput is the structure for JSON output.
type DoctorOutput struct {
	Status   string                  `json:"status"`
	Checks   []preflight.CheckResult `json:"checks"`
	Warnings []string                `json:"warnings,omitempty"`
	Errors   []string                `json:"errors,omitempty"`
}

func runDoctor(cmd *cobra.Command, verbose bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checker := preflight.New(
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	)

	var src preflight.StatsSource
	var openResult *preflight.CheckResult
	svc, err := kb.Open(ctx, cfg, kb.Options{Logger: slog.Default()})
	if err != nil {
		openResult = &preflight.CheckResult{
			Name:     "storage_open",
			Status:   preflight.StatusFail,
			Message:  err.Error(),
			Required: true,
		}
	} else {
		defer func() { _ = svc.Close() }()
		src = svc
	}

	results := checker.RunAll(ctx, cfg, src)
	if openResult != nil {
		results = append(results, *openResult)
	}

	if jsonOutput {
		out := DoctorOutput{Status: checker.SummaryStatus(results), Checks: results}
		for _, r := range results {
			switch {
			case r.IsCritical():
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", r.Name, r.Message))
			case r.Status != preflight.StatusPass:
				out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", r.Name, r.Message))
			}
		}
		if err := newWriter(cmd).JSON(out); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}

	if checker.HasCriticalFailures(results) {
		return errDoctorFailed
	}
	return nil
}
