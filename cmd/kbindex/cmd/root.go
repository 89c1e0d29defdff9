// Package cmd provides the CLI commands for kbindex.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/config"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/output"
	"github.com/Aman-CERP/kbindex/internal/profiling"
	"github.com/Aman-CERP/kbindex/pkg/version"
)

// Profiling flags
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	profSession  *profiling.Session
)

// Debug logging flag
var (
	debugMode      bool
	loggingCleanup func()
)

// Knowledge base selection and output format, shared by every subcommand.
var (
	configDir  string
	jsonOutput bool
)

// NewRootCmd creates the root command for the kbindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbindex",
		Short: "Sharded topic index for multi-writer knowledge bases",
		Long: `kbindex stores knowledge base topics as markdown content with JSON
metadata and keeps a sharded keyword and category index over them.

Several writers may share one knowledge base: every topic, index shard and
provenance record is written under a lease, and topic updates can be guarded
by an expected version.

Run 'kbindex serve' to expose the knowledge base to MCP clients.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("kbindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory holding .kbindex.yaml; relative storage roots resolve against it")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.kbindex/logs/")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTopicCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newCitationCmd())
	cmd.AddCommand(newLogCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging starts profiling and debug logging if flags are set.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if debugMode {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("failed to setup debug logging: %w", err)
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)
		slog.Info("Debug logging enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	opts := profiling.Options{CPU: profileCPU, Heap: profileMem, Trace: profileTrace}
	if opts.Enabled() {
		s, err := profiling.Start(opts)
		if err != nil {
			return fmt.Errorf("failed to start profiling: %w", err)
		}
		profSession = s
	}

	return nil
}

// stopProfilingAndLogging stops profiling and logging, writing the heap
// profile if requested.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if profSession != nil {
		err := profSession.Stop()
		profSession = nil
		if err != nil {
			return fmt.Errorf("failed to write profiles: %w", err)
		}
	}

	if loggingCleanup != nil {
		slog.Info("Debug logging stopped")
		loggingCleanup()
		loggingCleanup = nil
	}

	return nil
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil {
		return nil
	}
	var ke *kberrors.KBError
	if errors.As(err, &ke) {
		_, _ = fmt.Fprint(os.Stderr, kberrors.FormatForCLI(err))
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// loadConfig loads configuration for the knowledge base selected by --config-dir.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openKB opens the knowledge base selected by --config-dir. The caller
// must Close the returned service.
func openKB(ctx context.Context) (*kb.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := kb.Open(ctx, cfg, kb.Options{Logger: slog.Default()})
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// withKB runs fn against an open knowledge base and closes it afterwards.
func withKB(cmd *cobra.Command, fn func(ctx context.Context, svc *kb.Service, out *output.Writer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, _, err := openKB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	return fn(ctx, svc, newWriter(cmd))
}

// newWriter returns the output writer selected by --json.
func newWriter(cmd *cobra.Command) *output.Writer {
	if jsonOutput {
		return output.NewJSON(cmd.OutOrStdout())
	}
	return output.New(cmd.OutOrStdout())
}
