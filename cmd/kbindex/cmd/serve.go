package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/kbindex/internal/config"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/mcp"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

const metricsShutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		transport   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the knowledge base over MCP",
		Long: `Start the MCP server for the knowledge base selected by --config-dir.

The stdio transport reserves stdout for JSON-RPC, so logs go only to the
log file (server.log_file, default ~/.kbindex/logs/kbindex.log).

When metrics are enabled a Prometheus endpoint is served on /metrics.`,
		Example: `  # Serve over stdio
  kbindex serve

  # Serve with metrics on a custom address
  kbindex serve --metrics-addr 127.0.0.1:9464`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if transport != "" {
				cfg.Server.Transport = transport
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "MCP transport (stdio)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// runServe serves MCP until ctx is cancelled or the client disconnects.
func runServe(ctx context.Context, cfg *config.Config) error {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	cleanup, err := logging.SetupMCPMode(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()
	logger := slog.Default()

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	svc, err := kb.Open(ctx, cfg, kb.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	srv, err := mcp.NewServer(svc, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, cancelServe := context.WithCancel(gctx)
	defer cancelServe()

	if metrics != nil {
		httpSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics_listening", slog.String("addr", cfg.Metrics.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-serveCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancelServe()
		err := srv.Serve(serveCtx, cfg.Server.Transport)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
}

func metricsMux(m *telemetry.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
