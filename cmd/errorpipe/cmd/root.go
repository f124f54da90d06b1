// Package cmd provides the CLI commands for errorpipe.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"errorpipe/internal/config"
	"errorpipe/internal/logging"
	"errorpipe/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "errorpipe",
	Short: "Error reporting, alerting and forecasting pipeline",
	Long: `errorpipe collects application errors, deduplicates them by
fingerprint and keeps them queryable:
  - Ingests error logs from files or stdin, or single reports from the CLI
  - Classifies severity and category, and counts repeat occurrences
  - Alerts chat, email, webhook and pager channels, with escalation
  - Serves statistics, dashboards and hourly error forecasts`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus ERRORPIPE_* environment when unset)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		setupServeCmd(),
		setupIngestCmd(),
		setupReportCmd(),
		setupListCmd(),
		setupStatsCmd(),
		setupForecastCmd(),
		setupResolveCmd(),
		setupCleanupCmd(),
		setupConfigCmd(),
	)
}

// session is an open pipeline plus what it was built from.
type session struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	registry *prometheus.Registry
	logger   *zap.Logger
}

// openSession loads the configuration, sets up logging and opens the
// pipeline. One-shot commands print results on stdout, so their console
// logs go to stderr.
func openSession(ctx context.Context, command string, oneShot bool) (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if oneShot {
		cfg.Logging.ConsoleOutput = "stderr"
	}
	if err := logging.Setup(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	logger := logging.L().With(zap.String("command", command))
	registry := prometheus.NewRegistry()
	p, err := pipeline.New(ctx, cfg, pipeline.Options{
		Registerer: registry,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("pipeline_open_failed", zap.Error(err))
		_ = logging.Close()
		return nil, err
	}
	return &session{cfg: cfg, pipeline: p, registry: registry, logger: logger}, nil
}

// Close drains the pipeline and flushes the logs.
func (s *session) Close() error {
	err := s.pipeline.Close()
	_ = logging.Close()
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
