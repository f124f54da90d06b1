package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"errorpipe/internal/ingestion"
	"errorpipe/internal/logging"
	"errorpipe/internal/parser"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IngestOptions selects what the ingest command reads.
type IngestOptions struct {
	Path    string
	Follow  bool
	Pattern string
	// MaxFiles bounds how many files of a directory are read at once.
	MaxFiles int
}

func DefaultIngestOptions() *IngestOptions {
	return &IngestOptions{
		Pattern:  "*.log",
		MaxFiles: 4,
	}
}

// IngestRunner feeds error logs into a reporter.
type IngestRunner struct {
	options  *IngestOptions
	reporter ingestion.Reporter
	registry *parser.Registry
	logger   *zap.Logger
}

// NewIngestRunner creates a runner that reports through r.
func NewIngestRunner(opts *IngestOptions, r ingestion.Reporter, logger *zap.Logger) *IngestRunner {
	if opts == nil {
		opts = DefaultIngestOptions()
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 1
	}
	return &IngestRunner{
		options:  opts,
		reporter: r,
		registry: parser.NewRegistry(),
		logger:   logger.With(zap.String("path", opts.Path)),
	}
}

// Run reads every selected source and returns the combined counters. A
// cancelled ctx ends follow mode without an error.
func (r *IngestRunner) Run(ctx context.Context) (ingestion.Stats, error) {
	sources, err := r.resolveSources()
	if err != nil {
		return ingestion.Stats{}, err
	}
	r.logger.Info("ingest_started", zap.Bool("follow", r.options.Follow), logging.Count(len(sources)))

	var (
		mu    sync.Mutex
		total ingestion.Stats
	)
	began := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.options.MaxFiles)
	for _, src := range sources {
		g.Go(func() error {
			defer func() { _ = src.Close() }()
			stats, err := ingestion.NewFeed(r.reporter, r.registry, r.logger).Run(gctx, src)

			mu.Lock()
			total.Add(stats)
			mu.Unlock()

			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s: %w", src.Name(), err)
			}
			return nil
		})
	}
	err = g.Wait()

	r.logger.Info("ingest_finished",
		zap.Int("lines", total.Lines),
		zap.Int("forwarded", total.Forwarded),
		zap.Int("skipped", total.Skipped),
		logging.Duration(time.Since(began)),
	)
	return total, err
}

// resolveSources maps the path argument to stdin ("-"), a single file, or
// the files of a directory matching the pattern.
func (r *IngestRunner) resolveSources() ([]ingestion.Source, error) {
	path := r.options.Path
	if path == "-" {
		return []ingestion.Source{ingestion.NewStdinSource()}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("path not found: %s: %w", path, err)
	}
	files := []string{path}
	if info.IsDir() {
		pattern := filepath.Join(path, r.options.Pattern)
		if files, err = filepath.Glob(pattern); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", r.options.Pattern, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no files match pattern: %s", pattern)
		}
		// Followed files never finish, so each one holds a slot for good.
		if r.options.Follow && len(files) > r.options.MaxFiles {
			return nil, fmt.Errorf("following %d files needs --max-files >= %d", len(files), len(files))
		}
	}

	return lo.Map(files, func(f string, _ int) ingestion.Source {
		return ingestion.NewFileSource(f, r.options.Follow, r.logger)
	}), nil
}

// RunIngestCommand runs one ingest until the sources are exhausted or the
// process is interrupted, then prints the counters as JSON.
func RunIngestCommand(cmd *cobra.Command, opts *IngestOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, "ingest", true)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	stats, err := NewIngestRunner(opts, s.pipeline, s.logger).Run(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), stats)
}

func setupIngestCmd() *cobra.Command {
	opts := DefaultIngestOptions()

	cmd := &cobra.Command{
		Use:   "ingest [path]",
		Short: "Report the errors found in a log file or directory",
		Long: `Parse error logs and report every ERROR, FATAL or PANIC entry.
Multi-line entries (stack traces, Go panics) are grouped with the line that
starts them. JSON, Go panic, exception and plain leveled lines are recognized.

Examples:
  errorpipe ingest /var/log/app/error.log
  errorpipe ingest /var/log/app/ --pattern "*.err"
  errorpipe ingest /var/log/app/error.log --follow
  errorpipe ingest - (read from stdin)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Path = args[0]
			return RunIngestCommand(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "follow files for new lines (like tail -F)")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", opts.Pattern, "glob pattern for files in directory mode")
	cmd.Flags().IntVar(&opts.MaxFiles, "max-files", opts.MaxFiles, "files read concurrently in directory mode")

	return cmd
}
