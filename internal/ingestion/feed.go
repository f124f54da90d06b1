package ingestion

import (
	"context"
	"strings"
	"time"

	"errorpipe/internal/logging"
	"errorpipe/internal/models"
	"errorpipe/internal/parser"
	"errorpipe/internal/reporter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const unknownLocation = "unknown"

// Reporter receives the error entries a Feed extracts.
type Reporter interface {
	ReportError(ctx context.Context, err error, source *models.Source, errCtx *models.ErrorContext) *models.ErrorReport
}

// Stats summarizes one Feed run.
type Stats struct {
	Lines     int `json:"lines"`
	Events    int `json:"events"`
	Forwarded int `json:"forwarded"`
	Skipped   int `json:"skipped"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Lines += o.Lines
	s.Events += o.Events
	s.Forwarded += o.Forwarded
	s.Skipped += o.Skipped
}

// Feed parses a Source and reports every entry at error level or above.
type Feed struct {
	registry *parser.Registry
	reporter Reporter
	logger   *zap.Logger
}

// NewFeed creates a Feed. A nil registry uses the default parsers.
func NewFeed(r Reporter, registry *parser.Registry, logger *zap.Logger) *Feed {
	if registry == nil {
		registry = parser.NewRegistry()
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Feed{
		registry: registry,
		reporter: r,
		logger:   logger.With(zap.String("component", "ingestion")),
	}
}

// Run reads src to the end (or until ctx is done, for followed files).
func (f *Feed) Run(ctx context.Context, src Source) (Stats, error) {
	var stats Stats
	began := time.Now()
	lines := make(chan Line, 256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lines)
		return src.Read(gctx, lines)
	})
	g.Go(func() error {
		assembler := parser.NewAssembler(f.registry)
		var start Line
		open := false
		for line := range lines {
			stats.Lines++
			event := assembler.Feed(line.Text, line.Origin)
			switch {
			case event != nil:
				f.forward(gctx, event, start, &stats)
				start = line
			case !open && strings.TrimSpace(line.Text) != "":
				start = line
				open = true
			}
		}
		if event := assembler.Flush(); event != nil {
			f.forward(gctx, event, start, &stats)
		}
		return nil
	})

	err := g.Wait()
	f.logger.Info("ingest_completed",
		logging.Source(src.Name()),
		zap.Int("lines", stats.Lines),
		zap.Int("events", stats.Events),
		zap.Int("forwarded", stats.Forwarded),
		zap.Int("skipped", stats.Skipped),
		logging.Duration(time.Since(began)),
	)
	return stats, err
}

func (f *Feed) forward(ctx context.Context, event *models.ErrorEvent, at Line, stats *Stats) {
	stats.Events++
	if !event.IsError() {
		stats.Skipped++
		return
	}
	appErr, source, errCtx := Convert(event, at.Number)
	report := f.reporter.ReportError(ctx, appErr, source, errCtx)
	stats.Forwarded++
	if report != nil {
		f.logger.Debug("log_error_forwarded",
			logging.ReportID(report.ID),
			logging.Fingerprint(report.Fingerprint),
			zap.Int("line", at.Number),
		)
	}
}

// Convert maps a parsed log entry onto the arguments of ReportError.
func Convert(event *models.ErrorEvent, lineNumber int) (*reporter.AppError, *models.Source, *models.ErrorContext) {
	name := event.Name
	if name == "" {
		name = "Error"
	}
	message := event.Message
	if message == "" {
		message = event.Raw
	}

	appErr := &reporter.AppError{
		Name:     name,
		Code:     event.Code,
		Message:  message,
		Metadata: event.Attrs,
		Stack:    event.StackTrace,
	}

	source := &models.Source{Service: event.Service, Method: event.Method}
	if source.Service == "" {
		inferred, ok := reporter.InferSource(event.StackTrace)
		if !ok {
			inferred = models.Source{Service: unknownLocation, Method: unknownLocation}
		}
		source = &inferred
	}

	meta := map[string]any{
		"origin": event.Origin,
		"level":  event.Level,
	}
	if lineNumber > 0 {
		meta["line"] = lineNumber
	}
	if event.Timestamp != nil {
		meta["logged_at"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	errCtx := &models.ErrorContext{
		StackTrace: event.StackTrace,
		Metadata:   meta,
	}
	return appErr, source, errCtx
}
