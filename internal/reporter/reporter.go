// Package reporter turns raw errors into validated, classified and
// deduplicated error reports.
//
// ReportError never fails: anything that goes wrong while building,
// validating or storing a report (including a panic) produces a fallback
// report tagged "fallback" that is returned to the caller but not stored.
package reporter

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/logging"
	"errorpipe/internal/models"
	"errorpipe/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const unknown = "unknown"

// Outcome describes what ReportError did with an occurrence.
type Outcome string

// Ingestion outcomes.
const (
	OutcomeCreated      Outcome = "created"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeFallback     Outcome = "fallback"
)

// Optional interfaces read from reported errors.
type (
	namedError interface{ ErrorName() string }
	codedError interface{ ErrorCode() string }
	metaError  interface{ ErrorMetadata() map[string]any }
	stackError interface{ StackTrace() string }
)

// Config holds reporter configuration.
type Config struct {
	// Classifier overrides the default category and severity tables.
	Classifier *Classifier

	// OnIngest is called after every ReportError. Optional.
	OnIngest func(report *models.ErrorReport, outcome Outcome)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// NewID generates report ids. Defaults to uuid.NewString.
	NewID func() string

	Logger *zap.Logger
}

// DefaultConfig returns the default reporter configuration.
func DefaultConfig() *Config {
	return &Config{
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Reporter builds and stores error reports.
type Reporter struct {
	store      store.Store
	classifier *Classifier
	onIngest   func(*models.ErrorReport, Outcome)
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger
}

// New creates a Reporter writing to s.
func New(s store.Store, cfg *Config) *Reporter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Reporter{
		store:      s,
		classifier: cfg.Classifier,
		onIngest:   cfg.OnIngest,
		now:        cfg.Now,
		newID:      cfg.NewID,
		logger:     cfg.Logger,
	}
	if r.classifier == nil {
		r.classifier = NewClassifier(nil, nil)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.logger == nil {
		r.logger = logging.L()
	}
	r.logger = r.logger.With(zap.String("component", "reporter"))
	return r
}

// ReportError records one occurrence of err and returns the stored report.
// source and errCtx are optional.
func (r *Reporter) ReportError(ctx context.Context, err error, source *models.Source, errCtx *models.ErrorContext) (report *models.ErrorReport) {
	defer func() {
		if rec := recover(); rec != nil {
			report = r.fallback(err, source, fmt.Errorf("panic: %v", rec))
			r.logger.Error("report_error_panic",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			r.notify(report, OutcomeFallback)
		}
	}()

	candidate := r.build(err, source, errCtx)
	if verr := Validate(candidate); verr != nil {
		report = r.fallback(err, source, verr)
		r.notify(report, OutcomeFallback)
		return report
	}

	now := candidate.Timestamp
	stored, created, serr := r.store.Upsert(ctx, candidate.Fingerprint,
		func() *models.ErrorReport { return candidate },
		func(existing *models.ErrorReport) {
			existing.OccurrenceCount++
			existing.LastSeen = now
			if candidate.Context != nil {
				existing.Context = candidate.Context
			}
		},
	)
	if serr != nil {
		report = r.fallback(err, source, serr)
		r.notify(report, OutcomeFallback)
		return report
	}

	outcome := OutcomeDeduplicated
	if created {
		outcome = OutcomeCreated
		r.logger.Info("report_created",
			logging.ReportID(stored.ID),
			logging.Fingerprint(stored.Fingerprint),
			logging.Severity(string(stored.Severity)),
			logging.Category(string(stored.Category)),
			logging.Service(stored.Source.Service),
		)
	} else {
		r.logger.Debug("report_deduplicated",
			logging.ReportID(stored.ID),
			logging.Fingerprint(stored.Fingerprint),
			logging.Count(stored.OccurrenceCount),
		)
	}
	r.notify(stored, outcome)
	return stored
}

// Classify returns the severity, category and fingerprint ReportError would
// assign, without storing anything.
func (r *Reporter) Classify(err error, source *models.Source, errCtx *models.ErrorContext) (models.Severity, models.Category, string) {
	c := r.build(err, source, errCtx)
	return c.Severity, c.Category, c.Fingerprint
}

// Cleanup deletes reports older than retentionDays. Non-positive retention
// disables cleanup.
func (r *Reporter) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := r.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("cleanup_failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return n, err
	}
	r.logger.Info("cleanup_completed", logging.Count(n), zap.Int("retention_days", retentionDays))
	return n, nil
}

// Validate rejects candidates that are missing required fields.
func Validate(report *models.ErrorReport) error {
	switch {
	case report == nil:
		return pipelineerrors.NewReportValidationError("report", "must not be nil")
	case report.ID == "":
		return pipelineerrors.NewReportValidationError("id", "must not be empty")
	case strings.TrimSpace(report.Error.Message) == "":
		return pipelineerrors.NewReportValidationError("message", "must not be empty")
	case report.Timestamp.IsZero():
		return pipelineerrors.NewReportValidationError("timestamp", "must be set")
	case !report.Severity.Valid():
		return pipelineerrors.NewReportValidationError("severity", fmt.Sprintf("unknown severity %q", report.Severity))
	}
	return nil
}

func (r *Reporter) build(err error, source *models.Source, errCtx *models.ErrorContext) *models.ErrorReport {
	now := r.now()
	name, code, message, metadata, stack := attributes(err)

	src := resolveSource(source, stack, errCtx)

	var ctxMeta map[string]any
	if errCtx != nil {
		ctxMeta = errCtx.Metadata
	}
	rule := r.classifier.Category(message, code)
	severity := r.classifier.Severity(message, code, ctxMeta, rule)
	category := models.CategoryUnknown
	var ruleTags []string
	if rule != nil {
		category = rule.Category
		ruleTags = rule.Tags
	}

	tags := []string{src.Service, name}
	if code != "" {
		tags = append(tags, code)
	}
	tags = append(tags, ruleTags...)
	tags = append(tags, metadataTags(ctxMeta)...)
	tags = lo.Uniq(lo.Compact(tags))

	return &models.ErrorReport{
		ID:        r.newID(),
		Timestamp: now,
		Severity:  severity,
		Category:  category,
		Source:    src,
		Context:   errCtx.Clone(),
		Error: models.ErrorDetail{
			Name:     name,
			Code:     code,
			Message:  message,
			Metadata: metadata,
		},
		Message:         message,
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
		Tags:            tags,
		Fingerprint:     Fingerprint(name, message, src.Service, src.Method, code),
	}
}

func (r *Reporter) fallback(err error, source *models.Source, cause error) *models.ErrorReport {
	now := r.now()
	message := "unknown error"
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		message = err.Error()
	}
	src := models.Source{Service: unknown, Method: unknown}
	if source != nil && source.Service != "" {
		src = *source
	}

	r.logger.Warn("report_fallback",
		logging.ErrorCode(string(pipelineerrors.ErrCodeReportFallback)),
		logging.Service(src.Service),
		zap.Error(cause),
	)

	return &models.ErrorReport{
		ID:        uuid.NewString(),
		Timestamp: now,
		Severity:  models.SeverityHigh,
		Category:  models.CategoryUnknown,
		Source:    src,
		Error: models.ErrorDetail{
			Name:     "FallbackError",
			Code:     string(pipelineerrors.ErrCodeReportFallback),
			Message:  message,
			Metadata: map[string]any{"reason": cause.Error()},
		},
		Message:         message,
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
		Tags:            []string{"fallback"},
		Fingerprint:     Fingerprint("FallbackError", message, src.Service, src.Method, ""),
	}
}

func (r *Reporter) notify(report *models.ErrorReport, outcome Outcome) {
	if r.onIngest != nil {
		r.onIngest(report, outcome)
	}
}

func attributes(err error) (name, code, message string, metadata map[string]any, stack string) {
	if err == nil {
		return "Error", "", "", nil, ""
	}
	message = err.Error()

	if n, ok := err.(namedError); ok && n.ErrorName() != "" {
		name = n.ErrorName()
	} else {
		name = typeName(err)
	}
	if c, ok := err.(codedError); ok {
		code = c.ErrorCode()
	}
	if m, ok := err.(metaError); ok && m.ErrorMetadata() != nil {
		metadata = make(map[string]any, len(m.ErrorMetadata()))
		for k, v := range m.ErrorMetadata() {
			metadata[k] = v
		}
	}
	if s, ok := err.(stackError); ok {
		stack = s.StackTrace()
	}
	return name, code, message, metadata, stack
}

// typeName returns the exported dynamic type name, or "Error" for the
// anonymous types behind errors.New and fmt.Errorf.
func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || !unicode.IsUpper([]rune(name)[0]) {
		return "Error"
	}
	return name
}

func resolveSource(explicit *models.Source, errStack string, errCtx *models.ErrorContext) models.Source {
	if explicit != nil && explicit.Service != "" {
		src := *explicit
		if src.Method == "" {
			src.Method = unknown
		}
		return src
	}

	candidates := []string{errStack}
	if errCtx != nil {
		candidates = append(candidates, errCtx.StackTrace)
	}
	for _, stack := range candidates {
		if stack == "" {
			continue
		}
		if src, ok := InferSource(stack); ok {
			return src
		}
	}
	if src, ok := InferSource(string(debug.Stack())); ok {
		return src
	}
	return models.Source{Service: unknown, Method: unknown}
}

func metadataTags(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	switch v := meta["tags"].(type) {
	case []string:
		return v
	case []any:
		return lo.FilterMap(v, func(item any, _ int) (string, bool) {
			s, ok := item.(string)
			return s, ok
		})
	case string:
		return lo.Map(strings.Split(v, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	}
	return nil
}
