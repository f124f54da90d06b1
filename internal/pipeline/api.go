package pipeline

import (
	"context"
	"time"

	"errorpipe/internal/alerting"
	"errorpipe/internal/analytics"
	"errorpipe/internal/config"
	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/logging"
	"errorpipe/internal/models"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ReportError records one occurrence of err. It never fails: problems
// inside the pipeline yield a fallback report that is returned but neither
// stored nor alerted on.
func (p *Pipeline) ReportError(ctx context.Context, err error, source *models.Source, errCtx *models.ErrorContext) *models.ErrorReport {
	report := p.reporter.ReportError(ctx, err, source, errCtx)
	if report.IsFallback() {
		return report
	}

	snapshot := report.Clone()
	p.background(func(ctx context.Context) {
		p.evaluate(ctx, snapshot)
	})
	return report
}

// evaluate runs alert rules and escalation for a freshly stored occurrence.
func (p *Pipeline) evaluate(ctx context.Context, r *models.ErrorReport) {
	res, err := p.alerts.SendAlert(ctx, r)
	if err != nil {
		p.logger.Warn("alert_dispatch_failed", logging.ReportID(r.ID), zap.Error(err))
	}
	if res != nil && res.Suppressed {
		p.metrics.ObserveSuppressed(res.Reason)
	}
	if n := p.alerts.Escalate(r); n > 0 {
		p.logger.Info("escalation_scheduled", logging.ReportID(r.ID), logging.Count(n))
	}
}

// GetErrors returns the reports matching filter, newest first.
func (p *Pipeline) GetErrors(ctx context.Context, filter models.ReportFilter) ([]*models.ErrorReport, error) {
	defer p.timeQuery("get_errors", time.Now())
	return p.store.Query(ctx, filter)
}

// GetError returns one report by id.
func (p *Pipeline) GetError(ctx context.Context, id string) (*models.ErrorReport, error) {
	return p.store.GetByID(ctx, id)
}

// GetStatistics aggregates the reports in tr, or in the default window when
// tr is nil.
func (p *Pipeline) GetStatistics(ctx context.Context, tr *models.TimeRange) (*analytics.Statistics, error) {
	defer p.timeQuery("statistics", time.Now())
	return p.analytics.GetStatistics(ctx, tr)
}

// GetRealTimeMetrics summarizes the last hour.
func (p *Pipeline) GetRealTimeMetrics(ctx context.Context) (*analytics.RealTimeMetrics, error) {
	defer p.timeQuery("realtime", time.Now())
	return p.analytics.GetRealTimeMetrics(ctx)
}

// GetAnalyticsDashboard composes statistics, patterns, service health and
// resolution metrics over tr.
func (p *Pipeline) GetAnalyticsDashboard(ctx context.Context, tr models.TimeRange) (*analytics.Dashboard, error) {
	defer p.timeQuery("dashboard", time.Now())
	return p.analytics.GetDashboard(ctx, tr)
}

func (p *Pipeline) timeQuery(name string, start time.Time) {
	p.metrics.ObserveQuery(name, time.Since(start))
}

// ResolveError marks a report resolved and sends one resolution
// notification. A zero ResolvedAt is stamped with the current time.
func (p *Pipeline) ResolveError(ctx context.Context, id string, resolution models.Resolution) (*models.ErrorReport, error) {
	current, err := p.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if resolution.ResolvedAt.IsZero() {
		resolution.ResolvedAt = p.now()
	}

	vanished := false
	updated, _, err := p.store.Upsert(ctx, current.Fingerprint,
		func() *models.ErrorReport {
			vanished = true
			return nil
		},
		func(r *models.ErrorReport) {
			res := resolution
			r.Resolved = true
			r.Resolution = &res
		},
	)
	if vanished {
		return nil, pipelineerrors.NewStorageNotFoundError("report", id)
	}
	if err != nil {
		return nil, err
	}

	p.analytics.Invalidate()
	p.forecast.Invalidate()
	p.logger.Info("report_resolved",
		logging.ReportID(updated.ID),
		logging.Fingerprint(updated.Fingerprint),
		zap.String("resolved_by", resolution.ResolvedBy),
	)

	snapshot := updated.Clone()
	p.background(func(ctx context.Context) {
		if _, err := p.alerts.SendResolution(ctx, snapshot); err != nil {
			p.logger.Warn("resolution_dispatch_failed", logging.ReportID(snapshot.ID), zap.Error(err))
		}
	})
	return updated, nil
}

// AcknowledgeAlert acknowledges a report's alerts and cancels its pending
// escalations.
func (p *Pipeline) AcknowledgeAlert(reportID, by string) (acknowledged, cancelled int) {
	return p.alerts.AcknowledgeAlert(reportID, by)
}

// AlertStatuses returns the delivery statuses of a report, or of every
// report when reportID is empty.
func (p *Pipeline) AlertStatuses(reportID string) []alerting.AlertStatus {
	return p.alerts.Statuses(reportID)
}

// Config returns a copy of the active configuration.
func (p *Pipeline) Config() *config.Config {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	return p.cfg.Clone()
}

// UpdateConfig applies a partial configuration. Keys use the YAML names,
// nested or dotted ("alerting.max_alerts_per_hour"). The whole patch is
// rejected if any value is invalid, leaving the active configuration
// untouched. Accepted patches are persisted.
func (p *Pipeline) UpdateConfig(ctx context.Context, patch map[string]any) (*config.Config, error) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	next, err := p.cfg.Patch(patch)
	if err != nil {
		p.logger.Warn("config_update_rejected", zap.Error(err))
		return nil, err
	}

	alertCfg := next.Alerting
	alertCfg.Logger = p.base
	if err := p.alerts.UpdateConfig(&alertCfg); err != nil {
		p.logger.Warn("config_update_rejected", zap.Error(err))
		return nil, err
	}
	if next.CleanupSchedule != p.cfg.CleanupSchedule {
		if err := p.reschedule(next.CleanupSchedule); err != nil {
			prev := p.cfg.Alerting
			prev.Logger = p.base
			_ = p.alerts.UpdateConfig(&prev)
			return nil, err
		}
	}
	p.analytics.UpdateConfig(&next.Analytics)
	p.forecast.UpdateConfig(&next.Forecast)
	p.cfg = next

	if data, err := next.Marshal(); err != nil {
		p.logger.Warn("config_persist_failed", zap.Error(err))
	} else if err := p.configStore.SaveConfig(ctx, data); err != nil {
		p.logger.Warn("config_persist_failed", zap.Error(err))
	}

	p.logger.Info("config_updated", zap.Strings("keys", lo.Keys(patch)))
	return next.Clone(), nil
}

func (p *Pipeline) reschedule(spec string) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.scheduler == nil {
		return nil
	}
	return p.scheduleCleanup(spec)
}

// Cleanup removes reports older than the retention window.
func (p *Pipeline) Cleanup(ctx context.Context) (int, error) {
	n, err := p.reporter.Cleanup(ctx, p.Config().RetentionDays)
	if err != nil {
		return n, err
	}
	p.metrics.ObserveCleanup(n)
	if n > 0 {
		p.analytics.Invalidate()
		p.forecast.Invalidate()
	}
	return n, nil
}
