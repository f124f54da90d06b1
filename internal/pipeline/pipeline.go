// Package pipeline wires the error reporting core together: ingestion,
// storage, analytics, alerting, escalation and forecasting behind one API.
//
// ReportError stores an occurrence synchronously and evaluates alert rules
// and escalations in the background. Close waits for that work to finish.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"errorpipe/internal/alerting"
	"errorpipe/internal/analytics"
	"errorpipe/internal/batch"
	"errorpipe/internal/config"
	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/forecast"
	"errorpipe/internal/logging"
	"errorpipe/internal/metrics"
	"errorpipe/internal/models"
	"errorpipe/internal/reporter"
	"errorpipe/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Options carries collaborators that are not part of the configuration.
type Options struct {
	// Registerer receives the pipeline collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// Notifiers overrides the notifier built for a channel name.
	Notifiers map[string]alerting.Notifier

	// Clock drives escalation timers. Defaults to the wall clock.
	Clock alerting.Clock

	// Now is the clock for reports, analytics and forecasts. Defaults to
	// Clock.Now when a Clock is given, otherwise time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// Pipeline is the error reporting orchestrator.
type Pipeline struct {
	store       store.Store
	configStore store.ConfigStore
	tiered      *store.TieredStore

	reporter  *reporter.Reporter
	analytics *analytics.Analyzer
	alerts    *alerting.Manager
	forecast  *forecast.Engine
	metrics   *metrics.Metrics

	// cfgMu guards cfg and serializes UpdateConfig. It is taken before
	// lifecycle when both are needed.
	cfgMu sync.Mutex
	cfg   *config.Config

	// lifecycle guards closed, scheduler and cleanupID.
	lifecycle sync.RWMutex
	closed    bool
	scheduler *cron.Cron
	cleanupID cron.EntryID
	inflight  sync.WaitGroup

	// base is the unscoped logger handed to components.
	base   *zap.Logger
	logger *zap.Logger
	now    func() time.Time
}

// New opens storage and builds every component from cfg. A runtime
// configuration saved by an earlier UpdateConfig takes precedence over cfg
// for everything except storage, logging and server settings.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
		if opts.Clock != nil {
			now = opts.Clock.Now
		}
	}

	p := &Pipeline{
		metrics: metrics.New(opts.Registerer),
		base:    logger,
		logger:  logger.With(zap.String("component", "pipeline")),
		now:     now,
	}
	if err := p.openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	cfg = p.restoreConfig(ctx, cfg)
	p.cfg = cfg

	p.reporter = reporter.New(p.store, &reporter.Config{
		OnIngest: p.observeIngest,
		Now:      now,
		Logger:   logger,
	})

	analyticsCfg := cfg.Analytics
	analyticsCfg.Now, analyticsCfg.Logger = now, logger
	p.analytics = analytics.New(p.store, &analyticsCfg)

	forecastCfg := cfg.Forecast
	forecastCfg.Now, forecastCfg.Logger = now, logger
	p.forecast = forecast.New(p.store, &forecastCfg)

	alertCfg := cfg.Alerting
	alertCfg.Logger = logger
	alerts, err := alerting.New(&alertCfg, alerting.Options{
		Lookup:     p.store.GetByID,
		Clock:      opts.Clock,
		Notifiers:  opts.Notifiers,
		OnDispatch: p.metrics.ObserveDispatch,
	})
	if err != nil {
		_ = p.store.Close()
		return nil, err
	}
	p.alerts = alerts

	p.logger.Info("pipeline_ready",
		zap.Bool("durable", p.tiered != nil),
		zap.Int("retention_days", cfg.RetentionDays),
		zap.Int("alert_rules", len(cfg.Alerting.Rules)),
		zap.Int("escalation_rules", len(cfg.Alerting.Escalations)),
		zap.Int("channels", len(cfg.Alerting.Channels)),
	)
	return p, nil
}

func (p *Pipeline) openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Storage.Path == "" {
		mem := store.NewMemoryStore()
		p.store, p.configStore = mem, mem
		return nil
	}

	durable, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return err
	}

	batchCfg := batch.DefaultConfig()
	batchCfg.MaxBatchSize = cfg.Storage.BatchSize
	batchCfg.MaxWaitTime = cfg.Storage.FlushInterval
	batchCfg.BufferSize = cfg.Storage.BufferSize
	batchCfg.Logger = logger

	tieredCfg := store.DefaultTieredConfig()
	tieredCfg.Batch = batchCfg
	tieredCfg.OnDurableFailure = p.metrics.ObserveDurableFailure
	tieredCfg.Logger = logger

	tiered, err := store.NewTieredStore(durable, tieredCfg)
	if err != nil {
		_ = durable.Close()
		return err
	}
	if _, err := tiered.Warm(ctx); err != nil {
		_ = tiered.Close()
		return err
	}
	p.store, p.configStore, p.tiered = tiered, tiered, tiered
	return nil
}

// restoreConfig overlays the persisted runtime configuration, if any.
func (p *Pipeline) restoreConfig(ctx context.Context, cfg *config.Config) *config.Config {
	data, err := p.configStore.LoadConfig(ctx)
	if errors.Is(err, pipelineerrors.ErrStorageNotFound) {
		return cfg
	}
	if err != nil {
		p.logger.Warn("config_restore_failed", zap.Error(err))
		return cfg
	}

	restored, err := config.Unmarshal(data)
	if err != nil {
		p.logger.Warn("config_restore_failed", logging.ErrorCode(string(pipelineerrors.GetErrorCode(err))), zap.Error(err))
		return cfg
	}
	restored.Storage = cfg.Storage
	restored.Logging = cfg.Logging
	restored.Server = cfg.Server
	p.logger.Info("config_restored")
	return restored
}

func (p *Pipeline) observeIngest(report *models.ErrorReport, outcome reporter.Outcome) {
	p.metrics.ObserveIngest(string(outcome), string(report.Severity))
}

// Start schedules periodic retention cleanup.
func (p *Pipeline) Start() error {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.closed {
		return errClosed
	}
	if p.scheduler != nil {
		return nil
	}

	cl := cronLogger{p.logger.Sugar()}
	p.scheduler = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if err := p.scheduleCleanup(p.cfg.CleanupSchedule); err != nil {
		p.scheduler = nil
		return err
	}
	p.scheduler.Start()
	p.logger.Info("pipeline_started")
	return nil
}

// scheduleCleanup (re)registers the cleanup job. Callers hold lifecycle.
func (p *Pipeline) scheduleCleanup(spec string) error {
	id, err := p.scheduler.AddFunc(spec, func() {
		if _, err := p.Cleanup(context.Background()); err != nil {
			p.logger.Warn("scheduled_cleanup_failed", zap.Error(err))
		}
	})
	if err != nil {
		return pipelineerrors.NewConfigValidationError("cleanup_schedule", spec, err.Error())
	}
	if p.cleanupID != 0 {
		p.scheduler.Remove(p.cleanupID)
	}
	p.cleanupID = id
	return nil
}

// Wait blocks until background alert evaluation and resolution
// notifications issued so far have finished.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

// Close stops the scheduler, drains background work, cancels escalations
// and flushes storage.
func (p *Pipeline) Close() error {
	p.lifecycle.Lock()
	if p.closed {
		p.lifecycle.Unlock()
		return nil
	}
	p.closed = true
	scheduler := p.scheduler
	p.lifecycle.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	p.inflight.Wait()
	p.alerts.Close()

	err := p.store.Close()
	p.logger.Info("pipeline_closed", zap.Error(err))
	return err
}

// background runs task unless the pipeline is closing.
func (p *Pipeline) background(task func(ctx context.Context)) bool {
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		task(context.Background())
	}()
	return true
}

var errClosed = errors.New("pipeline is closed")

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron_"+msg, append(keysAndValues, "error", err)...)
}
