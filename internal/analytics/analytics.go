// Package analytics aggregates statistics, real-time metrics and dashboards
// over the stored error corpus.
//
// Every aggregate is memoized in a TTL cache keyed by its query parameters.
// Entries are not refreshed on read, so a cached value is never older than
// its TTL. Returned values are shared with the cache and must not be
// modified by callers.
package analytics

import (
	"context"
	"sync"
	"time"

	"errorpipe/internal/logging"
	"errorpipe/internal/models"
	"errorpipe/internal/store"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// Config holds analytics configuration.
type Config struct {
	// StatsTTL bounds the staleness of statistics and dashboard queries.
	StatsTTL time.Duration `mapstructure:"stats_ttl" yaml:"stats_ttl" validate:"gte=0"`

	// RealtimeTTL bounds the staleness of real-time metrics.
	RealtimeTTL time.Duration `mapstructure:"realtime_ttl" yaml:"realtime_ttl" validate:"gte=0"`

	// HealthCriticalPenalty is the availability lost per critical report.
	HealthCriticalPenalty float64 `mapstructure:"health_critical_penalty" yaml:"health_critical_penalty" validate:"gte=0,lte=100"`

	// PatternChangeThreshold is the relative change between the two halves
	// of a range above which a pattern is increasing or decreasing.
	PatternChangeThreshold float64 `mapstructure:"pattern_change_threshold" yaml:"pattern_change_threshold" validate:"gt=0"`

	// DefaultWindow is used when a statistics query has no time range.
	DefaultWindow time.Duration `mapstructure:"default_window" yaml:"default_window" validate:"gt=0"`

	// TopN is the number of top errors reported.
	TopN int `mapstructure:"top_n" yaml:"top_n" validate:"gt=0"`

	Now    func() time.Time `mapstructure:"-" yaml:"-" json:"-"`
	Logger *zap.Logger      `mapstructure:"-" yaml:"-" json:"-"`
}

// DefaultConfig returns the default analytics configuration.
func DefaultConfig() *Config {
	return &Config{
		StatsTTL:               5 * time.Minute,
		RealtimeTTL:            time.Minute,
		HealthCriticalPenalty:  10,
		PatternChangeThreshold: 0.2,
		DefaultWindow:          7 * 24 * time.Hour,
		TopN:                   10,
	}
}

// Analyzer answers aggregate queries over a Store.
type Analyzer struct {
	store  store.Store
	mu     sync.RWMutex
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	stats     *ttlcache.Cache[string, *Statistics]
	realtime  *ttlcache.Cache[string, *RealTimeMetrics]
	dashboard *ttlcache.Cache[string, *Dashboard]
}

// New creates an Analyzer reading from s.
func New(s store.Store, cfg *Config) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a := &Analyzer{
		store:  s,
		cfg:    *cfg,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = logging.L()
	}
	a.logger = a.logger.With(zap.String("component", "analytics"))

	a.stats = ttlcache.New[string, *Statistics](
		ttlcache.WithTTL[string, *Statistics](cfg.StatsTTL),
		ttlcache.WithDisableTouchOnHit[string, *Statistics](),
	)
	a.realtime = ttlcache.New[string, *RealTimeMetrics](
		ttlcache.WithTTL[string, *RealTimeMetrics](cfg.RealtimeTTL),
		ttlcache.WithDisableTouchOnHit[string, *RealTimeMetrics](),
	)
	a.dashboard = ttlcache.New[string, *Dashboard](
		ttlcache.WithTTL[string, *Dashboard](cfg.StatsTTL),
		ttlcache.WithDisableTouchOnHit[string, *Dashboard](),
	)
	return a
}

// UpdateConfig swaps in new thresholds and drops cached aggregates.
func (a *Analyzer) UpdateConfig(cfg *Config) {
	a.mu.Lock()
	a.cfg = *cfg
	a.mu.Unlock()
	a.Invalidate()
}

func (a *Analyzer) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Invalidate drops every cached aggregate.
func (a *Analyzer) Invalidate() {
	a.stats.DeleteAll()
	a.realtime.DeleteAll()
	a.dashboard.DeleteAll()
	a.logger.Debug("analytics_cache_invalidated")
}

// Reports returns the stored reports whose timestamp falls in tr.
func (a *Analyzer) Reports(ctx context.Context, tr models.TimeRange) ([]*models.ErrorReport, error) {
	return a.store.Query(ctx, models.ReportFilter{Range: &tr})
}

// remember serves key from c, computing and caching it on a miss. A
// non-positive ttl disables caching.
func remember[V any](c *ttlcache.Cache[string, V], ttl time.Duration, key string, compute func() (V, error)) (V, error) {
	if ttl > 0 {
		if item := c.Get(key); item != nil {
			return item.Value(), nil
		}
	}
	v, err := compute()
	if err != nil {
		return v, err
	}
	if ttl > 0 {
		c.Set(key, v, ttl)
	}
	return v, nil
}

func (a *Analyzer) resolveRange(tr *models.TimeRange) (models.TimeRange, string) {
	if tr != nil {
		return *tr, tr.Key()
	}
	now := a.now()
	return models.TimeRange{Start: now.Add(-a.config().DefaultWindow), End: now}, "default"
}

func logQuery(logger *zap.Logger, name string, start time.Time, n int) {
	logger.Debug("analytics_query",
		zap.String("query", name),
		logging.Count(n),
		logging.Duration(time.Since(start)),
	)
}
