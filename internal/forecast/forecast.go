// Package forecast projects future error volume from the hourly occurrence
// history of the stored corpus.
//
// A forecast runs a fixed pipeline over a zero-filled hourly series: a
// minimum-data guard, a least-squares trend, autocorrelation seasonality,
// leave-one-out z-score anomalies, smoothed point predictions and
// rule-based recommendations. Results are cached per (service, severity,
// horizon, 15-minute bucket).
package forecast

import (
	"context"
	"strconv"
	"sync"
	"time"

	"errorpipe/internal/analytics"
	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/logging"
	"errorpipe/internal/models"
	"errorpipe/internal/store"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// Config holds forecasting configuration.
type Config struct {
	// HorizonHours is the default number of hours to predict.
	HorizonHours int `mapstructure:"horizon_hours" yaml:"horizon_hours" validate:"gt=0,lte=720"`

	// ConfidenceLevel scales the confidence of every forecast point.
	ConfidenceLevel float64 `mapstructure:"confidence_level" yaml:"confidence_level" validate:"gt=0,lte=1"`

	// AnomalyThreshold is the |z| above which a bucket is anomalous.
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold" yaml:"anomaly_threshold" validate:"gt=0"`

	// SmoothingFactor is the exponential smoothing alpha.
	SmoothingFactor float64 `mapstructure:"smoothing_factor" yaml:"smoothing_factor" validate:"gt=0,lte=1"`

	// MinDataPoints is the number of observed hourly buckets required.
	MinDataPoints int `mapstructure:"min_data_points" yaml:"min_data_points" validate:"gte=2"`

	// HistoryWindow is how far back the series reaches.
	HistoryWindow time.Duration `mapstructure:"history_window" yaml:"history_window" validate:"gt=0"`

	// SeasonalityThreshold is the autocorrelation needed to report a period.
	SeasonalityThreshold float64 `mapstructure:"seasonality_threshold" yaml:"seasonality_threshold" validate:"gt=0,lt=1"`

	// CacheTTL bounds result staleness. Zero disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`

	Now    func() time.Time `mapstructure:"-" yaml:"-" json:"-"`
	Logger *zap.Logger      `mapstructure:"-" yaml:"-" json:"-"`
}

// DefaultConfig returns the default forecasting configuration.
func DefaultConfig() *Config {
	return &Config{
		HorizonHours:         24,
		ConfidenceLevel:      0.95,
		AnomalyThreshold:     2,
		SmoothingFactor:      0.3,
		MinDataPoints:        24,
		HistoryWindow:        7 * 24 * time.Hour,
		SeasonalityThreshold: 0.3,
		CacheTTL:             30 * time.Minute,
	}
}

// Request selects the series to forecast. Empty fields select everything.
type Request struct {
	Service  string
	Severity models.Severity
	// HorizonHours overrides the configured horizon when positive.
	HorizonHours int
}

func (r Request) key(horizon int, bucket time.Time) string {
	return r.Service + "|" + string(r.Severity) + "|" + strconv.Itoa(horizon) + "|" + strconv.FormatInt(bucket.Unix(), 10)
}

// Point is one predicted hour.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	Predicted  float64   `json:"predicted"`
	Confidence float64   `json:"confidence"`
	UpperBound float64   `json:"upperBound"`
	LowerBound float64   `json:"lowerBound"`
}

// Result is an ephemeral forecast. It is shared with the cache and must not
// be modified.
type Result struct {
	Service         string          `json:"service,omitempty"`
	Severity        models.Severity `json:"severity,omitempty"`
	Points          []Point         `json:"points"`
	Trend           Trend           `json:"trend"`
	Anomalies       []Anomaly       `json:"anomalies"`
	Recommendations []string        `json:"recommendations"`
	GeneratedAt     time.Time       `json:"generatedAt"`
	ValidUntil      time.Time       `json:"validUntil"`
}

// Engine produces forecasts from a Store.
type Engine struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
	cache  *ttlcache.Cache[string, *Result]

	mu  sync.RWMutex
	cfg Config
}

// New creates an Engine reading from s.
func New(s store.Store, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		store:  s,
		cfg:    *cfg,
		now:    cfg.Now,
		logger: cfg.Logger,
		cache: ttlcache.New[string, *Result](
			ttlcache.WithDisableTouchOnHit[string, *Result](),
		),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = logging.L()
	}
	e.logger = e.logger.With(zap.String("component", "forecast"))
	return e
}

// UpdateConfig replaces the tunables and drops cached results.
func (e *Engine) UpdateConfig(cfg *Config) {
	e.mu.Lock()
	next := *cfg
	next.Now, next.Logger = e.cfg.Now, e.cfg.Logger
	e.cfg = next
	e.mu.Unlock()
	e.Invalidate()
}

// Invalidate drops every cached forecast.
func (e *Engine) Invalidate() {
	e.cache.DeleteAll()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Forecast predicts the next hours of error volume for req. It returns an
// error matching ErrForecastInsufficientData when the history holds fewer
// observed hours than MinDataPoints.
func (e *Engine) Forecast(ctx context.Context, req Request) (*Result, error) {
	cfg := e.config()
	now := e.now()
	horizon := req.HorizonHours
	if horizon <= 0 {
		horizon = cfg.HorizonHours
	}
	key := req.key(horizon, now.Truncate(15*time.Minute))
	if cfg.CacheTTL > 0 {
		if item := e.cache.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	start := time.Now()
	series, err := e.History(ctx, req, now)
	if err != nil {
		return nil, err
	}
	observed := 0
	for _, p := range series {
		if p.Count > 0 {
			observed++
		}
	}
	if observed < cfg.MinDataPoints {
		return nil, pipelineerrors.NewForecastInsufficientDataError(observed, cfg.MinDataPoints)
	}

	res := Analyze(series, horizon, &cfg)
	res.Service, res.Severity = req.Service, req.Severity
	res.GeneratedAt = now
	res.ValidUntil = now.Add(cfg.CacheTTL)
	if cfg.CacheTTL > 0 {
		e.cache.Set(key, res, cfg.CacheTTL)
	}

	e.logger.Debug("forecast_generated",
		logging.Service(req.Service),
		logging.Severity(string(req.Severity)),
		zap.Int("history_hours", len(series)),
		zap.Int("horizon_hours", horizon),
		zap.String("trend", res.Trend.Direction),
		zap.Int("anomalies", len(res.Anomalies)),
		logging.Duration(time.Since(start)),
	)
	return res, nil
}

// History returns the zero-filled hourly series for req between the first
// and last observed hour of the history window.
func (e *Engine) History(ctx context.Context, req Request, now time.Time) ([]analytics.TrendPoint, error) {
	cfg := e.config()
	filter := models.ReportFilter{Range: &models.TimeRange{Start: now.Add(-cfg.HistoryWindow), End: now}}
	if req.Service != "" {
		filter.Services = []string{req.Service}
	}
	if req.Severity != "" {
		filter.Severities = []models.Severity{req.Severity}
	}
	reports, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	buckets := analytics.HourlyBuckets(reports)
	if len(buckets) == 0 {
		return nil, nil
	}
	return analytics.FillHourly(buckets, buckets[0].Timestamp, buckets[len(buckets)-1].Timestamp), nil
}

// Analyze runs the forecasting pipeline over an hourly series without the
// minimum-data guard.
func Analyze(series []analytics.TrendPoint, horizon int, cfg *Config) *Result {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	values := counts(series)
	trend := AnalyzeTrend(values, cfg.SeasonalityThreshold)
	anomalies := DetectAnomalies(series, cfg.AnomalyThreshold)

	var last time.Time
	if len(series) > 0 {
		last = series[len(series)-1].Timestamp
	}
	points := Predict(values, last, horizon, trend, cfg)
	return &Result{
		Points:          points,
		Trend:           trend,
		Anomalies:       anomalies,
		Recommendations: Recommend(trend, anomalies, points),
	}
}

func counts(series []analytics.TrendPoint) []float64 {
	out := make([]float64, len(series))
	for i, p := range series {
		out[i] = float64(p.Count)
	}
	return out
}
