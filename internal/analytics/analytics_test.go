package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"errorpipe/internal/models"
	"errorpipe/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type seed struct {
	id       string
	service  string
	severity models.Severity
	category models.Category
	at       time.Duration // offset before now
	lastSeen time.Duration
	count    int
	resolved bool
	rtMillis any
}

func newTestAnalyzer(t *testing.T, seeds ...seed) (*Analyzer, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	for _, sd := range seeds {
		require.NoError(t, s.Store(context.Background(), build(sd)))
	}
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return now }
	cfg.Logger = zap.NewNop()
	return New(s, cfg), s
}

func build(sd seed) *models.ErrorReport {
	ts := now.Add(-sd.at)
	last := ts
	if sd.lastSeen > 0 {
		last = now.Add(-sd.lastSeen)
	}
	if sd.count == 0 {
		sd.count = 1
	}
	if sd.category == "" {
		sd.category = models.CategoryUnknown
	}
	r := &models.ErrorReport{
		ID:              sd.id,
		Fingerprint:     "fp-" + sd.id,
		Timestamp:       ts,
		FirstSeen:       ts,
		LastSeen:        last,
		Severity:        sd.severity,
		Category:        sd.category,
		Source:          models.Source{Service: sd.service, Method: "run"},
		Message:         "failure " + sd.id,
		OccurrenceCount: sd.count,
		Resolved:        sd.resolved,
	}
	if sd.resolved {
		r.Resolution = &models.Resolution{ResolvedAt: now.Add(-time.Hour), ResolvedBy: "oncall"}
	}
	if sd.rtMillis != nil {
		r.Context = &models.ErrorContext{Metadata: map[string]any{"responseTime": sd.rtMillis}}
	}
	return r
}

func TestGetStatisticsEmpty(t *testing.T) {
	a, _ := newTestAnalyzer(t)

	stats, err := a.GetStatistics(context.Background(), nil)
	require.NoError(t, err)

	assert.Zero(t, stats.Total)
	assert.Len(t, stats.BySeverity, len(models.AllSeverities))
	assert.Len(t, stats.ByCategory, len(models.AllCategories))
	for _, c := range models.AllCategories {
		assert.Zero(t, stats.ByCategory[c])
	}
	// 7 days of hourly buckets, both ends inclusive.
	assert.Len(t, stats.Trend, 7*24+1)
	assert.Zero(t, stats.ResolutionRate)
}

func TestGetStatistics(t *testing.T) {
	a, _ := newTestAnalyzer(t,
		seed{id: "a", service: "slack", severity: models.SeverityCritical, category: models.CategoryAuth, at: 2 * time.Hour, count: 7},
		seed{id: "b", service: "slack", severity: models.SeverityLow, category: models.CategoryValidation, at: 2 * time.Hour, count: 2},
		seed{id: "c", service: "zendesk", severity: models.SeverityHigh, category: models.CategoryAPI, at: 30 * time.Hour, count: 4, resolved: true},
		seed{id: "old", service: "zendesk", severity: models.SeverityHigh, at: 10 * 24 * time.Hour},
	)

	stats, err := a.GetStatistics(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 13, stats.TotalOccurrences)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 2, stats.Unresolved)
	assert.InDelta(t, 33.33, stats.ResolutionRate, 0.01)
	assert.Equal(t, 1, stats.BySeverity[models.SeverityCritical])
	assert.Equal(t, 0, stats.BySeverity[models.SeverityInfo])
	assert.Equal(t, 1, stats.ByCategory[models.CategoryAuth])
	assert.Equal(t, map[string]int{"slack": 2, "zendesk": 1}, stats.ByService)

	require.Len(t, stats.TopErrors, 3)
	assert.Equal(t, "fp-a", stats.TopErrors[0].Fingerprint)
	assert.Equal(t, 7, stats.TopErrors[0].Count)
	assert.Equal(t, "fp-c", stats.TopErrors[1].Fingerprint)

	var trendTotal int
	for _, p := range stats.Trend {
		trendTotal += p.Count
	}
	assert.Equal(t, 13, trendTotal)
}

func TestGetStatisticsTopN(t *testing.T) {
	var seeds []seed
	for i := 0; i < 15; i++ {
		seeds = append(seeds, seed{id: fmt.Sprintf("r%02d", i), service: "slack", severity: models.SeverityLow, at: time.Hour, count: i + 1})
	}
	a, _ := newTestAnalyzer(t, seeds...)

	stats, err := a.GetStatistics(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stats.TopErrors, 10)
	assert.Equal(t, 15, stats.TopErrors[0].Count)
	assert.Equal(t, 6, stats.TopErrors[9].Count)
}

func TestUpdateConfig(t *testing.T) {
	var seeds []seed
	for i := 0; i < 5; i++ {
		seeds = append(seeds, seed{id: fmt.Sprintf("r%02d", i), service: "slack", severity: models.SeverityLow, at: time.Hour, count: i + 1})
	}
	a, _ := newTestAnalyzer(t, seeds...)
	ctx := context.Background()

	stats, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stats.TopErrors, 5)

	cfg := DefaultConfig()
	cfg.TopN = 2
	a.UpdateConfig(cfg)

	stats, err = a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, stats.TopErrors, 2, "cache dropped and new limit applied")
	assert.Equal(t, 5, stats.TopErrors[0].Count)
}

func TestGetStatisticsRange(t *testing.T) {
	a, _ := newTestAnalyzer(t,
		seed{id: "in", service: "slack", severity: models.SeverityLow, at: 3 * time.Hour},
		seed{id: "out", service: "slack", severity: models.SeverityLow, at: 30 * time.Hour},
	)
	tr := models.LastHours(now, 6)

	stats, err := a.GetStatistics(context.Background(), &tr)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Len(t, stats.Trend, 7)
}

func TestStatisticsCacheAndInvalidate(t *testing.T) {
	a, s := newTestAnalyzer(t, seed{id: "a", service: "slack", severity: models.SeverityLow, at: time.Hour})
	ctx := context.Background()

	first, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Total)

	require.NoError(t, s.Store(ctx, build(seed{id: "b", service: "slack", severity: models.SeverityLow, at: time.Hour})))

	cached, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Total, "served from cache")

	a.Invalidate()
	fresh, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Total)
}

func TestCacheDisabledWithZeroTTL(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.StatsTTL = 0
	cfg.Now = func() time.Time { return now }
	cfg.Logger = zap.NewNop()
	a := New(s, cfg)
	ctx := context.Background()

	_, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, build(seed{id: "a", service: "slack", severity: models.SeverityLow, at: time.Hour})))

	stats, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestPatchedTTLExpiresEntries(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.StatsTTL = 0
	cfg.Now = func() time.Time { return now }
	cfg.Logger = zap.NewNop()
	a := New(s, cfg)
	ctx := context.Background()

	patched := *cfg
	patched.StatsTTL = 200 * time.Millisecond
	a.UpdateConfig(&patched)

	first, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, first.Total)

	require.NoError(t, s.Store(ctx, build(seed{id: "a", service: "slack", severity: models.SeverityLow, at: time.Hour})))
	cached, err := a.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, cached.Total, "cached under the patched TTL")

	require.Eventually(t, func() bool {
		stats, err := a.GetStatistics(ctx, nil)
		return err == nil && stats.Total == 1
	}, 2*time.Second, 20*time.Millisecond, "entry expires after the patched TTL")
}

func TestGetRealTimeMetrics(t *testing.T) {
	a, _ := newTestAnalyzer(t,
		seed{id: "a", service: "slack", severity: models.SeverityCritical, at: 20 * time.Minute, rtMillis: 100.0},
		seed{id: "b", service: "slack", severity: models.SeverityLow, at: 5 * time.Hour, lastSeen: 40 * time.Minute, rtMillis: 300},
		seed{id: "c", service: "zendesk", severity: models.SeverityHigh, at: 90 * time.Minute},
		seed{id: "d", service: "zendesk", severity: models.SeverityCritical, at: 10 * time.Hour, resolved: true},
	)

	m, err := a.GetRealTimeMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, m.LastHour)
	assert.Equal(t, 1, m.PreviousHour)
	assert.InDelta(t, 100.0, m.ChangePercent, 0.001)
	assert.Equal(t, 3, m.Unresolved)
	assert.Equal(t, 1, m.UnresolvedCritical)
	assert.InDelta(t, 200.0, m.AvgResponseTime, 0.001)
}

func TestGetRealTimeMetricsNoResponseTimes(t *testing.T) {
	a, _ := newTestAnalyzer(t, seed{id: "a", service: "slack", severity: models.SeverityLow, at: time.Minute})

	m, err := a.GetRealTimeMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.AvgResponseTime)
	assert.Equal(t, 100.0, m.ChangePercent)
}

func TestGetDashboard(t *testing.T) {
	seeds := []seed{
		{id: "early", service: "slack", severity: models.SeverityCritical, at: 8 * time.Hour, count: 5},
		{id: "late", service: "clickup", severity: models.SeverityLow, at: time.Hour, count: 3},
		{id: "spread", service: "clickup", severity: models.SeverityLow, at: 9 * time.Hour, lastSeen: time.Hour, count: 8},
		{id: "fixed", service: "clickup", severity: models.SeverityLow, at: 3 * time.Hour, resolved: true},
	}
	for i := 0; i < 11; i++ {
		seeds = append(seeds, seed{id: fmt.Sprintf("z%02d", i), service: "zendesk", severity: models.SeverityLow, at: 2 * time.Hour})
	}
	a, _ := newTestAnalyzer(t, seeds...)

	d, err := a.GetDashboard(context.Background(), models.LastHours(now, 10))
	require.NoError(t, err)

	require.NotNil(t, d.Statistics)
	require.NotNil(t, d.RealTime)
	assert.Equal(t, 15, d.Statistics.Total)

	byFP := make(map[string]PatternTrend)
	for _, p := range d.Patterns {
		byFP[p.Fingerprint] = p
	}
	assert.Equal(t, PatternDecreasing, byFP["fp-early"].Direction)
	assert.Equal(t, PatternIncreasing, byFP["fp-late"].Direction)
	assert.Equal(t, PatternStable, byFP["fp-spread"].Direction)
	assert.InDelta(t, 4.0, byFP["fp-spread"].FirstHalf, 0.001)

	health := make(map[string]ServiceHealth)
	for _, h := range d.ServiceHealth {
		health[h.Service] = h
	}
	assert.Equal(t, HealthCritical, health["slack"].Status)
	assert.Equal(t, 90.0, health["slack"].Availability)
	assert.Equal(t, HealthWarning, health["zendesk"].Status)
	assert.Equal(t, HealthHealthy, health["clickup"].Status)
	assert.Equal(t, 100.0, health["clickup"].Availability)

	assert.Equal(t, 1, d.Resolution.Resolved)
	assert.Equal(t, 14, d.Resolution.Unresolved)
	assert.Equal(t, 2*time.Hour, d.Resolution.AverageResolutionTime)
	assert.InDelta(t, 100.0/15, d.Resolution.ResolutionRate, 0.001)
}

func TestServiceHealthAvailabilityFloor(t *testing.T) {
	var seeds []seed
	for i := 0; i < 12; i++ {
		seeds = append(seeds, seed{id: fmt.Sprintf("c%02d", i), service: "slack", severity: models.SeverityCritical, at: time.Hour})
	}
	a, _ := newTestAnalyzer(t, seeds...)

	reports, err := a.Reports(context.Background(), models.LastHours(now, 2))
	require.NoError(t, err)
	health := a.serviceHealth(reports)
	require.Len(t, health, 1)
	assert.Equal(t, 0.0, health[0].Availability)
	assert.Equal(t, HealthCritical, health[0].Status)
}

func TestFillHourly(t *testing.T) {
	start := now.Add(-3 * time.Hour)
	points := []TrendPoint{
		{Timestamp: now.Add(-2*time.Hour + 10*time.Minute), Count: 4},
		{Timestamp: now, Count: 1},
	}

	filled := FillHourly(points, start, now)
	require.Len(t, filled, 4)
	assert.Equal(t, []int{0, 4, 0, 1}, []int{filled[0].Count, filled[1].Count, filled[2].Count, filled[3].Count})
	assert.Nil(t, FillHourly(points, now, start))
}

func TestHourlyBuckets(t *testing.T) {
	reports := []*models.ErrorReport{
		build(seed{id: "a", at: 90 * time.Minute, count: 2}),
		build(seed{id: "b", at: 80 * time.Minute, count: 3}),
		build(seed{id: "c", at: 10 * time.Minute}),
	}

	points := HourlyBuckets(reports)
	require.Len(t, points, 2)
	assert.Equal(t, 5, points[0].Count)
	assert.Equal(t, 1, points[1].Count)
	assert.True(t, points[0].Timestamp.Before(points[1].Timestamp))
}
