package analytics

import (
	"context"
	"sort"
	"time"

	"errorpipe/internal/models"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Pattern trend directions.
const (
	PatternIncreasing = "increasing"
	PatternDecreasing = "decreasing"
	PatternStable     = "stable"
)

// Service health states.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Dashboard composes every analytics view of one time range.
type Dashboard struct {
	Range         models.TimeRange  `json:"range"`
	Statistics    *Statistics       `json:"statistics"`
	RealTime      *RealTimeMetrics  `json:"real_time"`
	Patterns      []PatternTrend    `json:"patterns"`
	ServiceHealth []ServiceHealth   `json:"service_health"`
	Resolution    ResolutionMetrics `json:"resolution"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// PatternTrend compares a fingerprint's occurrences in the two halves of
// the range.
type PatternTrend struct {
	Fingerprint string  `json:"fingerprint"`
	Message     string  `json:"message"`
	FirstHalf   float64 `json:"first_half"`
	SecondHalf  float64 `json:"second_half"`
	Change      float64 `json:"change"`
	Direction   string  `json:"direction"`
}

// ServiceHealth is the derived health of one service.
type ServiceHealth struct {
	Service       string  `json:"service"`
	Status        string  `json:"status"`
	ErrorCount    int     `json:"error_count"`
	CriticalCount int     `json:"critical_count"`
	Availability  float64 `json:"availability"`
}

// ResolutionMetrics summarizes how fast reports get resolved.
type ResolutionMetrics struct {
	AverageResolutionTime time.Duration `json:"average_resolution_time"`
	ResolutionRate        float64       `json:"resolution_rate"`
	Resolved              int           `json:"resolved"`
	Unresolved            int           `json:"unresolved"`
}

// GetDashboard builds the dashboard for tr. Sub-queries run concurrently.
func (a *Analyzer) GetDashboard(ctx context.Context, tr models.TimeRange) (*Dashboard, error) {
	return remember(a.dashboard, a.config().StatsTTL, "dashboard:"+tr.Key(), func() (*Dashboard, error) {
		start := time.Now()
		d := &Dashboard{Range: tr}

		var reports []*models.ErrorReport
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			d.Statistics, err = a.GetStatistics(gctx, &tr)
			return err
		})
		g.Go(func() error {
			var err error
			d.RealTime, err = a.GetRealTimeMetrics(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			reports, err = a.Reports(gctx, tr)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		d.Patterns = a.patternTrends(reports, tr)
		d.ServiceHealth = a.serviceHealth(reports)
		d.Resolution = resolutionMetrics(reports)
		d.GeneratedAt = a.now()
		logQuery(a.logger, "dashboard", start, len(reports))
		return d, nil
	})
}

// patternTrends spreads each report's occurrences evenly over
// [FirstSeen, LastSeen] and compares the two halves of tr.
func (a *Analyzer) patternTrends(reports []*models.ErrorReport, tr models.TimeRange) []PatternTrend {
	if len(reports) == 0 {
		return nil
	}
	start, end := tr.Start, tr.End
	if start.IsZero() {
		start = firstSeen(lo.MinBy(reports, func(x, y *models.ErrorReport) bool { return firstSeen(x).Before(firstSeen(y)) }))
	}
	if end.IsZero() {
		end = a.now()
	}
	mid := start.Add(end.Sub(start) / 2)

	groups := lo.GroupBy(reports, func(r *models.ErrorReport) string { return r.Fingerprint })
	trends := make([]PatternTrend, 0, len(groups))
	for fp, group := range groups {
		var first, second float64
		for _, r := range group {
			f, s := split(r, mid)
			first += f
			second += s
		}
		change := relativeChange(first, second)
		trends = append(trends, PatternTrend{
			Fingerprint: fp,
			Message:     group[0].Message,
			FirstHalf:   first,
			SecondHalf:  second,
			Change:      change * 100,
			Direction:   a.direction(change),
		})
	}
	sort.Slice(trends, func(i, j int) bool {
		if trends[i].Change != trends[j].Change {
			return trends[i].Change > trends[j].Change
		}
		return trends[i].Fingerprint < trends[j].Fingerprint
	})
	return trends
}

func (a *Analyzer) direction(change float64) string {
	switch {
	case change > a.config().PatternChangeThreshold:
		return PatternIncreasing
	case change < -a.config().PatternChangeThreshold:
		return PatternDecreasing
	default:
		return PatternStable
	}
}

// split apportions r's occurrences before and after mid.
func split(r *models.ErrorReport, mid time.Time) (before, after float64) {
	n := float64(occurrences(r))
	from, to := firstSeen(r), r.LastSeen
	if to.IsZero() || to.Before(from) {
		to = from
	}
	switch {
	case !to.After(mid):
		return n, 0
	case from.After(mid):
		return 0, n
	}
	frac := float64(mid.Sub(from)) / float64(to.Sub(from))
	return n * frac, n * (1 - frac)
}

func firstSeen(r *models.ErrorReport) time.Time {
	if r.FirstSeen.IsZero() {
		return r.Timestamp
	}
	return r.FirstSeen
}

// relativeChange is (second-first)/first. Appearing from nothing counts
// as doubling.
func relativeChange(first, second float64) float64 {
	if first == 0 {
		if second == 0 {
			return 0
		}
		return 1
	}
	return (second - first) / first
}

func (a *Analyzer) serviceHealth(reports []*models.ErrorReport) []ServiceHealth {
	groups := lo.GroupBy(reports, func(r *models.ErrorReport) string { return r.Source.Service })
	out := make([]ServiceHealth, 0, len(groups))
	for service, group := range groups {
		critical := lo.CountBy(group, func(r *models.ErrorReport) bool { return r.Severity == models.SeverityCritical })
		h := ServiceHealth{
			Service:       service,
			ErrorCount:    len(group),
			CriticalCount: critical,
			Availability:  max(0, 100-float64(critical)*a.config().HealthCriticalPenalty),
		}
		switch {
		case critical > 0 || h.Availability < 90:
			h.Status = HealthCritical
		case h.ErrorCount > 10 || h.Availability < 95:
			h.Status = HealthWarning
		default:
			h.Status = HealthHealthy
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func resolutionMetrics(reports []*models.ErrorReport) ResolutionMetrics {
	var m ResolutionMetrics
	var total time.Duration
	var timed int
	for _, r := range reports {
		if !r.Resolved {
			m.Unresolved++
			continue
		}
		m.Resolved++
		if r.Resolution != nil && !r.Resolution.ResolvedAt.IsZero() {
			total += r.Resolution.ResolvedAt.Sub(firstSeen(r))
			timed++
		}
	}
	if timed > 0 {
		m.AverageResolutionTime = total / time.Duration(timed)
	}
	m.ResolutionRate = percent(m.Resolved, len(reports))
	return m
}
