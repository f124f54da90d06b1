package analytics

import (
	"context"
	"time"

	"errorpipe/internal/models"
)

// RealTimeMetrics compares the last rolling hour with the one before it.
type RealTimeMetrics struct {
	LastHour           int       `json:"last_hour"`
	PreviousHour       int       `json:"previous_hour"`
	ChangePercent      float64   `json:"change_percent"`
	Unresolved         int       `json:"unresolved"`
	UnresolvedCritical int       `json:"unresolved_critical"`
	AvgResponseTime    float64   `json:"avg_response_time"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// GetRealTimeMetrics reports activity by last-seen time, so a recurring
// report counts in the hour it last fired.
func (a *Analyzer) GetRealTimeMetrics(ctx context.Context) (*RealTimeMetrics, error) {
	return remember(a.realtime, a.config().RealtimeTTL, "realtime", func() (*RealTimeMetrics, error) {
		start := time.Now()
		reports, err := a.store.Query(ctx, models.ReportFilter{})
		if err != nil {
			return nil, err
		}
		m := a.computeRealTime(reports)
		logQuery(a.logger, "realtime", start, len(reports))
		return m, nil
	})
}

func (a *Analyzer) computeRealTime(reports []*models.ErrorReport) *RealTimeMetrics {
	now := a.now()
	lastHour := models.TimeRange{Start: now.Add(-time.Hour), End: now}
	prevHour := models.TimeRange{Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}

	m := &RealTimeMetrics{GeneratedAt: now}
	var rtSum float64
	var rtCount int
	for _, r := range reports {
		seen := r.LastSeen
		if seen.IsZero() {
			seen = r.Timestamp
		}
		switch {
		case lastHour.Contains(seen):
			m.LastHour++
			if rt, ok := r.ResponseTime(); ok {
				rtSum += rt
				rtCount++
			}
		case prevHour.Contains(seen):
			m.PreviousHour++
		}
		if !r.Resolved {
			m.Unresolved++
			if r.Severity == models.SeverityCritical {
				m.UnresolvedCritical++
			}
		}
	}

	m.ChangePercent = changePercent(m.PreviousHour, m.LastHour)
	if rtCount > 0 {
		m.AvgResponseTime = rtSum / float64(rtCount)
	}
	return m
}

// changePercent is the relative change from before to after in percent.
// Growth from zero counts as 100%.
func changePercent(before, after int) float64 {
	if before == 0 {
		if after == 0 {
			return 0
		}
		return 100
	}
	return float64(after-before) / float64(before) * 100
}
