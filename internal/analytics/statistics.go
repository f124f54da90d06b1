package analytics

import (
	"context"
	"sort"
	"time"

	"errorpipe/internal/models"

	"github.com/samber/lo"
)

// Statistics summarizes the reports of a time range.
type Statistics struct {
	Range            models.TimeRange        `json:"range"`
	Total            int                     `json:"total"`
	TotalOccurrences int                     `json:"total_occurrences"`
	Resolved         int                     `json:"resolved"`
	Unresolved       int                     `json:"unresolved"`
	ResolutionRate   float64                 `json:"resolution_rate"`
	BySeverity       map[models.Severity]int `json:"by_severity"`
	ByCategory       map[models.Category]int `json:"by_category"`
	ByService        map[string]int          `json:"by_service"`
	TopErrors        []TopError              `json:"top_errors"`
	Trend            []TrendPoint            `json:"trend"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// TopError is one fingerprint ranked by summed occurrences.
type TopError struct {
	Fingerprint string          `json:"fingerprint"`
	Message     string          `json:"message"`
	Service     string          `json:"service"`
	Severity    models.Severity `json:"severity"`
	Count       int             `json:"count"`
}

// GetStatistics aggregates reports whose timestamp falls in tr. A nil range
// selects the configured default window ending now.
func (a *Analyzer) GetStatistics(ctx context.Context, tr *models.TimeRange) (*Statistics, error) {
	rng, key := a.resolveRange(tr)
	return remember(a.stats, a.config().StatsTTL, "stats:"+key, func() (*Statistics, error) {
		start := time.Now()
		reports, err := a.Reports(ctx, rng)
		if err != nil {
			return nil, err
		}
		stats := a.computeStatistics(reports, rng)
		logQuery(a.logger, "statistics", start, len(reports))
		return stats, nil
	})
}

func (a *Analyzer) computeStatistics(reports []*models.ErrorReport, rng models.TimeRange) *Statistics {
	stats := &Statistics{
		Range:       rng,
		Total:       len(reports),
		BySeverity:  make(map[models.Severity]int, len(models.AllSeverities)),
		ByCategory:  make(map[models.Category]int, len(models.AllCategories)),
		ByService:   lo.CountValuesBy(reports, func(r *models.ErrorReport) string { return r.Source.Service }),
		GeneratedAt: a.now(),
	}
	for _, s := range models.AllSeverities {
		stats.BySeverity[s] = 0
	}
	for _, c := range models.AllCategories {
		stats.ByCategory[c] = 0
	}
	for _, r := range reports {
		stats.BySeverity[r.Severity]++
		stats.ByCategory[r.Category]++
		stats.TotalOccurrences += occurrences(r)
		if r.Resolved {
			stats.Resolved++
		}
	}
	stats.Unresolved = stats.Total - stats.Resolved
	stats.ResolutionRate = percent(stats.Resolved, stats.Total)
	stats.TopErrors = topErrors(reports, a.config().TopN)

	end := rng.End
	if end.IsZero() {
		end = a.now()
	}
	start := rng.Start
	if start.IsZero() {
		start = end.Add(-a.config().DefaultWindow)
	}
	stats.Trend = FillHourly(HourlyBuckets(reports), start, end)
	return stats
}

func topErrors(reports []*models.ErrorReport, n int) []TopError {
	groups := lo.GroupBy(reports, func(r *models.ErrorReport) string { return r.Fingerprint })
	top := make([]TopError, 0, len(groups))
	for fp, group := range groups {
		// Newest report of the group describes it.
		head := lo.MaxBy(group, func(a, b *models.ErrorReport) bool { return a.LastSeen.After(b.LastSeen) })
		top = append(top, TopError{
			Fingerprint: fp,
			Message:     head.Message,
			Service:     head.Source.Service,
			Severity:    head.Severity,
			Count:       lo.SumBy(group, occurrences),
		})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Fingerprint < top[j].Fingerprint
	})
	if n > 0 && len(top) > n {
		top = top[:n]
	}
	return top
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
