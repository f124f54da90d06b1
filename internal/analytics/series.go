package analytics

import (
	"sort"
	"time"

	"errorpipe/internal/models"
)

// TrendPoint is the summed occurrence count of one hourly bucket.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// HourlyBuckets sums occurrence counts per UTC hour of report timestamp.
// Only hours with at least one report are returned, oldest first.
func HourlyBuckets(reports []*models.ErrorReport) []TrendPoint {
	sums := make(map[time.Time]int)
	for _, r := range reports {
		sums[r.Timestamp.UTC().Truncate(time.Hour)] += occurrences(r)
	}
	points := make([]TrendPoint, 0, len(sums))
	for ts, n := range sums {
		points = append(points, TrendPoint{Timestamp: ts, Count: n})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points
}

// FillHourly expands sparse points into one bucket per hour over
// [start, end], zero-filling missing hours.
func FillHourly(points []TrendPoint, start, end time.Time) []TrendPoint {
	start = start.UTC().Truncate(time.Hour)
	end = end.UTC().Truncate(time.Hour)
	if end.Before(start) {
		return nil
	}

	byHour := make(map[time.Time]int, len(points))
	for _, p := range points {
		byHour[p.Timestamp.UTC().Truncate(time.Hour)] += p.Count
	}

	n := int(end.Sub(start)/time.Hour) + 1
	out := make([]TrendPoint, n)
	for i := range out {
		ts := start.Add(time.Duration(i) * time.Hour)
		out[i] = TrendPoint{Timestamp: ts, Count: byHour[ts]}
	}
	return out
}

func occurrences(r *models.ErrorReport) int {
	if r.OccurrenceCount < 1 {
		return 1
	}
	return r.OccurrenceCount
}
