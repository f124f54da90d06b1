package forecast

import (
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// confidenceDecay is the per-hour exponential decay of point confidence.
const confidenceDecay = 0.05

// recentWindow is how many trailing deltas feed the trend component.
const recentWindow = 24

// Predict generates horizon hourly points after last.
func Predict(values []float64, last time.Time, horizon int, trend Trend, cfg *Config) []Point {
	if len(values) == 0 || horizon <= 0 {
		return nil
	}

	level := values[0]
	for _, v := range values[1:] {
		level = cfg.SmoothingFactor*v + (1-cfg.SmoothingFactor)*level
	}
	delta := recentDelta(values)
	sd := stat.StdDev(values, nil)
	if math.IsNaN(sd) {
		sd = 0
	}
	n := len(values)

	points := make([]Point, horizon)
	for h := 1; h <= horizon; h++ {
		predicted := level + delta*trend.Strength*float64(h)
		if s := trend.Seasonality; s.Detected {
			predicted += s.Amplitude * math.Sin(2*math.Pi*float64(n-1+h)/float64(s.Period))
		}
		predicted = math.Max(0, predicted)

		confidence := cfg.ConfidenceLevel * math.Exp(-confidenceDecay*float64(h)) * (0.5 + 0.5*trend.Confidence)
		half := sd * (1 - confidence) * 2
		points[h-1] = Point{
			Timestamp:  last.Add(time.Duration(h) * time.Hour),
			Predicted:  predicted,
			Confidence: confidence,
			UpperBound: predicted + half,
			LowerBound: math.Max(0, predicted-half),
		}
	}
	return points
}

// recentDelta is the mean hour-over-hour change of the trailing window.
func recentDelta(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	start := max(0, len(values)-recentWindow-1)
	tail := values[start:]
	return (tail[len(tail)-1] - tail[0]) / float64(len(tail)-1)
}

// Recommend turns a forecast into operator advice.
func Recommend(trend Trend, anomalies []Anomaly, points []Point) []string {
	var out []string

	switch {
	case trend.Direction == DirectionIncreasing && trend.Strength >= 0.5:
		out = append(out, fmt.Sprintf("Error volume is rising sharply (%.1f%% per hour); review recent deployments and dependency health.", trend.ChangeRate))
	case trend.Direction == DirectionIncreasing && trend.Confidence >= 0.7:
		out = append(out, "Error volume is trending upward; investigate the fastest-growing error patterns before they escalate.")
	case trend.Direction == DirectionDecreasing && trend.Confidence >= 0.7:
		out = append(out, "Error volume is declining; recent fixes appear to be effective.")
	}

	if trend.Seasonality.Detected {
		out = append(out, fmt.Sprintf("Errors follow a %d-hour cycle; plan maintenance and on-call coverage around the peaks.", trend.Seasonality.Period))
	}

	if high := lo.CountBy(anomalies, func(a Anomaly) bool { return a.Severity == AnomalyHigh }); high > 0 {
		out = append(out, fmt.Sprintf("%d high-severity anomalies detected; inspect the affected hours for incidents.", high))
	} else if len(anomalies) > 0 {
		out = append(out, fmt.Sprintf("%d minor anomalies detected; keep monitoring for recurrence.", len(anomalies)))
	}

	if len(points) > 0 {
		avg := lo.SumBy(points, func(p Point) float64 { return p.Predicted }) / float64(len(points))
		peak := lo.MaxBy(points, func(a, b Point) bool { return a.Predicted > b.Predicted }).Predicted
		if avg > 0 && peak/avg > 2 {
			out = append(out, fmt.Sprintf("Predicted peak is %.1fx the average; prepare for error spikes.", peak/avg))
		}
	}

	if len(out) == 0 {
		out = append(out, "Error patterns appear stable; no action needed.")
	}
	return out
}
