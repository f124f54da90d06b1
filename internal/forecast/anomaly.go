package forecast

import (
	"math"
	"time"

	"errorpipe/internal/analytics"

	"gonum.org/v1/gonum/stat"
)

// Anomaly severities.
const (
	AnomalyHigh   = "high"
	AnomalyMedium = "medium"
	AnomalyLow    = "low"
)

// minStdDev floors the deviation so a flat history does not turn every
// small wobble into an infinite z-score.
const minStdDev = 0.5

// Anomaly is an hourly bucket whose count is far from the rest.
type Anomaly struct {
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
	ExpectedLow  float64   `json:"expectedLow"`
	ExpectedHigh float64   `json:"expectedHigh"`
	ZScore       float64   `json:"zScore"`
	Severity     string    `json:"severity"`
}

// DetectAnomalies flags buckets with |z| > threshold. Each bucket is scored
// against the mean and deviation of the other buckets, so a single spike
// cannot mask itself by inflating the deviation.
func DetectAnomalies(series []analytics.TrendPoint, threshold float64) []Anomaly {
	if len(series) < 3 {
		return nil
	}
	values := counts(series)
	others := make([]float64, 0, len(values)-1)

	var out []Anomaly
	for i, v := range values {
		others = append(others[:0], values[:i]...)
		others = append(others, values[i+1:]...)
		mean, sd := stat.MeanStdDev(others, nil)
		sd = math.Max(sd, minStdDev)

		z := (v - mean) / sd
		if math.Abs(z) <= threshold {
			continue
		}
		out = append(out, Anomaly{
			Timestamp:    series[i].Timestamp,
			Value:        v,
			ExpectedLow:  math.Max(0, mean-2*sd),
			ExpectedHigh: mean + 2*sd,
			ZScore:       z,
			Severity:     anomalySeverity(z),
		})
	}
	return out
}

func anomalySeverity(z float64) string {
	switch z = math.Abs(z); {
	case z > 3:
		return AnomalyHigh
	case z > 2:
		return AnomalyMedium
	default:
		return AnomalyLow
	}
}
