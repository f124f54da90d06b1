package forecast

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Trend directions.
const (
	DirectionIncreasing = "increasing"
	DirectionDecreasing = "decreasing"
	DirectionStable     = "stable"
)

// slopeThreshold is the per-hour slope beyond which a series is trending.
const slopeThreshold = 0.1

// minAmplitude is the residual RMS below which a series has no cycle.
const minAmplitude = 1e-6

// candidatePeriods are the seasonal periods tested, in hours.
var candidatePeriods = []int{24, 12, 8, 6}

// Trend describes the linear fit of a series.
type Trend struct {
	Direction string `json:"direction"`
	// Strength is min(|slope|/10, 1).
	Strength float64 `json:"strength"`
	// Confidence is the R² of the fit.
	Confidence float64 `json:"confidence"`
	// ChangeRate is the slope as a percentage of the mean, per hour.
	ChangeRate  float64     `json:"changeRate"`
	Slope       float64     `json:"slope"`
	Seasonality Seasonality `json:"seasonality"`
}

// Seasonality describes the strongest periodic component found.
type Seasonality struct {
	Detected    bool    `json:"detected"`
	Period      int     `json:"period,omitempty"`
	Amplitude   float64 `json:"amplitude,omitempty"`
	Correlation float64 `json:"correlation,omitempty"`
}

// AnalyzeTrend fits values against their index by least squares and
// looks for seasonality above threshold.
func AnalyzeTrend(values []float64, threshold float64) Trend {
	t := Trend{Direction: DirectionStable}
	if len(values) < 2 {
		return t
	}

	xs := index(len(values))
	alpha, beta := stat.LinearRegression(xs, values, nil, false)
	t.Slope = beta
	t.Strength = math.Min(math.Abs(beta)/10, 1)
	switch {
	case beta > slopeThreshold:
		t.Direction = DirectionIncreasing
	case beta < -slopeThreshold:
		t.Direction = DirectionDecreasing
	}

	if r2 := stat.RSquared(xs, values, nil, alpha, beta); !math.IsNaN(r2) {
		t.Confidence = r2
	}
	if mean := stat.Mean(values, nil); mean != 0 {
		t.ChangeRate = beta / mean * 100
	}

	residuals := make([]float64, len(values))
	for i, v := range values {
		residuals[i] = v - (alpha + beta*xs[i])
	}
	t.Seasonality = detectSeasonality(residuals, threshold)
	return t
}

// detectSeasonality autocorrelates the detrended series so a plain linear
// trend is not mistaken for a cycle.
func detectSeasonality(residuals []float64, threshold float64) Seasonality {
	amplitude := rms(residuals)
	if amplitude < minAmplitude {
		return Seasonality{}
	}
	var best Seasonality
	for _, period := range candidatePeriods {
		if len(residuals)-period < 3 {
			continue
		}
		r := stat.Correlation(residuals[:len(residuals)-period], residuals[period:], nil)
		if math.IsNaN(r) || r <= threshold || r <= best.Correlation {
			continue
		}
		best = Seasonality{Detected: true, Period: period, Correlation: r}
	}
	if best.Detected {
		best.Amplitude = amplitude
	}
	return best
}

func rms(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(values)))
}

func index(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	return xs
}
