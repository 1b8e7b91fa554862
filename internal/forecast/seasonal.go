package forecast

import (
	"fmt"
	"math"
)

// seasonalModel decomposes the series into a linear trend plus an
// additive seasonal component with a fixed period.
type seasonalModel struct {
	period    int
	intercept float64
	slope     float64
	seasonal  []float64 // per-phase mean of the detrended series
	residSD   float64
	n         int // training length; forecasts start at index n
}

// minSeasonalLen is the training floor for the seasonal kind: at least
// two full periods so every phase has two samples.
func minSeasonalLen(period int) int { return 2 * period }

func fitSeasonal(values []float64, period int) (*seasonalModel, error) {
	if period < 2 {
		return nil, fmt.Errorf("seasonal period must be at least 2, got %d", period)
	}
	if len(values) < minSeasonalLen(period) {
		return nil, fmt.Errorf("%w: seasonal kind needs %d points (2x period), got %d",
			ErrInsufficientData, minSeasonalLen(period), len(values))
	}

	m := &seasonalModel{period: period, n: len(values)}
	m.intercept, m.slope = linearFit(values)

	// Per-phase means of the detrended series.
	sums := make([]float64, period)
	counts := make([]int, period)
	for i, v := range values {
		detrended := v - (m.intercept + m.slope*float64(i))
		sums[i%period] += detrended
		counts[i%period]++
	}
	m.seasonal = make([]float64, period)
	for p := 0; p < period; p++ {
		m.seasonal[p] = sums[p] / float64(counts[p])
	}

	// Residual spread for the confidence bounds.
	residuals := make([]float64, len(values))
	for i, v := range values {
		residuals[i] = v - m.at(i)
	}
	m.residSD = stddev(residuals)
	return m, nil
}

func (m *seasonalModel) at(i int) float64 {
	return m.intercept + m.slope*float64(i) + m.seasonal[i%m.period]
}

func (m *seasonalModel) predict(steps int) []prediction {
	out := make([]prediction, steps)
	for h := 0; h < steps; h++ {
		est := m.at(m.n + h)
		// Bounds widen gently with lead time.
		half := 1.96 * m.residSD * math.Sqrt(1+float64(h)/float64(m.period))
		out[h] = prediction{estimate: est, lower: est - half, upper: est + half}
	}
	return out
}

// linearFit returns the least-squares intercept and slope of values
// against their index.
func linearFit(values []float64) (intercept, slope float64) {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return mean(values), 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return intercept, slope
}
