package forecast

import "math"

// Metric names reported by Evaluate.
const (
	MetricMAPE = "mape"
	MetricRMSE = "rmse"
	MetricMAE  = "mae"
	// MetricIntervalWidthVar is the variance of the forecast interval
	// widths over the holdout. Used as the selection tie-break: equal
	// accuracy, prefer the tighter forecast.
	MetricIntervalWidthVar = "interval_width_var"
)

// MAPE computes mean absolute percentage error. Zero-valued actuals are
// skipped so a flat-zero stretch cannot blow up the metric.
func MAPE(actual, predicted []float64) float64 {
	n := 0
	sum := 0.0
	for i := range actual {
		if i >= len(predicted) {
			break
		}
		if actual[i] == 0 {
			continue
		}
		sum += math.Abs((actual[i] - predicted[i]) / actual[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return 100 * sum / float64(n)
}

// RMSE computes root mean squared error.
func RMSE(actual, predicted []float64) float64 {
	n := minLen(actual, predicted)
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := actual[i] - predicted[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// MAE computes mean absolute error.
func MAE(actual, predicted []float64) float64 {
	n := minLen(actual, predicted)
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(n)
}

func minLen(a, b []float64) int {
	if len(a) < len(b) {
		return len(a)
	}
	return len(b)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

func stddev(xs []float64) float64 {
	return math.Sqrt(variance(xs))
}
