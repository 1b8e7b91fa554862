package forecast

import (
	"fmt"
	"math"
)

// arOrder is the lag depth of the autoregressive kind. One day of
// hourly lags captures the intraday shape without an expensive search.
const arOrder = 24

// minARLen is the training floor for the autoregressive kind: three
// times the lag depth so the normal equations are well conditioned.
const minARLen = 3 * arOrder

// arModel is an AR(p) model with intercept, fitted by ordinary least
// squares on the normal equations.
type arModel struct {
	coeffs  []float64 // coeffs[0] is the intercept, coeffs[1..p] the lag weights
	history []float64 // last p observations, oldest first
	residSD float64
}

func fitAutoregressive(values []float64) (*arModel, error) {
	if len(values) < minARLen {
		return nil, fmt.Errorf("%w: autoregressive kind needs %d points, got %d",
			ErrInsufficientData, minARLen, len(values))
	}

	p := arOrder
	rows := len(values) - p
	dim := p + 1

	// Accumulate X'X and X'y directly; the design matrix is never
	// materialized.
	xtx := make([][]float64, dim)
	for i := range xtx {
		xtx[i] = make([]float64, dim)
	}
	xty := make([]float64, dim)

	row := make([]float64, dim)
	for t := p; t < len(values); t++ {
		row[0] = 1
		for j := 1; j <= p; j++ {
			row[j] = values[t-j]
		}
		y := values[t]
		for i := 0; i < dim; i++ {
			xty[i] += row[i] * y
			for j := 0; j < dim; j++ {
				xtx[i][j] += row[i] * row[j]
			}
		}
	}

	// Small ridge term keeps near-collinear lags solvable.
	for i := 1; i < dim; i++ {
		xtx[i][i] += 1e-6 * float64(rows)
	}

	coeffs, err := solveLinear(xtx, xty)
	if err != nil {
		return nil, fmt.Errorf("autoregressive fit: %w", err)
	}

	m := &arModel{
		coeffs:  coeffs,
		history: append([]float64(nil), values[len(values)-p:]...),
	}

	residuals := make([]float64, 0, rows)
	for t := p; t < len(values); t++ {
		pred := coeffs[0]
		for j := 1; j <= p; j++ {
			pred += coeffs[j] * values[t-j]
		}
		residuals = append(residuals, values[t]-pred)
	}
	m.residSD = stddev(residuals)
	return m, nil
}

func (m *arModel) predict(steps int) []prediction {
	p := len(m.history)
	window := append([]float64(nil), m.history...)
	out := make([]prediction, steps)
	for h := 0; h < steps; h++ {
		est := m.coeffs[0]
		for j := 1; j <= p; j++ {
			est += m.coeffs[j] * window[p-j]
		}
		window = append(window[1:], est)
		half := 1.96 * m.residSD * math.Sqrt(float64(h+1))
		out[h] = prediction{estimate: est, lower: est - half, upper: est + half}
	}
	return out
}

// solveLinear solves Ax = b by Gaussian elimination with partial
// pivoting. A is modified in place.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}
