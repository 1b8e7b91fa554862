package forecast

// Pattern lags the naive baseline can repeat, preferred order: a full
// week when the history covers one, else a day.
const (
	weeklyLag = 168
	dailyLag  = 24
)

// minNaiveLen is the training floor for the naive baseline: one day of
// hourly history.
const minNaiveLen = dailyLag

// naiveModel repeats the last observed cycle. It has no native
// uncertainty model, so confidence bounds come from the historical
// spread of lag-difference residuals.
type naiveModel struct {
	pattern []float64
	residSD float64
}

func fitNaive(values []float64) (*naiveModel, error) {
	if len(values) < minNaiveLen {
		return nil, errInsufficient("naive baseline", minNaiveLen, len(values))
	}

	lag := dailyLag
	if len(values) >= weeklyLag {
		lag = weeklyLag
	}

	m := &naiveModel{
		pattern: append([]float64(nil), values[len(values)-lag:]...),
	}

	// Residuals of the same repeat rule applied over history.
	residuals := make([]float64, 0, len(values)-lag)
	for t := lag; t < len(values); t++ {
		residuals = append(residuals, values[t]-values[t-lag])
	}
	m.residSD = stddev(residuals)
	return m, nil
}

func (m *naiveModel) predict(steps int) []prediction {
	out := make([]prediction, steps)
	half := 1.96 * m.residSD
	for h := 0; h < steps; h++ {
		est := m.pattern[h%len(m.pattern)]
		out[h] = prediction{estimate: est, lower: est - half, upper: est + half}
	}
	return out
}
