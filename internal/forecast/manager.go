package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInsufficientData means the series is shorter than a kind's minimum
// training window.
var ErrInsufficientData = errors.New("insufficient data")

// ErrNoModelAvailable means every kind in the fallback chain failed to
// train; there is no candidate to forecast from.
var ErrNoModelAvailable = errors.New("no model available")

func errInsufficient(kind string, need, got int) error {
	return fmt.Errorf("%w: %s needs %d points, got %d", ErrInsufficientData, kind, need, got)
}

// Config holds the manager's arbitration policy.
type Config struct {
	// PrimaryMetric ranks candidates; lower is better. Defaults to MAPE.
	PrimaryMetric string
	// RetainPerKind keeps the most recent N candidates per kind per target.
	RetainPerKind int
	// HoldoutHours is withheld from training for evaluation.
	HoldoutHours int
	// SeasonalPeriodHours is the period of the seasonal kind.
	SeasonalPeriodHours int
}

func (c *Config) normalize() {
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = MetricMAPE
	}
	if c.RetainPerKind <= 0 {
		c.RetainPerKind = 3
	}
	if c.HoldoutHours <= 0 {
		c.HoldoutHours = 24
	}
	if c.SeasonalPeriodHours <= 0 {
		c.SeasonalPeriodHours = 24
	}
}

// Manager owns the trained candidates and arbitrates between the model
// kinds. Train and SelectBest for one target are serialized by a
// per-target lock; forecasting from a held candidate is read-only.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	targets map[string]*targetModels
	logger  *zap.Logger
}

type targetModels struct {
	mu     sync.Mutex
	byKind map[Kind][]*Candidate // newest last
}

// NewManager creates a model manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.normalize()
	return &Manager{
		cfg:     cfg,
		targets: make(map[string]*targetModels),
		logger:  logger,
	}
}

func (m *Manager) target(name string) *targetModels {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[name]
	if !ok {
		t = &targetModels{byKind: make(map[Kind][]*Candidate)}
		m.targets[name] = t
	}
	return t
}

// Train fits a candidate of the given kind on the series and registers
// it, evicting the oldest candidate of that kind beyond the retention
// policy. The series must be ordered by timestamp.
func (m *Manager) Train(target string, series []Point, kind Kind) (*Candidate, error) {
	t := m.target(target)
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := m.fit(target, series, kind)
	if err != nil {
		return nil, err
	}
	m.retain(t, c)
	return c, nil
}

// fit trains a candidate without registering it.
func (m *Manager) fit(target string, series []Point, kind Kind) (*Candidate, error) {
	if len(series) == 0 {
		return nil, errInsufficient(string(kind), 1, 0)
	}
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.Value
	}

	var (
		model fitted
		err   error
	)
	switch kind {
	case KindSeasonal:
		model, err = fitSeasonal(values, m.cfg.SeasonalPeriodHours)
	case KindAutoregressive:
		model, err = fitAutoregressive(values)
	case KindNaive:
		model, err = fitNaive(values)
	default:
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	return &Candidate{
		ID:          uuid.New().String(),
		Kind:        kind,
		Target:      target,
		WindowStart: series[0].Timestamp,
		WindowEnd:   series[len(series)-1].Timestamp,
		TrainedAt:   time.Now(),
		model:       model,
		step:        seriesStep(series),
	}, nil
}

// retain appends c and keeps only the most recent N of its kind.
// Caller holds the target lock.
func (m *Manager) retain(t *targetModels, c *Candidate) {
	list := append(t.byKind[c.Kind], c)
	if over := len(list) - m.cfg.RetainPerKind; over > 0 {
		list = list[over:]
	}
	t.byKind[c.Kind] = list
}

// Evaluate computes accuracy metrics for a candidate against a holdout
// that immediately follows its training window. It is a pure function
// of the candidate and the holdout: evaluating twice yields identical
// metrics.
func (m *Manager) Evaluate(c *Candidate, holdout []Point) map[string]float64 {
	preds := c.model.predict(len(holdout))
	actual := make([]float64, len(holdout))
	estimates := make([]float64, len(preds))
	widths := make([]float64, len(preds))
	for i := range holdout {
		actual[i] = holdout[i].Value
	}
	for i, p := range preds {
		estimates[i] = p.estimate
		widths[i] = p.upper - p.lower
	}
	return map[string]float64{
		MetricMAPE:             MAPE(actual, estimates),
		MetricRMSE:             RMSE(actual, estimates),
		MetricMAE:              MAE(actual, estimates),
		MetricIntervalWidthVar: variance(widths),
	}
}

// SelectBest ranks evaluated candidates by the primary metric, breaking
// ties with the lower variance of forecast interval width. Candidates
// without metrics are ignored. An empty field yields ErrNoModelAvailable.
func (m *Manager) SelectBest(candidates []*Candidate) (*Candidate, error) {
	var best *Candidate
	for _, c := range candidates {
		if c == nil || c.Metrics == nil {
			continue
		}
		if best == nil || m.better(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoModelAvailable
	}
	return best, nil
}

func (m *Manager) better(a, b *Candidate) bool {
	am, bm := a.Metrics[m.cfg.PrimaryMetric], b.Metrics[m.cfg.PrimaryMetric]
	if am != bm {
		return am < bm
	}
	return a.Metrics[MetricIntervalWidthVar] < b.Metrics[MetricIntervalWidthVar]
}

// Forecast produces a Result from a held candidate. Read-only on the
// candidate registry.
func (m *Manager) Forecast(c *Candidate, horizon int) (*Result, error) {
	if c == nil || c.model == nil {
		return nil, ErrNoModelAvailable
	}
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}

	preds := c.model.predict(horizon)
	points := make([]ForecastPoint, horizon)
	for i, p := range preds {
		points[i] = ForecastPoint{
			Timestamp: c.WindowEnd.Add(time.Duration(i+1) * c.step),
			Estimate:  p.estimate,
			Lower:     p.lower,
			Upper:     p.upper,
		}
	}
	return &Result{
		CandidateID: c.ID,
		Kind:        c.Kind,
		Target:      c.Target,
		Horizon:     horizon,
		Points:      points,
		GeneratedAt: time.Now(),
	}, nil
}

// Attempt records one step of the fallback chain for auditability.
type Attempt struct {
	Kind    Kind               `json:"kind"`
	Status  string             `json:"status"` // trained|failed
	Error   string             `json:"error,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ProduceForecast runs the whole arbitration: split a holdout, walk the
// fallback chain training and evaluating each kind on the truncated
// window, select the best kind, then refit it on the full series so the
// forecast starts after the latest observation rather than re-predicting
// the holdout. The refit candidate carries the holdout metrics and is
// the one retained. Every chain step is reported in the returned
// attempts regardless of outcome. The per-target lock is held for the
// train/select portion.
func (m *Manager) ProduceForecast(ctx context.Context, target string, series []Point, horizon int) (*Result, []Attempt, error) {
	attempts := make([]Attempt, 0, len(FallbackChain())+1)

	holdoutN := m.cfg.HoldoutHours
	if len(series) < 2*holdoutN {
		holdoutN = len(series) / 5
	}
	if holdoutN < 1 {
		holdoutN = 1
	}
	trainPart := series[:len(series)-holdoutN]
	holdout := series[len(series)-holdoutN:]

	t := m.target(target)
	t.mu.Lock()

	var trained []*Candidate
	for _, kind := range FallbackChain() {
		if ctx.Err() != nil {
			t.mu.Unlock()
			return nil, attempts, ctx.Err()
		}
		c, err := m.fit(target, trainPart, kind)
		if err != nil {
			m.logger.Warn("model kind failed to train, advancing fallback chain",
				zap.String("target", target),
				zap.String("kind", string(kind)),
				zap.Error(err))
			attempts = append(attempts, Attempt{Kind: kind, Status: "failed", Error: err.Error()})
			continue
		}
		c.Metrics = m.Evaluate(c, holdout)
		trained = append(trained, c)
		attempts = append(attempts, Attempt{Kind: kind, Status: "trained", Metrics: c.Metrics})
	}

	var chosen *Candidate
	best, selErr := m.SelectBest(trained)
	if selErr == nil {
		full, err := m.fit(target, series, best.Kind)
		if err != nil {
			t.mu.Unlock()
			return nil, attempts, err
		}
		full.Metrics = best.Metrics
		chosen = full
	} else {
		// The holdout split can starve the whole chain when the history
		// sits at the baseline minimum. Last resort: fit the end of the
		// chain on the full, unsplit series.
		baseline := FallbackChain()[len(FallbackChain())-1]
		full, err := m.fit(target, series, baseline)
		if err != nil {
			t.mu.Unlock()
			return nil, attempts, fmt.Errorf("%w: all %d kinds in the fallback chain failed to train",
				ErrNoModelAvailable, len(FallbackChain()))
		}
		attempts = append(attempts, Attempt{Kind: baseline, Status: "trained"})
		chosen = full
	}
	m.retain(t, chosen)
	t.mu.Unlock()

	result, err := m.Forecast(chosen, horizon)
	if err != nil {
		return nil, attempts, err
	}
	m.logger.Info("forecast produced",
		zap.String("target", target),
		zap.String("kind", string(chosen.Kind)),
		zap.Int("horizon", horizon),
		zap.Float64(m.cfg.PrimaryMetric, chosen.Metrics[m.cfg.PrimaryMetric]))
	return result, attempts, nil
}

// Candidates returns a snapshot of the retained candidates for a target.
func (m *Manager) Candidates(target string) []*Candidate {
	t := m.target(target)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Candidate
	for _, kind := range FallbackChain() {
		out = append(out, t.byKind[kind]...)
	}
	return out
}

// Targets lists the targets that currently hold candidates.
func (m *Manager) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.targets))
	for name := range m.targets {
		out = append(out, name)
	}
	return out
}

// seriesStep infers the observation spacing from the first two points,
// defaulting to one hour for degenerate series.
func seriesStep(series []Point) time.Duration {
	if len(series) >= 2 {
		if d := series[1].Timestamp.Sub(series[0].Timestamp); d > 0 {
			return d
		}
	}
	return time.Hour
}
