package forecast

import "time"

// Kind enumerates the trainable model strategies, in fallback order.
type Kind string

const (
	KindSeasonal       Kind = "seasonal"
	KindAutoregressive Kind = "autoregressive"
	KindNaive          Kind = "naive"
)

// FallbackChain returns the fixed order in which model kinds are
// attempted: primary seasonal, secondary autoregressive, tertiary
// naive baseline.
func FallbackChain() []Kind {
	return []Kind{KindSeasonal, KindAutoregressive, KindNaive}
}

// Point is one observation of the demand series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Candidate is a trained model instance. The fitted parameters are
// opaque to callers; only the manager can forecast from them.
type Candidate struct {
	ID          string             `json:"id"`
	Kind        Kind               `json:"kind"`
	Target      string             `json:"target"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	TrainedAt   time.Time          `json:"trained_at"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`

	model fitted
	step  time.Duration
}

// ForecastPoint is one step of a forecast with its confidence bounds.
// Lower <= Estimate <= Upper always holds.
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Estimate  float64   `json:"estimate"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
}

// Result is an immutable generated forecast referencing the candidate
// that produced it.
type Result struct {
	CandidateID string          `json:"candidate_id"`
	Kind        Kind            `json:"kind"`
	Target      string          `json:"target"`
	Horizon     int             `json:"horizon"`
	Points      []ForecastPoint `json:"points"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// prediction is a single raw model output before timestamps are attached.
type prediction struct {
	estimate float64
	lower    float64
	upper    float64
}

// fitted is the opaque trained state of one model kind.
type fitted interface {
	predict(steps int) []prediction
}
