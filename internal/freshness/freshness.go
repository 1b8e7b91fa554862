// Package freshness decides whether retrieved demand data is recent
// enough to act on. The gate is a pure function: the PERCEIVE phase
// supplies the latest known timestamp obtained through a capability,
// and the gate only does arithmetic on it.
package freshness

import "time"

// State is the gate's verdict.
type State string

const (
	StateFresh   State = "fresh"
	StateStale   State = "stale"
	StateUnknown State = "unknown"
)

// Policy is the staleness threshold: data is stale when it lags behind
// now by more than Multiplier times the expected arrival interval.
type Policy struct {
	ExpectedInterval time.Duration
	Multiplier       float64
}

// DefaultPolicy matches hourly demand publication with a 1.5x tolerance.
func DefaultPolicy() Policy {
	return Policy{ExpectedInterval: time.Hour, Multiplier: 1.5}
}

// Threshold returns the effective staleness cutoff.
func (p Policy) Threshold() time.Duration {
	return time.Duration(float64(p.ExpectedInterval) * p.Multiplier)
}

// Verdict reports the gate's decision and the numbers behind it.
type Verdict struct {
	LatestKnown time.Time     `json:"latest_known"`
	Staleness   time.Duration `json:"staleness"`
	Threshold   time.Duration `json:"threshold"`
	State       State         `json:"state"`
}

// Check computes the verdict for a latest-known timestamp at the given
// instant. A zero timestamp means the data source could not report one;
// the verdict degrades to unknown rather than failing.
func Check(latestKnown, now time.Time, policy Policy) Verdict {
	v := Verdict{
		LatestKnown: latestKnown,
		Threshold:   policy.Threshold(),
	}
	if latestKnown.IsZero() {
		v.State = StateUnknown
		return v
	}
	v.Staleness = now.Sub(latestKnown)
	if v.Staleness > v.Threshold {
		v.State = StateStale
	} else {
		v.State = StateFresh
	}
	return v
}
