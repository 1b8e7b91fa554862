package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Step is one scripted oracle response: a decision or an error.
type Step struct {
	Decision *Decision
	Err      error
}

// Scripted is a deterministic Oracle double that replays a fixed
// sequence of steps. Tests use it to drive the orchestrator without an
// LLM; it also records every situation it was shown.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	idx   int
	seen  []*Situation
}

// NewScripted builds a scripted oracle from the given steps.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Plan is a convenience constructor for a plan step.
func Plan(d *Decision) Step { return Step{Decision: d} }

// Fail is a convenience constructor for an error step.
func Fail(err error) Step { return Step{Err: err} }

// Decide replays the next scripted step.
func (s *Scripted) Decide(_ context.Context, sit *Situation) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, sit)
	if s.idx >= len(s.steps) {
		return nil, fmt.Errorf("scripted oracle exhausted after %d steps", len(s.steps))
	}
	step := s.steps[s.idx]
	s.idx++
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Decision, nil
}

// Situations returns the situations the oracle has been shown, in order.
func (s *Scripted) Situations() []*Situation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Situation, len(s.seen))
	copy(out, s.seen)
	return out
}

// Calls returns how many times Decide was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
