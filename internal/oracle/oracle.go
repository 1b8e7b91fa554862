// Package oracle abstracts the reasoning component that picks the
// agent's next action. The oracle is nondeterministic and untrusted:
// callers always validate its output against the capability registry
// before acting on it.
package oracle

import (
	"context"
	"errors"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
)

// ErrMalformed means the oracle's output could not be parsed into a
// structured decision. It counts against the orchestrator's oracle
// retry budget.
var ErrMalformed = errors.New("malformed oracle output")

// Situation is everything the oracle sees when asked for a decision.
type Situation struct {
	Goal         string                   `json:"goal"`
	Facts        map[string]any           `json:"facts"`
	History      []string                 `json:"history,omitempty"`
	Capabilities []capability.Descriptor  `json:"available_capabilities"`
	// Strict is set on the retry after a malformed response; the
	// LLM-backed oracle adds a contract reminder to the prompt.
	Strict bool `json:"-"`
}

// Decision is the oracle's structured answer: either a tool-free
// termination with a summary, or a plan of capability invocations.
type Decision struct {
	Done        bool                 `json:"done"`
	Summary     string               `json:"summary,omitempty"`
	Rationale   string               `json:"rationale,omitempty"`
	Invocations []capability.Request `json:"invocations,omitempty"`
}

// Validate checks the structural contract: a termination carries a
// summary, a plan carries at least one named invocation.
func (d *Decision) Validate() error {
	if d.Done {
		if d.Summary == "" {
			return errors.New("termination decision has no summary")
		}
		return nil
	}
	if len(d.Invocations) == 0 {
		return errors.New("plan decision has no invocations")
	}
	for i, inv := range d.Invocations {
		if inv.Name == "" {
			return errors.New("plan invocation has no capability name")
		}
		if inv.Arguments == nil {
			d.Invocations[i].Arguments = map[string]any{}
		}
	}
	return nil
}

// Oracle maps a situation to a decision.
type Oracle interface {
	Decide(ctx context.Context, s *Situation) (*Decision, error)
}
