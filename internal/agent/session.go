package agent

import (
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/google/uuid"
)

// Phase enumerates the orchestrator's states.
type Phase string

const (
	PhasePerceive Phase = "PERCEIVE"
	PhaseReason   Phase = "REASON"
	PhasePlan     Phase = "PLAN"
	PhaseAct      Phase = "ACT"
	PhaseReflect  Phase = "REFLECT"
	PhaseAdapt    Phase = "ADAPT"
	PhaseDone     Phase = "DONE"
	PhaseFailed   Phase = "FAILED"
)

// State is the session's termination state.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Session is one run of the decision loop, owned exclusively by the
// orchestrator until it terminates.
type Session struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Phase      Phase     `json:"phase"`
	Iteration  int       `json:"iteration"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Summary is the final answer on success, or the failure reason.
	Summary string `json:"summary,omitempty"`
	// Forecast is the last forecast produced, kept even on failure as
	// the best available partial result.
	Forecast *forecast.Result `json:"forecast,omitempty"`

	Log *decisionlog.SessionLog `json:"-"`

	// Working state, never exposed.
	facts            map[string]any
	notes            []string
	pendingPlan      []capability.Request
	lastInvocations  []*capability.Invocation
	planRejections   int
	internalFailures map[string]int
}

func newSession(goal string) *Session {
	return &Session{
		ID:               uuid.New().String(),
		Goal:             goal,
		Phase:            PhasePerceive,
		State:            StateRunning,
		StartedAt:        time.Now(),
		Log:              &decisionlog.SessionLog{},
		facts:            make(map[string]any),
		internalFailures: make(map[string]int),
	}
}

// terminalSummary builds the cross-session ledger entry for a finished
// session.
func (s *Session) terminalSummary() decisionlog.Summary {
	sum := decisionlog.Summary{
		SessionID:  s.ID,
		Goal:       s.Goal,
		State:      string(s.State),
		Reason:     s.Summary,
		Iterations: s.Iteration,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Forecast != nil {
		sum.ForecastID = s.Forecast.CandidateID
	}
	return sum
}
