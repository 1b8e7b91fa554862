package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/config"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/notify"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/oracle"
	"go.uber.org/zap"
)

// RecordPublisher streams phase records to external observers. Nil
// publishers are skipped; publishing is never load-bearing.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec decisionlog.Record) error
}

// Options wires an orchestrator.
type Options struct {
	Registry   *capability.Registry
	Dispatcher *capability.Dispatcher
	Oracle     oracle.Oracle
	Models     *forecast.Manager
	Ledger     decisionlog.Ledger
	Publisher  RecordPublisher
	Notifiers  []notify.Notifier
	Config     config.AgentConfig
	Logger     *zap.Logger
}

// Orchestrator drives the PERCEIVE→REASON→PLAN→ACT→REFLECT→ADAPT cycle
// for one session at a time per Run call. It consults the reasoning
// oracle, invokes capabilities through the dispatcher, and terminates
// every session in DONE or FAILED; no error escapes Run as a raw error.
type Orchestrator struct {
	registry   *capability.Registry
	dispatcher *capability.Dispatcher
	oracle     oracle.Oracle
	models     *forecast.Manager
	ledger     decisionlog.Ledger
	publisher  RecordPublisher
	notifiers  []notify.Notifier
	cfg        config.AgentConfig
	logger     *zap.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 6
	}
	if cfg.OracleRetries == 0 {
		cfg.OracleRetries = 1
	}
	if cfg.PlanRetries == 0 {
		cfg.PlanRetries = 3
	}
	if cfg.OracleTimeoutSec == 0 {
		cfg.OracleTimeoutSec = 60
	}
	return &Orchestrator{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		oracle:     opts.Oracle,
		models:     opts.Models,
		ledger:     opts.Ledger,
		publisher:  opts.Publisher,
		notifiers:  opts.Notifiers,
		cfg:        cfg,
		logger:     opts.Logger,
	}
}

// Run executes one full session for the goal. The returned session is
// always terminated: succeeded, failed, or aborted on context
// cancellation.
func (o *Orchestrator) Run(ctx context.Context, goal string) *Session {
	s := newSession(goal)
	o.logger.Info("session started",
		zap.String("session", s.ID), zap.String("goal", goal))

	for s.State == StateRunning {
		if ctx.Err() != nil {
			s.State = StateAborted
			s.Summary = fmt.Sprintf("session aborted: %v", ctx.Err())
			s.FinishedAt = time.Now()
			break
		}
		switch s.Phase {
		case PhasePerceive:
			o.perceive(ctx, s)
		case PhaseReason:
			o.reason(ctx, s)
		case PhasePlan:
			o.plan(ctx, s)
		case PhaseAct:
			o.act(ctx, s)
		case PhaseReflect:
			o.reflect(ctx, s)
		case PhaseAdapt:
			o.adapt(ctx, s)
		default:
			o.fail(ctx, s, fmt.Sprintf("orchestrator reached unknown phase %q", s.Phase))
		}
	}

	o.finish(s)
	return s
}

// record appends exactly one phase record to the session log, mirrors
// it into the persistent ledger, and streams it to the publisher. The
// latter two are best effort.
func (o *Orchestrator) record(ctx context.Context, s *Session, phase Phase, rationale string, invs []*capability.Invocation) {
	rec := s.Log.Append(decisionlog.Record{
		SessionID:   s.ID,
		Phase:       string(phase),
		Rationale:   rationale,
		Invocations: invs,
	})
	if o.ledger != nil {
		if err := o.ledger.AppendRecord(ctx, rec); err != nil {
			o.logger.Warn("ledger append failed", zap.Error(err))
		}
	}
	if o.publisher != nil {
		if err := o.publisher.PublishRecord(ctx, rec); err != nil {
			o.logger.Debug("record publish failed", zap.Error(err))
		}
	}
}

// perceive gathers situation facts. It degrades to unknown facts
// rather than failing, and always transitions to REASON.
func (o *Orchestrator) perceive(ctx context.Context, s *Session) {
	var invs []*capability.Invocation

	// Freshness comes through the capability boundary like any other
	// external observation.
	if _, ok := o.registry.Get(capFreshness); ok {
		inv := o.dispatcher.Dispatch(ctx, capability.Request{Name: capFreshness})
		invs = append(invs, inv)
		if inv.Result.Success {
			s.facts["data_freshness"] = inv.Result.Data
		} else {
			s.facts["data_freshness"] = "unknown"
		}
	} else {
		s.facts["data_freshness"] = "unknown"
	}

	s.facts["model_performance"] = o.modelPerformance()
	s.facts["recent_sessions"] = o.recentOutcomes(ctx)
	if len(s.notes) > 0 {
		s.facts["session_notes"] = s.notes
	}

	o.record(ctx, s, PhasePerceive, "gathered freshness, model performance, and session history", invs)
	s.Phase = PhaseReason
}

func (o *Orchestrator) modelPerformance() any {
	if o.models == nil {
		return "none"
	}
	type perf struct {
		Target  string             `json:"target"`
		Kind    string             `json:"kind"`
		Metrics map[string]float64 `json:"metrics"`
	}
	var out []perf
	for _, target := range o.models.Targets() {
		for _, c := range o.models.Candidates(target) {
			if c.Metrics == nil {
				continue
			}
			out = append(out, perf{Target: target, Kind: string(c.Kind), Metrics: c.Metrics})
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return out
}

func (o *Orchestrator) recentOutcomes(ctx context.Context) any {
	if o.ledger == nil {
		return "unknown"
	}
	sums, err := o.ledger.RecentSummaries(ctx, 5)
	if err != nil || len(sums) == 0 {
		return "unknown"
	}
	return sums
}

// reason consults the oracle. A failed call is retried once with the
// strict contract reminder; a second failure ends the session.
func (o *Orchestrator) reason(ctx context.Context, s *Session) {
	sit := &oracle.Situation{
		Goal:         s.Goal,
		Facts:        s.facts,
		History:      s.notes,
		Capabilities: o.registry.List(),
	}

	decision, err := o.consult(ctx, sit)
	if err != nil {
		for attempt := 0; attempt < o.cfg.OracleRetries; attempt++ {
			o.logger.Warn("oracle call failed, retrying with strict contract",
				zap.String("session", s.ID), zap.Error(err))
			// The retry gets its own copy; the situation already handed
			// to the oracle stays exactly as it was consulted.
			strict := *sit
			strict.Strict = true
			decision, err = o.consult(ctx, &strict)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		o.record(ctx, s, PhaseReason, fmt.Sprintf("oracle failed after retry: %v", err), nil)
		o.fail(ctx, s, fmt.Sprintf("reasoning oracle failed twice: %v", err))
		return
	}

	if decision.Done {
		o.record(ctx, s, PhaseReason, "oracle returned a tool-free termination", nil)
		o.succeed(ctx, s, decision.Summary)
		return
	}

	s.pendingPlan = decision.Invocations
	rationale := decision.Rationale
	if rationale == "" {
		rationale = fmt.Sprintf("oracle proposed %d invocation(s)", len(decision.Invocations))
	}
	o.record(ctx, s, PhaseReason, rationale, nil)
	s.Phase = PhasePlan
}

func (o *Orchestrator) consult(ctx context.Context, sit *oracle.Situation) (*oracle.Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.OracleTimeout())
	defer cancel()
	return o.oracle.Decide(cctx, sit)
}

// plan validates the oracle's proposal against the registry. An invalid
// plan loops back to REASON with the validation error in context; it
// does not consume the oracle retry budget.
func (o *Orchestrator) plan(ctx context.Context, s *Session) {
	err := o.registry.ValidatePlan(s.pendingPlan)
	if err == nil {
		o.record(ctx, s, PhasePlan,
			fmt.Sprintf("plan validated: %d invocation(s)", len(s.pendingPlan)), nil)
		s.Phase = PhaseAct
		return
	}

	s.planRejections++
	o.record(ctx, s, PhasePlan, fmt.Sprintf("plan rejected (ValidationFailed): %v", err), nil)

	if s.planRejections > o.cfg.PlanRetries {
		o.fail(ctx, s, fmt.Sprintf("oracle produced %d invalid plans, last error: %v",
			s.planRejections, err))
		return
	}

	s.notes = append(s.notes, fmt.Sprintf("previous plan was rejected: %v", err))
	s.pendingPlan = nil
	s.Phase = PhaseReason
}

// act executes the validated plan. Every invocation is attempted so
// REFLECT sees the complete picture; a single failure never
// short-circuits the phase.
func (o *Orchestrator) act(ctx context.Context, s *Session) {
	invs := o.dispatcher.DispatchAll(ctx, s.pendingPlan)
	s.lastInvocations = invs
	s.pendingPlan = nil

	ok := 0
	for _, inv := range invs {
		if inv.Result.Success {
			ok++
		}
	}
	o.record(ctx, s, PhaseAct,
		fmt.Sprintf("executed %d invocation(s), %d succeeded", len(invs), ok), invs)
	s.Phase = PhaseReflect
}

// reflect classifies the ACT outcomes: goal satisfied, recoverable, or
// unrecoverable.
func (o *Orchestrator) reflect(ctx context.Context, s *Session) {
	var (
		produced      *forecast.Result
		unrecoverable []string
		failures      []string
	)

	for _, inv := range s.lastInvocations {
		if inv.Result.Success {
			if r, ok := inv.Result.Data.(*forecast.Result); ok {
				produced = r
			}
			continue
		}

		kind := inv.Result.Kind()
		failures = append(failures, fmt.Sprintf("%s: %s", inv.Capability, inv.Result.Message))

		switch kind {
		case capability.ErrNoData, capability.ErrNoModelAvailable:
			unrecoverable = append(unrecoverable, inv.Result.Message)
		case capability.ErrInternal:
			s.internalFailures[inv.Capability]++
			if s.internalFailures[inv.Capability] > 1 {
				unrecoverable = append(unrecoverable,
					fmt.Sprintf("capability %q failed internally twice", inv.Capability))
			}
		}
	}

	if produced != nil {
		s.Forecast = produced
		o.record(ctx, s, PhaseReflect,
			fmt.Sprintf("forecast produced by %s model (%d steps)", produced.Kind, produced.Horizon), nil)
		o.succeed(ctx, s, fmt.Sprintf(
			"Generated a %d-step demand forecast using the %s model (candidate %s).",
			produced.Horizon, produced.Kind, produced.CandidateID))
		return
	}

	if len(unrecoverable) > 0 {
		o.record(ctx, s, PhaseReflect,
			"unrecoverable failure: "+strings.Join(unrecoverable, "; "), nil)
		o.fail(ctx, s, strings.Join(unrecoverable, "; "))
		return
	}

	if len(failures) > 0 {
		o.record(ctx, s, PhaseReflect,
			"recoverable failures, adapting: "+strings.Join(failures, "; "), nil)
	} else {
		o.record(ctx, s, PhaseReflect, "all invocations succeeded, feeding results back", nil)
	}
	s.Phase = PhaseAdapt
}

// adapt folds the latest outcomes into the situation context and loops
// back to REASON, unless the iteration cap is reached.
func (o *Orchestrator) adapt(ctx context.Context, s *Session) {
	s.Iteration++
	if s.Iteration >= o.cfg.MaxIterations {
		o.record(ctx, s, PhaseAdapt,
			fmt.Sprintf("iteration cap (%d) reached", o.cfg.MaxIterations), nil)
		o.fail(ctx, s, fmt.Sprintf(
			"reasoning divergence: did not converge within %d iterations", o.cfg.MaxIterations))
		return
	}

	for _, inv := range s.lastInvocations {
		note := fmt.Sprintf("%s -> %s", inv.Capability, inv.Outcome)
		if inv.Result.Message != "" {
			note += ": " + compact(inv.Result.Message, 200)
		}
		if inv.Result.Success && inv.Result.Data != nil {
			note += " | data: " + compact(fmt.Sprintf("%v", inv.Result.Data), 400)
		}
		s.notes = append(s.notes, note)
	}
	s.lastInvocations = nil

	o.record(ctx, s, PhaseAdapt,
		fmt.Sprintf("iteration %d: situation updated with last results", s.Iteration), nil)
	s.Phase = PhaseReason
}

func (o *Orchestrator) succeed(ctx context.Context, s *Session, summary string) {
	s.State = StateSucceeded
	s.Phase = PhaseDone
	s.Summary = summary
	s.FinishedAt = time.Now()
	o.record(ctx, s, PhaseDone, summary, nil)
}

// fail terminates the session with a human-readable reason, keeping the
// last forecast as the best available partial result.
func (o *Orchestrator) fail(ctx context.Context, s *Session, reason string) {
	s.State = StateFailed
	s.Phase = PhaseFailed
	s.Summary = reason
	if s.Forecast != nil {
		s.Summary += fmt.Sprintf(
			" (a previously generated %d-step %s forecast is still available)",
			s.Forecast.Horizon, s.Forecast.Kind)
	}
	s.FinishedAt = time.Now()
	o.record(ctx, s, PhaseFailed, reason, nil)
}

// finish writes the terminal summary to the cross-session ledger and
// fans it out to the notifiers.
func (o *Orchestrator) finish(s *Session) {
	sum := s.terminalSummary()

	// Terminal bookkeeping still runs when the session context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if o.ledger != nil {
		if err := o.ledger.AppendSummary(ctx, sum); err != nil {
			o.logger.Warn("summary append failed", zap.Error(err))
		}
	}
	for _, n := range o.notifiers {
		if err := n.SessionFinished(ctx, sum); err != nil {
			o.logger.Warn("notification failed",
				zap.String("notifier", n.Name()), zap.Error(err))
		}
	}

	o.logger.Info("session finished",
		zap.String("session", s.ID),
		zap.String("state", string(s.State)),
		zap.Int("iterations", s.Iteration),
		zap.Int("phases", s.Log.Len()))
}

func compact(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
