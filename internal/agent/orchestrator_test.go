package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/config"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/oracle"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/store"
	"go.uber.org/zap"
)

// memSource is an in-memory DataSource over a fixed hourly series.
type memSource struct {
	points []forecast.Point
	err    error
}

func (m *memSource) Query(_ context.Context, start, end time.Time) ([]forecast.Point, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []forecast.Point
	for _, p := range m.points {
		if !p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memSource) LatestTimestamp(_ context.Context) (time.Time, error) {
	if m.err != nil {
		return time.Time{}, m.err
	}
	if len(m.points) == 0 {
		return time.Time{}, nil
	}
	return m.points[len(m.points)-1].Timestamp, nil
}

func (m *memSource) Summary(_ context.Context) (*store.DemandSummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	sum := &store.DemandSummary{TotalRows: int64(len(m.points))}
	if len(m.points) > 0 {
		sum.Earliest = m.points[0].Timestamp
		sum.Latest = m.points[len(m.points)-1].Timestamp
	}
	return sum, nil
}

// hourlySeries builds n hourly observations ending at end, with a daily
// demand shape so every model kind can train on it.
func hourlySeries(end time.Time, n int) []forecast.Point {
	points := make([]forecast.Point, n)
	start := end.Add(-time.Duration(n-1) * time.Hour)
	for i := range points {
		ts := start.Add(time.Duration(i) * time.Hour)
		base := 15000.0 + 3000.0*float64(ts.Hour())/23.0
		points[i] = forecast.Point{Timestamp: ts, Value: base + float64(i%7)*40}
	}
	return points
}

type orchFixture struct {
	orch   *Orchestrator
	ledger *decisionlog.MemoryLedger
	source *memSource
}

func newFixture(t *testing.T, o oracle.Oracle, cfg config.AgentConfig, extras ...capability.Descriptor) *orchFixture {
	t.Helper()
	logger := zap.NewNop()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	source := &memSource{points: hourlySeries(now.Add(-30*time.Minute), 30*24)}
	models := forecast.NewManager(forecast.Config{}, logger)
	ledger := decisionlog.NewMemoryLedger()

	reg := capability.NewRegistry()
	if err := RegisterBuiltins(reg, Deps{
		Source: source,
		Models: models,
		Ledger: ledger,
		Now:    func() time.Time { return now },
	}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	for _, d := range extras {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	reg.Freeze()

	orch := New(Options{
		Registry:   reg,
		Dispatcher: capability.NewDispatcher(reg, 30*time.Second, 2, logger),
		Oracle:     o,
		Models:     models,
		Ledger:     ledger,
		Config:     cfg,
		Logger:     logger,
	})
	return &orchFixture{orch: orch, ledger: ledger, source: source}
}

func forecastPlan(horizon int) *oracle.Decision {
	return &oracle.Decision{
		Rationale: "data is fresh, proceed to forecast",
		Invocations: []capability.Request{{
			Name:      "generate_forecast",
			Arguments: map[string]any{"horizon_hours": float64(horizon)},
		}},
	}
}

func TestRunProducesForecastEndToEnd(t *testing.T) {
	scripted := oracle.NewScripted(oracle.Plan(forecastPlan(24)))
	fx := newFixture(t, scripted, config.AgentConfig{})

	s := fx.orch.Run(context.Background(), "forecast Ontario demand for the next 24 hours")

	if s.State != StateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", s.State, s.Summary)
	}
	if s.Forecast == nil {
		t.Fatal("session succeeded without a forecast")
	}
	if len(s.Forecast.Points) != 24 {
		t.Fatalf("forecast has %d points, want 24", len(s.Forecast.Points))
	}
	for i, p := range s.Forecast.Points {
		if p.Lower > p.Estimate || p.Estimate > p.Upper {
			t.Fatalf("point %d: bounds not ordered: %v <= %v <= %v", i, p.Lower, p.Estimate, p.Upper)
		}
	}

	// Exactly one record per executed phase, in loop order.
	wantPhases := []Phase{PhasePerceive, PhaseReason, PhasePlan, PhaseAct, PhaseReflect, PhaseDone}
	recs := s.Log.Records()
	if len(recs) != len(wantPhases) {
		t.Fatalf("got %d phase records, want %d: %+v", len(recs), len(wantPhases), recs)
	}
	for i, rec := range recs {
		if rec.Phase != string(wantPhases[i]) {
			t.Fatalf("record %d phase = %s, want %s", i, rec.Phase, wantPhases[i])
		}
		if rec.Seq != i {
			t.Fatalf("record %d seq = %d", i, rec.Seq)
		}
	}

	sums, err := fx.ledger.RecentSummaries(context.Background(), 1)
	if err != nil || len(sums) != 1 {
		t.Fatalf("ledger summaries = %v, %v", sums, err)
	}
	if sums[0].State != "succeeded" || sums[0].SessionID != s.ID {
		t.Fatalf("ledger summary = %+v", sums[0])
	}
}

func TestRunSucceedsOnToolFreeTermination(t *testing.T) {
	scripted := oracle.NewScripted(oracle.Plan(&oracle.Decision{
		Done:    true,
		Summary: "data is stale; forecasting would mislead, so no forecast was produced",
	}))
	fx := newFixture(t, scripted, config.AgentConfig{})

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", s.State)
	}
	if s.Forecast != nil {
		t.Fatal("tool-free termination must not carry a forecast")
	}
	if s.Summary == "" {
		t.Fatal("summary must carry the oracle's explanation")
	}
}

func TestOracleFailureRetriesStrictThenFails(t *testing.T) {
	scripted := oracle.NewScripted(
		oracle.Fail(errors.New("malformed json")),
		oracle.Fail(errors.New("malformed json again")),
	)
	fx := newFixture(t, scripted, config.AgentConfig{})

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateFailed {
		t.Fatalf("state = %s, want failed", s.State)
	}

	sits := scripted.Situations()
	if len(sits) != 2 {
		t.Fatalf("oracle consulted %d times, want 2", len(sits))
	}
	if sits[0].Strict {
		t.Fatal("first consultation must not be strict")
	}
	if !sits[1].Strict {
		t.Fatal("retry must carry the strict contract reminder")
	}
}

func TestInvalidPlanLoopsBackWithoutExecution(t *testing.T) {
	// First plan names an unknown capability; the repaired plan succeeds.
	scripted := oracle.NewScripted(
		oracle.Plan(&oracle.Decision{Invocations: []capability.Request{{Name: "summon_demand"}}}),
		oracle.Plan(forecastPlan(12)),
	)
	fx := newFixture(t, scripted, config.AgentConfig{})

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded after replan", s.State, s.Summary)
	}
	if scripted.Calls() != 2 {
		t.Fatalf("oracle consulted %d times, want 2", scripted.Calls())
	}

	// The rejected plan never reached ACT: no invocation record exists
	// for the unknown capability.
	for _, rec := range s.Log.Records() {
		for _, inv := range rec.Invocations {
			if inv.Capability == "summon_demand" {
				t.Fatal("rejected plan was executed")
			}
		}
	}

	// The replan situation carries the rejection note.
	sits := scripted.Situations()
	last := sits[len(sits)-1]
	found := false
	for _, h := range last.History {
		if strings.Contains(h, "rejected") {
			found = true
		}
	}
	if !found {
		t.Fatalf("replan situation lacks the rejection note: %v", last.History)
	}
}

func TestTwoInvalidPlansThenValidThird(t *testing.T) {
	bad := oracle.Plan(&oracle.Decision{Invocations: []capability.Request{{Name: "bogus"}}})
	scripted := oracle.NewScripted(bad, bad, oracle.Plan(forecastPlan(24)))
	fx := newFixture(t, scripted, config.AgentConfig{})

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded on the third plan", s.State, s.Summary)
	}

	rejections := 0
	for _, rec := range s.Log.Records() {
		if rec.Phase == string(PhasePlan) && strings.Contains(rec.Rationale, "ValidationFailed") {
			rejections++
		}
	}
	if rejections != 2 {
		t.Fatalf("recorded %d plan rejections, want 2", rejections)
	}
}

func TestRepeatedInvalidPlansFailSession(t *testing.T) {
	bad := oracle.Plan(&oracle.Decision{Invocations: []capability.Request{{Name: "nope"}}})
	scripted := oracle.NewScripted(bad, bad, bad, bad, bad, bad)
	fx := newFixture(t, scripted, config.AgentConfig{PlanRetries: 2})

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateFailed {
		t.Fatalf("state = %s, want failed", s.State)
	}
	// Initial attempt plus PlanRetries replans.
	if scripted.Calls() != 3 {
		t.Fatalf("oracle consulted %d times, want 3", scripted.Calls())
	}
}

func TestIterationCapFailsSession(t *testing.T) {
	// Every iteration queries data and loops; the cap must stop it.
	probe := oracle.Plan(&oracle.Decision{
		Invocations: []capability.Request{{Name: "get_current_time"}},
	})
	scripted := oracle.NewScripted(probe, probe, probe, probe, probe, probe, probe, probe)
	fx := newFixture(t, scripted, config.AgentConfig{MaxIterations: 3})

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateFailed {
		t.Fatalf("state = %s, want failed", s.State)
	}
	if s.Iteration != 3 {
		t.Fatalf("iterations = %d, want 3", s.Iteration)
	}
	if !strings.Contains(s.Summary, "did not converge") {
		t.Fatalf("summary = %q", s.Summary)
	}
}

func TestInternalErrorFatalOnSecondOccurrence(t *testing.T) {
	// A capability that always fails internally: the first failure is
	// recoverable and loops through ADAPT, the second occurrence for the
	// same capability ends the session.
	broken := capability.Descriptor{
		Name:        "refresh_demand_feed",
		Description: "pulls the upstream demand feed",
		Exec: func(context.Context, capability.Args) (*capability.ResultEnvelope, error) {
			return capability.Failure(capability.ErrInternal, "feed connector crashed"), nil
		},
	}
	plan := oracle.Plan(&oracle.Decision{
		Invocations: []capability.Request{{Name: "refresh_demand_feed"}},
	})
	scripted := oracle.NewScripted(plan, plan, plan)
	fx := newFixture(t, scripted, config.AgentConfig{MaxIterations: 10}, broken)

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateFailed {
		t.Fatalf("state = %s, want failed", s.State)
	}
	if !strings.Contains(s.Summary, "failed internally twice") {
		t.Fatalf("summary = %q", s.Summary)
	}
	// One replan after the first failure, none after the second.
	if scripted.Calls() != 2 {
		t.Fatalf("oracle consulted %d times, want 2", scripted.Calls())
	}
}

func TestNoDataIsUnrecoverable(t *testing.T) {
	scripted := oracle.NewScripted(oracle.Plan(forecastPlan(24)))
	fx := newFixture(t, scripted, config.AgentConfig{})
	fx.source.points = nil // empty store

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateFailed {
		t.Fatalf("state = %s, want failed", s.State)
	}
	if scripted.Calls() != 1 {
		t.Fatalf("oracle consulted %d times after unrecoverable failure, want 1", scripted.Calls())
	}
}

func TestContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scripted := oracle.NewScripted(oracle.Plan(forecastPlan(24)))
	fx := newFixture(t, scripted, config.AgentConfig{})

	s := fx.orch.Run(ctx, "forecast demand")
	if s.State != StateAborted {
		t.Fatalf("state = %s, want aborted", s.State)
	}
}

func TestPerceiveDegradesWhenSourceFails(t *testing.T) {
	scripted := oracle.NewScripted(oracle.Plan(&oracle.Decision{
		Done: true, Summary: "nothing to do",
	}))
	fx := newFixture(t, scripted, config.AgentConfig{})
	fx.source.err = fmt.Errorf("connection refused")

	s := fx.orch.Run(context.Background(), "forecast demand")
	if s.State != StateSucceeded {
		t.Fatalf("state = %s, want succeeded despite perception degradation", s.State)
	}

	sits := scripted.Situations()
	if got := sits[0].Facts["data_freshness"]; got != "unknown" {
		t.Fatalf("freshness fact = %v, want unknown", got)
	}
}
