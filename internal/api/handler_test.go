package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/agent"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/config"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/oracle"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/store"
	"go.uber.org/zap"
)

// staticSource serves a canned hourly series without a database.
type staticSource struct {
	points []forecast.Point
}

func (s *staticSource) Query(_ context.Context, start, end time.Time) ([]forecast.Point, error) {
	var out []forecast.Point
	for _, p := range s.points {
		if !p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *staticSource) LatestTimestamp(_ context.Context) (time.Time, error) {
	if len(s.points) == 0 {
		return time.Time{}, nil
	}
	return s.points[len(s.points)-1].Timestamp, nil
}

func (s *staticSource) Summary(_ context.Context) (*store.DemandSummary, error) {
	return &store.DemandSummary{TotalRows: int64(len(s.points))}, nil
}

// newTestHandler wires a handler around an in-memory ledger and a
// scripted oracle that forecasts 6 hours ahead on its first plan.
func newTestHandler(t *testing.T) (http.Handler, *decisionlog.MemoryLedger) {
	t.Helper()
	logger := zap.NewNop()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	points := make([]forecast.Point, 14*24)
	start := now.Add(-time.Duration(len(points)) * time.Hour)
	for i := range points {
		points[i] = forecast.Point{
			Timestamp: start.Add(time.Duration(i+1) * time.Hour),
			Value:     15000 + float64(i%24)*120,
		}
	}
	source := &staticSource{points: points}

	models := forecast.NewManager(forecast.Config{}, logger)
	ledger := decisionlog.NewMemoryLedger()

	reg := capability.NewRegistry()
	if err := agent.RegisterBuiltins(reg, agent.Deps{
		Source: source,
		Models: models,
		Ledger: ledger,
		Now:    func() time.Time { return now },
	}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	reg.Freeze()

	scripted := oracle.NewScripted(oracle.Plan(&oracle.Decision{
		Rationale: "forecast directly",
		Invocations: []capability.Request{{
			Name:      "generate_forecast",
			Arguments: map[string]any{"horizon_hours": float64(6)},
		}},
	}))

	orch := agent.New(agent.Options{
		Registry:   reg,
		Dispatcher: capability.NewDispatcher(reg, 30*time.Second, 2, logger),
		Oracle:     scripted,
		Models:     models,
		Ledger:     ledger,
		Config:     config.AgentConfig{},
		Logger:     logger,
	})

	h := NewHandler(orch, ledger, models, logger)
	return h.Router(), ledger
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestRunSessionEndToEnd(t *testing.T) {
	router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions", map[string]string{
		"goal": "forecast the next 6 hours of Ontario demand",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body sessionResponse
	decodeJSON(t, resp, &body)
	if body.State != "succeeded" {
		t.Fatalf("state = %s (%s)", body.State, body.Summary)
	}
	if body.Forecast == nil || len(body.Forecast.Points) != 6 {
		t.Fatalf("forecast = %+v", body.Forecast)
	}
	if len(body.Records) == 0 {
		t.Fatal("decision log missing from response")
	}

	// The finished session is queryable from the ledger.
	resp = getJSON(t, ts, "/api/sessions/"+body.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
}

func TestRunSessionRequiresGoal(t *testing.T) {
	router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownSession(t *testing.T) {
	router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/sessions/no-such-id")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryAndModels(t *testing.T) {
	router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// No sessions yet: history is an empty list, not null.
	resp := getJSON(t, ts, "/api/history")
	var sums []decisionlog.Summary
	decodeJSON(t, resp, &sums)
	if len(sums) != 0 {
		t.Fatalf("history = %v", sums)
	}

	postJSON(t, ts, "/api/sessions", map[string]string{"goal": "forecast"}).Body.Close()

	resp = getJSON(t, ts, "/api/history")
	decodeJSON(t, resp, &sums)
	if len(sums) != 1 || sums[0].State != "succeeded" {
		t.Fatalf("history = %+v", sums)
	}

	resp = getJSON(t, ts, "/api/models")
	var models map[string][]*forecast.Candidate
	decodeJSON(t, resp, &models)
	if len(models["ontario"]) == 0 {
		t.Fatal("trained candidates missing from /api/models")
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/history?limit=9999")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
