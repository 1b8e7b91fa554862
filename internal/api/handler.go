// Package api exposes the agent over HTTP: start a forecasting session,
// inspect its decision log, browse session history and model candidates.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/agent"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch   *agent.Orchestrator
	ledger decisionlog.Ledger
	models *forecast.Manager
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *agent.Orchestrator, ledger decisionlog.Ledger, models *forecast.Manager, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, ledger: ledger, models: models, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.healthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.runSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/history", h.listHistory)
		r.Get("/models", h.listModels)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ieso-agent"})
}

type sessionRequest struct {
	Goal string `json:"goal"`
}

type sessionResponse struct {
	ID         string               `json:"id"`
	Goal       string               `json:"goal"`
	State      string               `json:"state"`
	Summary    string               `json:"summary"`
	Iterations int                  `json:"iterations"`
	Forecast   *forecast.Result     `json:"forecast,omitempty"`
	Records    []decisionlog.Record `json:"records"`
}

// runSession executes a full agent session and returns its terminal
// state. The session runs under the request context: a dropped client
// aborts it.
func (h *Handler) runSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Goal == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "goal is required"})
		return
	}

	s := h.orch.Run(r.Context(), req.Goal)
	writeJSON(w, http.StatusOK, sessionResponse{
		ID:         s.ID,
		Goal:       s.Goal,
		State:      string(s.State),
		Summary:    s.Summary,
		Iterations: s.Iteration,
		Forecast:   s.Forecast,
		Records:    s.Log.Records(),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := h.ledger.SessionRecords(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(recs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"records":    recs,
	})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 100 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1..100"})
			return
		}
		limit = n
	}
	sums, err := h.ledger.RecentSummaries(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sums == nil {
		sums = []decisionlog.Summary{}
	}
	writeJSON(w, http.StatusOK, sums)
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	out := map[string][]*forecast.Candidate{}
	for _, target := range h.models.Targets() {
		out[target] = h.models.Candidates(target)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
