package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/halcyonmed/scribe/internal/fragment"
	"github.com/halcyonmed/scribe/internal/ingest"
	"github.com/halcyonmed/scribe/internal/provider"
	"github.com/halcyonmed/scribe/internal/store"
	"github.com/halcyonmed/scribe/internal/workflow"
)

// SessionManager is the session surface the API needs. *session.Manager
// implements it.
type SessionManager interface {
	Start(ctx context.Context, sessionID, preferred string) error
	Stop(ctx context.Context, sessionID string) (*workflow.Run, error)
	Pause(sessionID string) error
	Resume(sessionID string) error
	Ingest(sessionID string, res provider.Result) error
	Stats(sessionID string) (ingest.Stats, error)
	RetryFailed(sessionID string) error
}

type Server struct {
	store    store.DataStore
	sessions SessionManager
	orch     *workflow.Orchestrator
	router   chi.Router
	port     int
}

func NewServer(s store.DataStore, sm SessionManager, orch *workflow.Orchestrator, port int) *Server {
	srv := &Server{
		store:    s,
		sessions: sm,
		orch:     orch,
		port:     port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/breakers", srv.handleBreakers)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/start", srv.handleStart)
			r.Post("/stop", srv.handleStop)
			r.Post("/pause", srv.handlePause)
			r.Post("/resume", srv.handleResume)
			r.Post("/results", srv.handleIngestResult)
			r.Get("/stats", srv.handleStats)
			r.Get("/transcript", srv.handleGetTranscript)
			r.Get("/workflow", srv.handleGetWorkflow)
			r.Post("/workflow/steps/{step}/run", srv.handleRunStep)
			r.Post("/queue/retry", srv.handleRetryQueue)
		})
	})

	srv.router = r
	return srv
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("starting HTTP API", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "scribe",
	})
}

type startRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req startRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Provider == "" {
		req.Provider = provider.PreferenceAuto
	}

	if err := s.sessions.Start(r.Context(), sessionID, req.Provider); err != nil {
		if errors.Is(err, provider.ErrNoProviderAvailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "state": "recording"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	run, err := s.sessions.Stop(r.Context(), sessionID)
	if err != nil {
		// The workflow may have partially failed while the transcript is
		// safely stored. Return what we have alongside the error.
		slog.Error("session stop failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"run":   run,
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.sessions.Pause(sessionID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "state": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.sessions.Resume(sessionID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "state": "recording"})
}

type resultRequest struct {
	Text         string                 `json:"text"`
	Confidence   float64                `json:"confidence"`
	IsFinal      bool                   `json:"is_final"`
	Speaker      string                 `json:"speaker,omitempty"`
	StartMS      int64                  `json:"start_ms"`
	EndMS        int64                  `json:"end_ms"`
	Alternatives []fragment.Alternative `json:"alternatives,omitempty"`
}

// handleIngestResult is the ingress for host-pushed recognition results, used
// by sessions running on the local (browser or on-device) recognizer.
func (s *Server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed result payload"})
		return
	}

	res := provider.Result{
		Text:          req.Text,
		Confidence:    req.Confidence,
		IsFinal:       req.IsFinal,
		Speaker:       fragment.Speaker(req.Speaker),
		Alternatives:  req.Alternatives,
		StartOffsetMS: req.StartMS,
		EndOffsetMS:   req.EndMS,
	}
	if err := s.sessions.Ingest(sessionID, res); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": "accepted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	stats, err := s.sessions.Stats(sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	t, err := s.store.GetTranscript(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Prefer the live in-memory run; fall back to persisted step state.
	if run, ok := s.orch.Run(sessionID); ok {
		writeJSON(w, http.StatusOK, run)
		return
	}

	steps, err := s.store.GetWorkflowSteps(r.Context(), sessionID)
	if err != nil {
		slog.Error("query workflow steps failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if len(steps) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "steps": steps})
}

type runStepRequest struct {
	Transcript string `json:"transcript"`
}

func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	step := chi.URLParam(r, "step")

	var req runStepRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	transcript := req.Transcript
	if transcript == "" {
		t, err := s.store.GetTranscript(r.Context(), sessionID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
			return
		}
		transcript = t.Text
	}

	if err := s.orch.RunStep(r.Context(), step, sessionID, transcript); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	run, _ := s.orch.Run(sessionID)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.sessions.RetryFailed(sessionID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": "retry scheduled"})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	breakers := s.orch.Breakers()
	out := make([]map[string]any, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, map[string]any{
			"name":     b.Name(),
			"state":    b.State().String(),
			"failures": b.Failures(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
