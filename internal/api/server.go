// Package api implements the HTTP surface for the studio agent: the
// run endpoint the panel calls, a WebSocket event stream, and debug
// transcript views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/patchbay-audio/patchbay/internal/agent"
	"github.com/patchbay-audio/patchbay/internal/buildinfo"
	"github.com/patchbay-audio/patchbay/internal/events"
	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/session"
	"github.com/patchbay-audio/patchbay/internal/transcript"
)

// allowedOrigin is the studio panel's dev server. It is the only
// origin the API accepts cross-origin requests from.
const allowedOrigin = "http://127.0.0.1:5173"

// AgentRunner runs one agent request to completion. Implemented by
// *agent.Engine.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	agent       AgentRunner
	transcripts *transcript.Store
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner AgentRunner, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		agent:   runner,
		logger:  logger,
	}
}

// SetTranscripts configures the store backing the transcript endpoints.
func (s *Server) SetTranscripts(ts *transcript.Store) {
	s.transcripts = ts
}

// SetBus configures the event bus backing the WebSocket event stream.
func (s *Server) SetBus(b *events.Bus) {
	s.bus = b
}

// Handler builds the full routing table with middleware applied. Start
// uses it; tests can drive it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agent/run", s.handleRun)
	mux.HandleFunc("GET /agent/events", s.handleEvents)

	mux.HandleFunc("GET /v1/transcripts", s.handleTranscriptList)
	mux.HandleFunc("GET /v1/transcripts/{id}", s.handleTranscriptGet)
	mux.HandleFunc("GET /v1/transcripts/{id}/html", s.handleTranscriptHTML)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.address, s.port),
		Handler: s.Handler(),
		// No blanket write timeout: agent runs and the event stream
		// both outlive any sane fixed deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withCORS admits the studio panel's origin and answers preflights.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowedOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			reqHeaders := r.Header.Get("Access-Control-Request-Headers")
			if reqHeaders == "" {
				reqHeaders = "Content-Type"
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Patchbay",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// RunRequest is the request body the studio panel sends.
type RunRequest struct {
	Prompt      string        `json:"prompt"`
	Messages    []llm.Message `json:"messages,omitempty"`
	LLMProvider string        `json:"llmProvider,omitempty"`
	LLMAPIKey   string        `json:"llmApiKey,omitempty"`
	ProjectURL  string        `json:"projectUrl,omitempty"`
	AuthTokens  *AuthTokens   `json:"authTokens,omitempty"`
}

// AuthTokens carries the panel's studio session credentials.
type AuthTokens struct {
	AccessToken  string `json:"accessToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	ClientID     string `json:"clientId"`
	RedirectURL  string `json:"redirectUrl"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refreshToken"`
}

func (a *AuthTokens) credentials() *session.Credentials {
	if a == nil {
		return nil
	}
	return &session.Credentials{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.ExpiresAt,
		ClientID:     a.ClientID,
		RedirectURL:  a.RedirectURL,
		Scope:        a.Scope,
	}
}

// RunResponse is the reply the studio panel renders.
type RunResponse struct {
	Reply string `json:"reply"`
	RunID string `json:"runId,omitempty"`
}

// handleRun drives one agent request. Agent and session failures are
// returned as HTTP 200 with an explanatory reply: the panel renders
// whatever lands in reply, and a bare error status would show the user
// nothing at all. Only a malformed request body is a client error.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.agent.Run(r.Context(), agent.Request{
		Prompt:      req.Prompt,
		History:     req.Messages,
		Provider:    req.LLMProvider,
		APIKey:      req.LLMAPIKey,
		ProjectURL:  req.ProjectURL,
		Credentials: req.AuthTokens.credentials(),
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.logger.Error("agent run failed", "error", err)
		writeJSON(w, RunResponse{Reply: "Agent error: " + err.Error()}, s.logger)
		return
	}
	writeJSON(w, RunResponse{Reply: res.Reply, RunID: res.RunID}, s.logger)
}

// Transcript endpoints

func (s *Server) handleTranscriptList(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcripts not configured")
		return
	}

	limit := parseIntParam(r, "limit", 50)
	runs, err := s.transcripts.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("transcript list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"runs":  runs,
		"count": len(runs),
	}, s.logger)
}

func (s *Server) handleTranscriptGet(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, run, s.logger)
}

func (s *Server) handleTranscriptHTML(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	page, err := transcript.RenderHTML(run)
	if err != nil {
		s.logger.Error("transcript render failed", "error", err, "id", run.ID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render run")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write HTML response", "error", err)
	}
}

// loadRun fetches the run named in the path, writing the error response
// itself when the lookup fails.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*transcript.Run, bool) {
	if s.transcripts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcripts not configured")
		return nil, false
	}

	id := r.PathValue("id")
	run, err := s.transcripts.Get(r.Context(), id)
	if errors.Is(err, transcript.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("transcript get failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	return run, true
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
