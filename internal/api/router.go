// Package api holds the admin surface: thin request/response handlers for
// session CRUD, health, and anonymity toggles. The stream routes live in
// internal/transport; everything here is synchronous JSON over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sandkasten-oss/termbroker/internal/config"
)

// Version is overridden at build time via -ldflags and reported by
// /health.
var Version = "dev"

type Server struct {
	cfg     *config.Config
	manager SessionService
	egress  EgressService
	limiter RateLimiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config, mgr SessionService, egress EgressService, limiter RateLimiter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		egress:  egress,
		limiter: limiter,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	s.mux.HandleFunc("POST /api/privacy/enable", s.handlePrivacyEnable)
	s.mux.HandleFunc("POST /api/privacy/disable", s.handlePrivacyDisable)
	s.mux.HandleFunc("GET /api/privacy/status", s.handlePrivacyStatus)

	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeValidationError(w, "invalid json body: "+err.Error(), nil)
		return false
	}
	return true
}
