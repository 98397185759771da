package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/store"
)

type createSessionRequest struct {
	UserID         string `json:"user_id"`
	ContainerImage string `json:"container_image,omitempty"`
}

type sessionResponse struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	Image        string    `json:"container_image"`
	WebsocketURL string    `json:"websocket_url"`
	CreatedAt    time.Time `json:"created_at"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		SessionID:    sess.ID,
		Status:       string(sess.Status),
		Image:        sess.Image,
		WebsocketURL: fmt.Sprintf("/pty/%s", sess.ID),
		CreatedAt:    sess.CreatedAt,
	}
}

// handleCreateSession handles POST /api/sessions. Rate limiting happens
// before provisioning so a noisy caller never consumes a container slot.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := validateCreateSessionRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	if s.limiter != nil {
		windowStart := time.Now().Truncate(time.Duration(s.cfg.RateLimit.WindowSeconds) * time.Second)
		count, err := s.limiter.IncrRate(req.UserID, "create_session", windowStart)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if count > s.cfg.RateLimit.MaxRequests {
			writeRateLimitedError(w)
			return
		}
	}

	sess, err := s.manager.Create(r.Context(), req.UserID, req.ContainerImage)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleListSessions handles GET /api/sessions?user_id=...
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeValidationError(w, "user_id query parameter is required", nil)
		return
	}

	sessions, err := s.manager.ListByUser(r.Context(), userID, 100)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSession handles GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleDeleteSession handles DELETE /api/sessions/{id}. A session already
// Terminated (or unknown) is a no-op returning 200; otherwise the delete is
// accepted and torn down, returning 202.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	alreadyTerminal, err := s.manager.Delete(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if alreadyTerminal {
		writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}
