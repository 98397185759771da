package api

import "net/http"

type privacyToggleResponse struct {
	Status    string `json:"status"`
	SocksPort int    `json:"socks_port,omitempty"`
}

type privacyStatusResponse struct {
	Enabled   bool `json:"enabled"`
	SocksPort int  `json:"socks_port,omitempty"`
}

// handlePrivacyEnable handles POST /api/privacy/enable: starts the
// anonymizing egress supervisor and blocks until its readiness probe
// succeeds or the supervisor reports a startup failure.
func (s *Server) handlePrivacyEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.egress.Enable(r.Context()); err != nil {
		writeRuntimeUnavailableError(w, err)
		return
	}
	snap := s.egress.Status()
	writeJSON(w, http.StatusOK, privacyToggleResponse{Status: "enabled", SocksPort: snap.ListenPort})
}

// handlePrivacyDisable handles POST /api/privacy/disable.
func (s *Server) handlePrivacyDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.egress.Disable(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, privacyToggleResponse{Status: "disabled"})
}

// handlePrivacyStatus handles GET /api/privacy/status.
func (s *Server) handlePrivacyStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.egress.Status()
	writeJSON(w, http.StatusOK, privacyStatusResponse{Enabled: snap.Enabled, SocksPort: snap.ListenPort})
}
