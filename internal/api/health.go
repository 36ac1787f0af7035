package api

import "net/http"

// HandleHealth reports process liveness.
//
// GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealthReady reports readiness to serve traffic, including the
// backing store when a check is configured.
//
// GET /health/ready
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	if s.ReadyCheck != nil {
		if err := s.ReadyCheck(r.Context()); err != nil {
			errorJSON(w, "not ready: "+err.Error(), "UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
