package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports ok while at least one worker can take work.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.pool.Live() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
