package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByTargetFormat   map[string]int `json:"by_target_format"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	AvgQueueWaitMS   float64        `json:"avg_queue_wait_ms"`
	TotalInputBytes  int64          `json:"total_input_bytes"`
	TotalOutputBytes int64          `json:"total_output_bytes"`
	QueueDepth       int            `json:"queue_depth"`
	Workers          int            `json:"workers"`
	Available        int            `json:"available_workers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetConversionStats(r.Context())
	if err != nil {
		s.logger.Error("get conversion stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	ps := s.pool.Stats()

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByTargetFormat:   stats.CountByTargetFormat,
		AvgDurationMS:    stats.AvgDurationMS,
		AvgQueueWaitMS:   stats.AvgQueueWaitMS,
		TotalInputBytes:  stats.TotalInputBytes,
		TotalOutputBytes: stats.TotalOutputBytes,
		QueueDepth:       ps.QueueDepth,
		Workers:          len(ps.Workers),
		Available:        ps.Available(),
	})
}
