package api

import (
	"net/http"
	"time"
)

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	campaigns := 0
	if s.Catalog != nil {
		campaigns = len(s.Catalog.GetAllCampaigns())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"campaigns":      campaigns,
		"failure_policy": string(s.Decider.Caps().Policy()),
	})

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
