package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/models"
)

// FrequencyStatus is returned by GET /frequency.
type FrequencyStatus struct {
	CampaignID string                   `json:"campaign_id"`
	VisitorID  string                   `json:"visitor_id"`
	SessionID  string                   `json:"session_id"`
	Counters   logic.Counters           `json:"counters"`
	Limits     models.FrequencyCap      `json:"limits"`
	Global     models.GlobalCapSettings `json:"global"`
}

// FrequencyStatusHandler reports a visitor's counters for one campaign
// without changing them.
func (s *Server) FrequencyStatusHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "frequency"
	const method = "GET"

	q := r.URL.Query()
	campaignID, visitorID, sessionID := q.Get("campaign_id"), q.Get("visitor_id"), q.Get("session_id")
	status := "200"
	defer func() {
		s.Metrics.IncrementRequests(endpoint, method, status)
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}()

	if campaignID == "" || visitorID == "" {
		status = "400"
		http.Error(w, "campaign_id and visitor_id required", http.StatusBadRequest)
		return
	}
	c, err := s.Catalog.GetCampaign(campaignID)
	if err != nil {
		status = "404"
		http.Error(w, "unknown campaign", http.StatusNotFound)
		return
	}

	v := models.Visitor{VisitorID: visitorID, SessionID: sessionID}
	counters, err := s.Decider.Caps().Status(r.Context(), c, v)
	if err != nil {
		s.Logger.Warn("frequency status", zap.String("campaign_id", campaignID), zap.Error(err))
		status = "503"
		http.Error(w, "counter store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, FrequencyStatus{
		CampaignID: c.ID,
		VisitorID:  visitorID,
		SessionID:  sessionID,
		Counters:   counters,
		Limits:     c.FrequencyCap,
		Global:     s.Catalog.GlobalCap(),
	})
}
