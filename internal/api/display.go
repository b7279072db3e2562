package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/middleware"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/token"
)

// pixelGIF is a transparent 1x1 GIF returned by the display beacon.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// DisplayBeaconHandler handles GET /display?t=<token>. The page fires it
// once a popup a decision allowed has actually rendered. The display was
// already counted by the decision, so only the record is written, once per
// decision however often the token is replayed.
func (s *Server) DisplayBeaconHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "DisplayBeaconHandler",
		trace.WithAttributes(
			attribute.String("http.method", "GET"),
			attribute.String("http.route", "/display"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "display_beacon"
	const method = "GET"

	tok := r.URL.Query().Get("t")
	if tok == "" {
		logger.Warn("missing token")
		s.Metrics.IncrementRequests(endpoint, method, "401")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := token.Verify(tok, s.TokenSecret, s.TokenTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid token")
		logger.Warn("token verify", zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "401")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	span.SetAttributes(
		attribute.String("decision_id", claims.DecisionID),
		attribute.String("campaign_id", claims.CampaignID),
	)

	first := s.Decider.ConfirmDisplay(ctx, models.DisplayRecord{
		DecisionID: claims.DecisionID,
		CampaignID: claims.CampaignID,
		VisitorID:  claims.VisitorID,
		SessionID:  claims.SessionID,
		Variant:    claims.Variant,
		Trigger:    claims.Trigger,
		DeviceType: claims.DeviceType,
		Country:    s.GeoIP.Country(logic.ClientIP(r)),
		Source:     logic.SourceToken,
	})
	if !first {
		span.SetAttributes(attribute.Bool("display.repeat", true))
		logger.Debug("repeated display beacon", zap.String("decision_id", claims.DecisionID))
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}

// DisplayRequest is the body of POST /display.
type DisplayRequest struct {
	CampaignID string `json:"campaign_id"`
	VisitorID  string `json:"visitor_id"`
	SessionID  string `json:"session_id"`
	Variant    string `json:"variant,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

// RecordDisplayHandler handles POST /display for storefronts that show
// popups without asking for a decision. The display is counted against
// every cap that applies to the campaign.
func (s *Server) RecordDisplayHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "RecordDisplayHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/display"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "display"
	const method = "POST"
	fail := func(status int, msg string) {
		span.SetStatus(codes.Error, msg)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, msg, status)
	}

	var req DisplayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDecideBody)).Decode(&req); err != nil {
		fail(http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CampaignID == "" || req.VisitorID == "" || req.SessionID == "" {
		fail(http.StatusBadRequest, "campaign_id, visitor_id and session_id required")
		return
	}
	c, err := s.Catalog.GetCampaign(req.CampaignID)
	if err != nil {
		fail(http.StatusNotFound, "unknown campaign")
		return
	}
	if req.DeviceType == "" {
		req.DeviceType = logic.ResolveClient(r.UserAgent()).DeviceType
	}

	err = s.Decider.RecordDisplay(ctx, c, models.DisplayRecord{
		CampaignID: c.ID,
		VisitorID:  req.VisitorID,
		SessionID:  req.SessionID,
		Variant:    req.Variant,
		Trigger:    req.Trigger,
		DeviceType: req.DeviceType,
		Country:    s.GeoIP.Country(logic.ClientIP(r)),
		Source:     logic.SourceDirect,
	})
	if err != nil {
		span.RecordError(err)
		logger.Error("record display", zap.String("campaign_id", c.ID), zap.Error(err))
		if errors.Is(err, logic.ErrStoreUnavailable) {
			fail(http.StatusServiceUnavailable, "counter store unavailable")
			return
		}
		fail(http.StatusInternalServerError, "record display failed")
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "204")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}
