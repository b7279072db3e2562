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
	"github.com/patrickwarner/popgate/internal/triggers"
)

const maxDecideBody = 64 << 10

// PageSignals is the page state reported by the storefront script.
type PageSignals struct {
	TimeOnPageMS int64    `json:"time_on_page_ms"`
	ScrollDepth  int      `json:"scroll_depth"`
	CartTotal    *float64 `json:"cart_total,omitempty"`
	Visible      []string `json:"visible,omitempty"`
	ExitIntent   bool     `json:"exit_intent"`
}

// DecideRequest is the body of POST /decide.
type DecideRequest struct {
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`
	// CampaignIDs limits the decision to these campaigns; empty means all.
	CampaignIDs []string          `json:"campaign_ids,omitempty"`
	Variants    map[string]string `json:"variants,omitempty"`
	Signals     PageSignals       `json:"signals"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Debug       bool              `json:"debug,omitempty"`
}

// DecisionResponse is one campaign's outcome plus a display token when
// the campaign should be shown.
type DecisionResponse struct {
	logic.Decision
	Token string `json:"token,omitempty"`
}

// DecideResponse is the body returned by POST /decide.
type DecideResponse struct {
	Decisions        []DecisionResponse `json:"decisions"`
	UnknownCampaigns []string           `json:"unknown_campaigns,omitempty"`
}

func (p PageSignals) page(now time.Time) *triggers.Page {
	opts := []triggers.PageOption{
		triggers.WithLoadedAt(now.Add(-time.Duration(p.TimeOnPageMS) * time.Millisecond)),
		triggers.WithScrollDepth(p.ScrollDepth),
		triggers.WithVisible(p.Visible...),
	}
	if p.CartTotal != nil {
		opts = append(opts, triggers.WithCartTotal(*p.CartTotal))
	} else {
		opts = append(opts, triggers.WithCartError(errors.New("cart total not reported")))
	}
	if p.ExitIntent {
		opts = append(opts, triggers.WithExitedTop())
	}
	return triggers.NewPage(nil, opts...)
}

// DecideHandler handles POST /decide. It decides every requested campaign
// for the visitor in parallel.
func (s *Server) DecideHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "DecideHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/decide"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "decide"
	const method = "POST"
	fail := func(status int, msg string) {
		span.SetStatus(codes.Error, msg)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, msg, status)
	}

	var req DecideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDecideBody)).Decode(&req); err != nil {
		logger.Warn("invalid decide request", zap.Error(err))
		fail(http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.VisitorID == "" || req.SessionID == "" {
		fail(http.StatusBadRequest, "visitor_id and session_id required")
		return
	}
	span.SetAttributes(attribute.String("visitor.id", req.VisitorID))

	if s.Limiter != nil && !s.Limiter.Allow(req.VisitorID) {
		logger.Debug("rate limited", zap.String("visitor_id", req.VisitorID))
		fail(http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	client := logic.ResolveClient(r.UserAgent())
	resp := DecideResponse{Decisions: []DecisionResponse{}}
	if client.IsBot {
		// Bots never see campaigns and never consume a visitor's caps.
		s.writeJSON(w, http.StatusOK, resp)
		s.Metrics.IncrementRequests(endpoint, method, "200")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	campaigns, unknown := s.selectCampaigns(req.CampaignIDs)
	resp.UnknownCampaigns = unknown

	visitor := models.Visitor{VisitorID: req.VisitorID, SessionID: req.SessionID}
	country := s.GeoIP.Country(logic.ClientIP(r))
	page := req.Signals.page(time.Now())
	reqs := make([]logic.Request, len(campaigns))
	for i, c := range campaigns {
		reqs[i] = logic.Request{
			Campaign:   c,
			Visitor:    visitor,
			Env:        page,
			Variant:    req.Variants[c.ID],
			DeviceType: client.DeviceType,
			Country:    country,
			Debug:      req.Debug,
		}
	}

	for _, dec := range s.Decider.DecideAll(ctx, reqs) {
		out := DecisionResponse{Decision: dec}
		if dec.Show && len(s.TokenSecret) > 0 {
			tok, err := token.Generate(token.Claims{
				DecisionID: dec.DecisionID,
				CampaignID: dec.CampaignID,
				VisitorID:  visitor.VisitorID,
				SessionID:  visitor.SessionID,
				Variant:    dec.Variant,
				Trigger:    string(dec.ResolvedBy),
				DeviceType: client.DeviceType,
				IssuedAt:   time.Now(),
				Attributes: req.Attributes,
			}, s.TokenSecret)
			if err != nil {
				logger.Warn("display token not issued",
					zap.String("decision_id", dec.DecisionID),
					zap.Error(err))
			}
			out.Token = tok
		}
		if s.Sampler.Sample() {
			logger.Info("decision",
				zap.String("decision_id", dec.DecisionID),
				zap.String("campaign_id", dec.CampaignID),
				zap.String("visitor_id", visitor.VisitorID),
				zap.Bool("show", dec.Show),
				zap.String("reason", dec.Reason.Label()),
				zap.Bool("degraded", dec.Degraded))
		}
		resp.Decisions = append(resp.Decisions, out)
	}

	s.writeJSON(w, http.StatusOK, resp)
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func (s *Server) selectCampaigns(ids []string) ([]models.Campaign, []string) {
	if len(ids) == 0 {
		return s.Catalog.GetAllCampaigns(), nil
	}
	var (
		campaigns []models.Campaign
		unknown   []string
	)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c, err := s.Catalog.GetCampaign(id)
		if err != nil {
			unknown = append(unknown, id)
			continue
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, unknown
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("encode response", zap.Error(err))
	}
}
