package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/api"
	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/models"
)

// catalogRefresh is how old the loaded catalog may get before a tool call
// reloads it.
const catalogRefresh = 30 * time.Second

type ListCampaignsInput struct {
	ActiveOnly bool `json:"active_only,omitempty" jsonschema:"only list campaigns that are active and inside their schedule"`
}

type CampaignSummary struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Active           bool                `json:"active"`
	InSchedule       bool                `json:"in_schedule"`
	Operator         string              `json:"operator,omitempty"`
	Triggers         []string            `json:"triggers"`
	Caps             models.FrequencyCap `json:"caps"`
	RespectGlobalCap bool                `json:"respect_global_cap"`
	ConfigError      string              `json:"config_error,omitempty"`
}

type ListCampaignsOutput struct {
	Campaigns []CampaignSummary        `json:"campaigns"`
	GlobalCap models.GlobalCapSettings `json:"global_cap"`
}

type VisitorInput struct {
	CampaignID string `json:"campaign_id" jsonschema:"campaign to inspect"`
	VisitorID  string `json:"visitor_id" jsonschema:"storefront visitor ID"`
	SessionID  string `json:"session_id,omitempty" jsonschema:"visitor session ID; session counters read as zero when empty"`
}

type FrequencyStatusOutput struct {
	CampaignID string                   `json:"campaign_id"`
	Counters   logic.Counters           `json:"counters"`
	Limits     models.FrequencyCap      `json:"limits"`
	GlobalCap  models.GlobalCapSettings `json:"global_cap"`
}

type CheckAdmissionOutput struct {
	CampaignID string `json:"campaign_id"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// OpsServer answers operator questions about campaigns and visitor caps.
// Nothing it does changes a counter.
type OpsServer struct {
	source  api.CatalogSource
	catalog *models.InMemoryCatalog
	caps    *logic.FrequencyCapService
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	loadedAt time.Time
}

func NewOpsServer(source api.CatalogSource, caps *logic.FrequencyCapService, logger *zap.Logger) *OpsServer {
	return &OpsServer{
		source:  source,
		catalog: models.NewInMemoryCatalog(),
		caps:    caps,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *OpsServer) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loadedAt.IsZero() && s.now().Sub(s.loadedAt) < catalogRefresh {
		return nil
	}
	campaigns, err := s.source.LoadCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	settings, err := s.source.LoadGlobalCapSettings(ctx)
	if err != nil {
		return fmt.Errorf("load global cap settings: %w", err)
	}
	if err := s.catalog.ReloadAll(campaigns, settings); err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	s.loadedAt = s.now()
	s.logger.Info("catalog loaded", zap.Int("campaigns", len(campaigns)))
	return nil
}

func (s *OpsServer) lookup(ctx context.Context, in VisitorInput) (models.Campaign, error) {
	if in.CampaignID == "" || in.VisitorID == "" {
		return models.Campaign{}, fmt.Errorf("campaign_id and visitor_id are required")
	}
	if err := s.refresh(ctx); err != nil {
		return models.Campaign{}, err
	}
	c, err := s.catalog.GetCampaign(in.CampaignID)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("campaign %q: %w", in.CampaignID, err)
	}
	return c, nil
}

// ListCampaigns implements the list_campaigns tool.
func (s *OpsServer) ListCampaigns(ctx context.Context, req *mcp.CallToolRequest, input ListCampaignsInput) (*mcp.CallToolResult, ListCampaignsOutput, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, ListCampaignsOutput{}, err
	}
	now := s.now()
	out := ListCampaignsOutput{Campaigns: []CampaignSummary{}, GlobalCap: s.catalog.GlobalCap()}
	for _, c := range s.catalog.GetAllCampaigns() {
		inSchedule := models.ScheduleActive(c, now)
		if input.ActiveOnly && !inSchedule {
			continue
		}
		sum := CampaignSummary{
			ID:               c.ID,
			Name:             c.Name,
			Active:           c.Active,
			InSchedule:       inSchedule,
			Operator:         string(c.Triggers.Operator),
			Triggers:         []string{},
			Caps:             c.FrequencyCap,
			RespectGlobalCap: c.RespectGlobalCap,
		}
		for _, k := range c.Triggers.Kinds() {
			sum.Triggers = append(sum.Triggers, string(k))
		}
		if c.ConfigErr != nil {
			sum.ConfigError = c.ConfigErr.Error()
		}
		out.Campaigns = append(out.Campaigns, sum)
	}
	return nil, out, nil
}

// FrequencyStatus implements the frequency_status tool.
func (s *OpsServer) FrequencyStatus(ctx context.Context, req *mcp.CallToolRequest, input VisitorInput) (*mcp.CallToolResult, FrequencyStatusOutput, error) {
	c, err := s.lookup(ctx, input)
	if err != nil {
		return nil, FrequencyStatusOutput{}, err
	}
	counters, err := s.caps.Status(ctx, c, models.Visitor{VisitorID: input.VisitorID, SessionID: input.SessionID})
	if err != nil {
		return nil, FrequencyStatusOutput{}, err
	}
	return nil, FrequencyStatusOutput{
		CampaignID: c.ID,
		Counters:   counters,
		Limits:     c.FrequencyCap,
		GlobalCap:  s.catalog.GlobalCap(),
	}, nil
}

// CheckAdmission implements the check_admission tool. It runs the schedule
// check and the cap pre-check a decision would run, without triggers and
// without counting a display.
func (s *OpsServer) CheckAdmission(ctx context.Context, req *mcp.CallToolRequest, input VisitorInput) (*mcp.CallToolResult, CheckAdmissionOutput, error) {
	c, err := s.lookup(ctx, input)
	if err != nil {
		return nil, CheckAdmissionOutput{}, err
	}
	out := CheckAdmissionOutput{CampaignID: c.ID}
	switch {
	case c.ConfigErr != nil:
		out.Reason = logic.ReasonInvalidConfig.Label()
	case !models.ScheduleActive(c, s.now()):
		out.Reason = logic.ReasonSchedule.Label()
	default:
		a := s.caps.Check(ctx, c, models.Visitor{VisitorID: input.VisitorID, SessionID: input.SessionID}, s.catalog.GlobalCap())
		out.Allowed = a.Allowed
		out.Reason = a.Reason.Label()
		out.Degraded = a.Degraded
	}
	return nil, out, nil
}

func registerTools(server *mcp.Server, ops *OpsServer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_campaigns",
		Description: "List popup campaigns with their triggers, frequency caps and configuration errors",
	}, ops.ListCampaigns)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "frequency_status",
		Description: "Show a visitor's display counters for a campaign, including store-wide counters and cooldown",
	}, ops.FrequencyStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_admission",
		Description: "Check whether a campaign could currently be shown to a visitor, ignoring triggers. Does not count a display",
	}, ops.CheckAdmission)
}
