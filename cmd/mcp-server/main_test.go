package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/triggers"
)

type staticSource struct {
	campaigns []models.Campaign
	settings  models.GlobalCapSettings
	err       error
	loads     int
}

func (s *staticSource) LoadCampaigns(context.Context) ([]models.Campaign, error) {
	s.loads++
	return s.campaigns, s.err
}

func (s *staticSource) LoadGlobalCapSettings(context.Context) (models.GlobalCapSettings, error) {
	return s.settings, nil
}

func newOps(t *testing.T, src *staticSource) (*OpsServer, *logic.FrequencyCapService) {
	t.Helper()
	caps := logic.NewFrequencyCapService(db.NewMemoryStore(nil), nil, logic.CapConfig{}, zap.NewNop(), nil)
	return NewOpsServer(src, caps, zap.NewNop()), caps
}

func scrollCampaign(t *testing.T, id string, fc models.FrequencyCap) models.Campaign {
	t.Helper()
	set, err := triggers.NewSet(triggers.OperatorOR, triggers.ScrollDepth{DepthPercentage: 50})
	require.NoError(t, err)
	return models.Campaign{ID: id, Name: id, Active: true, Triggers: set, FrequencyCap: fc, RespectGlobalCap: true}
}

func TestListCampaigns(t *testing.T) {
	src := &staticSource{campaigns: []models.Campaign{
		scrollCampaign(t, "a", models.FrequencyCap{MaxPerSession: 2}),
		{ID: "broken", Active: true, ConfigErr: triggers.ErrInvalidConfig},
		{ID: "paused"},
	}}
	ops, _ := newOps(t, src)

	_, out, err := ops.ListCampaigns(context.Background(), nil, ListCampaignsInput{})
	require.NoError(t, err)
	require.Len(t, out.Campaigns, 3)
	assert.Equal(t, []string{"scroll_depth"}, out.Campaigns[0].Triggers)
	assert.NotEmpty(t, out.Campaigns[1].ConfigError)

	_, out, err = ops.ListCampaigns(context.Background(), nil, ListCampaignsInput{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, out.Campaigns, 2, "paused campaign filtered")
	assert.Equal(t, 1, src.loads, "catalog cached between calls")
}

func TestCatalogRefreshesWhenStale(t *testing.T) {
	src := &staticSource{campaigns: []models.Campaign{scrollCampaign(t, "a", models.FrequencyCap{})}}
	ops, _ := newOps(t, src)
	now := time.Date(2025, 5, 24, 10, 0, 0, 0, time.UTC)
	ops.now = func() time.Time { return now }

	_, _, err := ops.ListCampaigns(context.Background(), nil, ListCampaignsInput{})
	require.NoError(t, err)
	now = now.Add(catalogRefresh)
	_, _, err = ops.ListCampaigns(context.Background(), nil, ListCampaignsInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestFrequencyStatusAndCheckAdmission(t *testing.T) {
	c := scrollCampaign(t, "a", models.FrequencyCap{MaxPerSession: 1})
	ops, caps := newOps(t, &staticSource{campaigns: []models.Campaign{c}})
	ctx := context.Background()
	in := VisitorInput{CampaignID: "a", VisitorID: "v1", SessionID: "s1"}

	_, check, err := ops.CheckAdmission(ctx, nil, in)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, "none", check.Reason)

	require.NoError(t, caps.RecordDisplay(ctx, c, models.Visitor{VisitorID: "v1", SessionID: "s1"}, models.GlobalCapSettings{}))

	_, status, err := ops.FrequencyStatus(ctx, nil, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Counters.Session)
	assert.Equal(t, 1, status.Limits.MaxPerSession)

	_, check, err = ops.CheckAdmission(ctx, nil, in)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, string(logic.ReasonSessionCap), check.Reason)

	// Checking never counts.
	_, status, err = ops.FrequencyStatus(ctx, nil, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Counters.Session)
}

func TestCheckAdmissionInvalidConfig(t *testing.T) {
	bad := models.Campaign{ID: "broken", Active: true, ConfigErr: triggers.ErrInvalidConfig}
	ops, _ := newOps(t, &staticSource{campaigns: []models.Campaign{bad}})

	_, out, err := ops.CheckAdmission(context.Background(), nil, VisitorInput{CampaignID: "broken", VisitorID: "v1"})
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, string(logic.ReasonInvalidConfig), out.Reason)
}

func TestToolErrors(t *testing.T) {
	src := &staticSource{}
	ops, _ := newOps(t, src)

	_, _, err := ops.FrequencyStatus(context.Background(), nil, VisitorInput{CampaignID: "a"})
	assert.Error(t, err, "visitor_id required")

	_, _, err = ops.FrequencyStatus(context.Background(), nil, VisitorInput{CampaignID: "nope", VisitorID: "v1"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	src.err = errors.New("postgres down")
	ops.loadedAt = time.Time{}
	_, _, err = ops.ListCampaigns(context.Background(), nil, ListCampaignsInput{})
	assert.Error(t, err)
}
