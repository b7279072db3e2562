package logic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"
	"github.com/patrickwarner/popgate/internal/triggers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type deciderFixture struct {
	*capFixture
	global  *models.InMemoryCatalog
	sink    *recordingSink
	decider *Decider
}

func newDeciderFixture(t *testing.T, opts ...DeciderOption) *deciderFixture {
	f := newCapFixture(t, CapConfig{})
	global := models.NewInMemoryCatalog()
	sink := newRecordingSink(nil)
	logger := zaptest.NewLogger(t)
	opts = append([]DeciderOption{WithClock(f.clk), WithDisplaySink(sink)}, opts...)
	d, err := NewDecider(f.caps, triggers.NewManager(logger, f.metrics), global, logger, f.metrics, opts...)
	require.NoError(t, err)
	return &deciderFixture{capFixture: f, global: global, sink: sink, decider: d}
}

func withTriggers(t *testing.T, c models.Campaign, config string) models.Campaign {
	set, err := triggers.ParseConfig([]byte(config))
	require.NoError(t, err)
	c.Triggers = set
	return c
}

func TestDecideORExampleWithNeverResolvingSibling(t *testing.T) {
	f := newDeciderFixture(t)
	c := withTriggers(t, campaign("popup", models.FrequencyCap{}),
		`{"page_load":{"enabled":true,"delay":0},"scroll_depth":{"enabled":true,"depth":50},"combinationOperator":"OR"}`)
	page := triggers.NewPage(f.clk)

	dec := f.decider.Decide(context.Background(), Request{Campaign: c, Visitor: visitor, Env: page})

	assert.True(t, dec.Show)
	assert.Equal(t, triggers.KindPageLoad, dec.ResolvedBy)
	assert.NotEmpty(t, dec.DecisionID)
	assert.Zero(t, page.Subscribers(triggers.EventScroll), "scroll subscription released")
	assert.Equal(t, 1, f.metrics.Count(f.metrics.Decisions, "show/none"))
}

func TestDecideCapDemo(t *testing.T) {
	f := newDeciderFixture(t)
	c := campaign("cap-demo", models.FrequencyCap{MaxPerSession: 2})

	var got []Reason
	for i := 0; i < 3; i++ {
		got = append(got, f.decider.Decide(context.Background(), Request{Campaign: c, Visitor: visitor}).Reason)
	}
	assert.Equal(t, []Reason{ReasonNone, ReasonNone, ReasonSessionCap}, got)
	assert.Equal(t, 2, f.metrics.Count(f.metrics.Displays, SourceDecision))
}

func TestDecideDenials(t *testing.T) {
	f := newDeciderFixture(t, WithTriggerWait(20*time.Millisecond))
	ctx := context.Background()

	invalid := campaign("broken", models.FrequencyCap{})
	invalid.ConfigErr = triggers.ErrInvalidConfig

	inactive := campaign("off", models.FrequencyCap{})
	inactive.Active = false

	waiting := withTriggers(t, campaign("exit", models.FrequencyCap{}),
		`{"exit_intent":{"enabled":true}}`)

	tests := []struct {
		name   string
		c      models.Campaign
		reason Reason
	}{
		{"invalid config", invalid, ReasonInvalidConfig},
		{"outside schedule", inactive, ReasonSchedule},
		{"triggers not met before wait budget", waiting, ReasonTriggersNotMet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := f.decider.Decide(ctx, Request{Campaign: tt.c, Visitor: visitor, Env: triggers.NewPage(f.clk)})
			assert.False(t, dec.Show)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
	assert.Zero(t, f.metrics.Count(f.metrics.Displays, SourceDecision))
}

func TestDecidePreCheckSkipsTriggerEvaluation(t *testing.T) {
	f := newDeciderFixture(t)
	c := withTriggers(t, campaign("cool", models.FrequencyCap{Cooldown: time.Minute}),
		`{"cart_value":{"enabled":true,"min":10}}`)
	page := triggers.NewPage(f.clk, triggers.WithCartTotal(20))

	require.True(t, f.decider.Decide(context.Background(), Request{Campaign: c, Visitor: visitor, Env: page}).Show)
	dec := f.decider.Decide(context.Background(), Request{Campaign: c, Visitor: visitor, Env: page})

	assert.Equal(t, ReasonCooldown, dec.Reason)
	assert.Equal(t, 1, f.metrics.Count(f.metrics.TriggerResults, "cart_value/met"), "second decision stops before triggers")
}

func TestDecideTriggersNotMetLeavesCountersUntouched(t *testing.T) {
	f := newDeciderFixture(t)
	c := withTriggers(t, campaign("cart", models.FrequencyCap{MaxPerSession: 1}),
		`{"cart_value":{"enabled":true,"min":100}}`)
	page := triggers.NewPage(f.clk, triggers.WithCartTotal(20))

	dec := f.decider.Decide(context.Background(), Request{Campaign: c, Visitor: visitor, Env: page})
	require.Equal(t, ReasonTriggersNotMet, dec.Reason)

	counters, err := f.caps.Status(context.Background(), c, visitor)
	require.NoError(t, err)
	assert.Zero(t, counters.Session)
}

func TestDecideUsesGlobalCapFromSource(t *testing.T) {
	f := newDeciderFixture(t)
	a := campaign("a", models.FrequencyCap{MaxPerSession: 10})
	b := campaign("b", models.FrequencyCap{MaxPerSession: 10})
	require.NoError(t, f.global.ReloadAll([]models.Campaign{a, b}, models.GlobalCapSettings{Enabled: true, MaxPerSession: 1}))

	ctx := context.Background()
	assert.True(t, f.decider.Decide(ctx, Request{Campaign: a, Visitor: visitor}).Show)
	assert.Equal(t, ReasonGlobalCap, f.decider.Decide(ctx, Request{Campaign: b, Visitor: visitor}).Reason)
}

func TestDecideEmitsDisplayRecord(t *testing.T) {
	f := newDeciderFixture(t)
	c := campaign("rec", models.FrequencyCap{})
	c.Variant = "B"

	dec := f.decider.Decide(context.Background(), Request{Campaign: c, Visitor: visitor, DeviceType: "mobile"})
	require.True(t, dec.Show)

	select {
	case rec := <-f.sink.records:
		assert.Equal(t, dec.DecisionID, rec.DecisionID)
		assert.Equal(t, "rec", rec.CampaignID)
		assert.Equal(t, "B", rec.Variant)
		assert.Equal(t, "mobile", rec.DeviceType)
		assert.Equal(t, SourceDecision, rec.Source)
		assert.Equal(t, testStart, rec.Timestamp)
	default:
		t.Fatal("expected a display record")
	}
}

func TestConfirmDisplayForwardsEachDecisionOnce(t *testing.T) {
	f := newDeciderFixture(t, WithConfirmWindow(time.Hour))
	ctx := context.Background()
	rec := models.DisplayRecord{DecisionID: "d1", CampaignID: "c", VisitorID: visitor.VisitorID, Source: SourceToken}

	assert.True(t, f.decider.ConfirmDisplay(ctx, rec))
	assert.False(t, f.decider.ConfirmDisplay(ctx, rec), "replay inside the window")
	other := rec
	other.DecisionID = "d2"
	assert.True(t, f.decider.ConfirmDisplay(ctx, other))
	assert.Len(t, f.sink.records, 2)

	f.clk.Advance(time.Hour + time.Second)
	assert.True(t, f.decider.ConfirmDisplay(ctx, rec), "window elapsed")
	assert.Len(t, f.sink.records, 3)
}

func TestConfirmDisplayForwardsWhenStoreFails(t *testing.T) {
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMockMetricsRegistry()
	sink := newRecordingSink(nil)
	caps := NewFrequencyCapService(failingStore{}, nil, CapConfig{}, logger, metrics)
	d, err := NewDecider(caps, triggers.NewManager(logger, metrics), models.NewInMemoryCatalog(), logger, metrics, WithDisplaySink(sink))
	require.NoError(t, err)

	rec := models.DisplayRecord{DecisionID: "d1", CampaignID: "c", Source: SourceToken}
	assert.True(t, d.ConfirmDisplay(context.Background(), rec))
	assert.True(t, d.ConfirmDisplay(context.Background(), rec))
	assert.Len(t, sink.records, 2)
}

func TestDecideSinkFailureDoesNotChangeDecision(t *testing.T) {
	f := newDeciderFixture(t)
	f.sink.err = errors.New("clickhouse down")

	dec := f.decider.Decide(context.Background(), Request{Campaign: campaign("c", models.FrequencyCap{}), Visitor: visitor})
	assert.True(t, dec.Show)
	assert.Equal(t, 1, f.metrics.SinkErrors)
}

func TestDecideDegradedWhenStoreFailsOpen(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	logger := zaptest.NewLogger(t)
	caps := NewFrequencyCapService(failingStore{}, nil, CapConfig{}, logger, metrics)
	d, err := NewDecider(caps, nil, nil, logger, metrics)
	require.NoError(t, err)

	dec := d.Decide(context.Background(), Request{Campaign: campaign("c", models.FrequencyCap{MaxPerSession: 1}), Visitor: visitor})
	assert.True(t, dec.Show)
	assert.True(t, dec.Degraded)
}

func TestDecideDebugTrace(t *testing.T) {
	f := newDeciderFixture(t)
	dec := f.decider.Decide(context.Background(), Request{Campaign: campaign("c", models.FrequencyCap{}), Visitor: visitor, Debug: true})
	require.NotNil(t, dec.Trace)

	var stages []string
	for _, s := range dec.Trace.Steps {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"config", "schedule", "cap_check", "triggers", "cap_commit"}, stages)

	plain := f.decider.Decide(context.Background(), Request{Campaign: campaign("d", models.FrequencyCap{}), Visitor: visitor})
	assert.Nil(t, plain.Trace)
}

func TestDecideAllIsolatesCampaigns(t *testing.T) {
	f := newDeciderFixture(t)
	broken := campaign("broken", models.FrequencyCap{})
	broken.ConfigErr = triggers.ErrInvalidConfig

	slow := withTriggers(t, campaign("slow", models.FrequencyCap{}), `{"time_on_page":{"enabled":true,"seconds":5}}`)
	page := triggers.NewPage(f.clk)

	done := make(chan []Decision)
	go func() {
		done <- f.decider.DecideAll(context.Background(), []Request{
			{Campaign: broken, Visitor: visitor, Env: page},
			{Campaign: slow, Visitor: visitor, Env: page},
			{Campaign: campaign("fast", models.FrequencyCap{}), Visitor: visitor, Env: page},
		})
	}()

	require.Eventually(t, func() bool { return f.clk.Pending() > 0 }, time.Second, time.Millisecond)
	f.clk.Advance(5 * time.Second)

	decisions := <-done
	require.Len(t, decisions, 3)
	assert.Equal(t, ReasonInvalidConfig, decisions[0].Reason)
	assert.True(t, decisions[1].Show)
	assert.Equal(t, triggers.KindTimeOnPage, decisions[1].ResolvedBy)
	assert.True(t, decisions[2].Show)
}

func TestRecordDisplayCountsTowardCaps(t *testing.T) {
	f := newDeciderFixture(t)
	c := campaign("legacy", models.FrequencyCap{MaxPerSession: 1})
	ctx := context.Background()

	err := f.decider.RecordDisplay(ctx, c, models.DisplayRecord{VisitorID: visitor.VisitorID, SessionID: visitor.SessionID, Source: SourceToken})
	require.NoError(t, err)

	rec := <-f.sink.records
	assert.NotEmpty(t, rec.DecisionID)
	assert.Equal(t, "legacy", rec.CampaignID)
	assert.Equal(t, 1, f.metrics.Count(f.metrics.Displays, SourceToken))

	assert.Equal(t, ReasonSessionCap, f.decider.Decide(ctx, Request{Campaign: c, Visitor: visitor}).Reason)
}

func TestRecordDisplayRejectsMismatchedCampaign(t *testing.T) {
	f := newDeciderFixture(t)
	err := f.decider.RecordDisplay(context.Background(), campaign("a", models.FrequencyCap{}), models.DisplayRecord{CampaignID: "b"})
	assert.Error(t, err)
}

func TestNewDeciderRequiresCaps(t *testing.T) {
	_, err := NewDecider(nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilCapService)
}
