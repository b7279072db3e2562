package logic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"
	"github.com/patrickwarner/popgate/internal/triggers"
)

// Display sources reported on display records and metrics.
const (
	SourceDecision = "decision"
	SourceToken    = "token"
	SourceDirect   = "direct"
)

// DisplaySink receives display records after a display is counted. Sink
// failures never change a decision.
type DisplaySink interface {
	RecordDisplay(ctx context.Context, rec models.DisplayRecord) error
}

// GlobalCapSource provides the current store-wide cap settings.
type GlobalCapSource interface {
	GlobalCap() models.GlobalCapSettings
}

// ScheduleFunc reports whether a campaign is inside its schedule at now.
type ScheduleFunc func(c models.Campaign, now time.Time) bool

// Request asks whether Campaign may be displayed to Visitor on the page
// described by Env.
type Request struct {
	Campaign models.Campaign
	Visitor  models.Visitor
	Env      triggers.Environment
	// Variant is the experiment variant already assigned upstream.
	Variant    string
	DeviceType string
	Country    string
	// Debug asks for a DecisionTrace on the result.
	Debug bool
}

// Decision is the outcome for one campaign. A denial is a normal result,
// not an error.
type Decision struct {
	DecisionID string         `json:"decision_id"`
	CampaignID string         `json:"campaign_id"`
	Show       bool           `json:"show"`
	Reason     Reason         `json:"reason,omitempty"`
	ResolvedBy triggers.Kind  `json:"resolved_by,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
	Trace      *DecisionTrace `json:"trace,omitempty"`
}

// Decider composes schedule validity, the frequency cap pre-check, trigger
// evaluation and the frequency cap commit into one decision.
type Decider struct {
	caps     *FrequencyCapService
	triggers *triggers.Manager
	global   GlobalCapSource
	schedule ScheduleFunc
	sink     DisplaySink
	clk      clock.Clock
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
	tracer   trace.Tracer
	// triggerWait bounds trigger evaluation; zero waits for ctx only.
	triggerWait time.Duration
	// confirmWindow is how long a confirmed decision is remembered.
	confirmWindow time.Duration
}

// DefaultConfirmWindow remembers confirmed decisions for a day.
const DefaultConfirmWindow = 24 * time.Hour

// DeciderOption configures a Decider.
type DeciderOption func(*Decider)

// WithSchedule replaces models.ScheduleActive as the schedule check.
func WithSchedule(f ScheduleFunc) DeciderOption {
	return func(d *Decider) { d.schedule = f }
}

// WithDisplaySink sends every counted display to sink.
func WithDisplaySink(sink DisplaySink) DeciderOption {
	return func(d *Decider) { d.sink = sink }
}

// WithTriggerWait bounds how long trigger evaluation may take.
func WithTriggerWait(wait time.Duration) DeciderOption {
	return func(d *Decider) { d.triggerWait = wait }
}

// WithConfirmWindow sets how long ConfirmDisplay ignores repeats of a
// decision. It should be at least the display token lifetime.
func WithConfirmWindow(window time.Duration) DeciderOption {
	return func(d *Decider) {
		if window > 0 {
			d.confirmWindow = window
		}
	}
}

// WithClock sets the time source used for schedule checks and records.
func WithClock(clk clock.Clock) DeciderOption {
	return func(d *Decider) { d.clk = clk }
}

// NewDecider returns a Decider. global may be nil when no store-wide cap
// exists.
func NewDecider(caps *FrequencyCapService, mgr *triggers.Manager, global GlobalCapSource, logger *zap.Logger, metrics observability.MetricsRegistry, opts ...DeciderOption) (*Decider, error) {
	if caps == nil {
		return nil, ErrNilCapService
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NoopRegistry{}
	}
	if mgr == nil {
		mgr = triggers.NewManager(logger, metrics)
	}
	d := &Decider{
		caps:     caps,
		triggers: mgr,
		global:   global,
		schedule: models.ScheduleActive,
		clk:      clock.New(),
		logger:   logger,
		metrics:  metrics,
		tracer:   observability.Tracer("popgate/decision"),

		confirmWindow: DefaultConfirmWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Decider) globalCap() models.GlobalCapSettings {
	if d.global == nil {
		return models.GlobalCapSettings{}
	}
	return d.global.GlobalCap()
}

// Decide runs the pipeline for one campaign: config validity, schedule,
// cap pre-check, triggers, cap commit. Checks that are cheapest and most
// likely to deny run first. The commit re-checks the caps because trigger
// evaluation may take arbitrarily long.
func (d *Decider) Decide(ctx context.Context, req Request) Decision {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "Decide",
		trace.WithAttributes(
			attribute.String("campaign.id", req.Campaign.ID),
			attribute.String("visitor.id", req.Visitor.VisitorID),
		))
	defer span.End()

	dec := Decision{
		DecisionID: uuid.NewString(),
		CampaignID: req.Campaign.ID,
		Variant:    req.Variant,
	}
	if dec.Variant == "" {
		dec.Variant = req.Campaign.Variant
	}
	if req.Debug {
		dec.Trace = &DecisionTrace{}
	}

	d.decide(ctx, req, &dec)

	dec.Elapsed = time.Since(start)
	outcome := "deny"
	if dec.Show {
		outcome = "show"
	}
	span.SetAttributes(
		attribute.String("decision.outcome", outcome),
		attribute.String("decision.reason", dec.Reason.Label()),
		attribute.Bool("decision.degraded", dec.Degraded),
	)
	d.metrics.IncrementDecisions(outcome, dec.Reason.Label())
	d.metrics.RecordDecisionLatency(dec.Elapsed)
	return dec
}

func (d *Decider) decide(ctx context.Context, req Request, dec *Decision) {
	c := req.Campaign
	if c.ConfigErr != nil {
		dec.Trace.AddStepWithDetails("config", false, map[string]string{"error": c.ConfigErr.Error()})
		dec.Reason = ReasonInvalidConfig
		return
	}
	dec.Trace.AddStep("config", true)

	if !d.schedule(c, d.clk.Now()) {
		dec.Trace.AddStep("schedule", false)
		dec.Reason = ReasonSchedule
		return
	}
	dec.Trace.AddStep("schedule", true)

	global := d.globalCap()
	pre := d.caps.Check(ctx, c, req.Visitor, global)
	dec.Degraded = pre.Degraded
	if !pre.Allowed {
		dec.Trace.AddStepWithDetails("cap_check", false, map[string]string{"reason": string(pre.Reason)})
		dec.Reason = pre.Reason
		return
	}
	dec.Trace.AddStep("cap_check", true)

	outcome := d.evaluate(ctx, c, req.Env)
	dec.ResolvedBy = outcome.ResolvedBy
	if !outcome.Met {
		details := map[string]string{"elapsed": outcome.Elapsed.String()}
		if outcome.Err != nil {
			details["error"] = outcome.Err.Error()
		}
		dec.Trace.AddStepWithDetails("triggers", false, details)
		dec.Reason = ReasonTriggersNotMet
		return
	}
	dec.Trace.AddStepWithDetails("triggers", true, map[string]string{"resolved_by": string(outcome.ResolvedBy)})

	// The commit gets a fresh deadline so a long trigger wait cannot eat
	// into the counter store timeout.
	commit := d.caps.Commit(context.WithoutCancel(ctx), c, req.Visitor, global)
	dec.Degraded = dec.Degraded || commit.Degraded
	if !commit.Allowed {
		dec.Trace.AddStepWithDetails("cap_commit", false, map[string]string{"reason": string(commit.Reason)})
		dec.Reason = commit.Reason
		return
	}
	dec.Trace.AddStep("cap_commit", true)
	dec.Show = true

	d.metrics.IncrementDisplays(SourceDecision)
	d.emit(ctx, models.DisplayRecord{
		DecisionID: dec.DecisionID,
		CampaignID: c.ID,
		VisitorID:  req.Visitor.VisitorID,
		SessionID:  req.Visitor.SessionID,
		Variant:    dec.Variant,
		Trigger:    string(dec.ResolvedBy),
		DeviceType: req.DeviceType,
		Country:    req.Country,
		Source:     SourceDecision,
		Timestamp:  d.clk.Now(),
	})
}

func (d *Decider) evaluate(ctx context.Context, c models.Campaign, env triggers.Environment) triggers.Outcome {
	ctx, span := d.tracer.Start(ctx, "EvaluateTriggers",
		trace.WithAttributes(attribute.String("triggers.operator", string(c.Triggers.Operator))))
	defer span.End()

	if d.triggerWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.triggerWait)
		defer cancel()
	}
	if env == nil {
		env = triggers.NewPage(d.clk)
	}
	outcome := d.triggers.Evaluate(ctx, c.Triggers, env)
	span.SetAttributes(
		attribute.Bool("triggers.met", outcome.Met),
		attribute.String("triggers.resolved_by", string(outcome.ResolvedBy)),
	)
	return outcome
}

// DecideAll decides every request concurrently and returns the decisions
// in request order. A panic while deciding one campaign denies only that
// campaign.
func (d *Decider) DecideAll(ctx context.Context, reqs []Request) []Decision {
	out := make([]Decision, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("decision panicked",
						zap.String("campaign_id", reqs[i].Campaign.ID),
						zap.Any("panic", r))
					d.metrics.IncrementDecisions("deny", ReasonInternal.Label())
					out[i] = Decision{CampaignID: reqs[i].Campaign.ID, Reason: ReasonInternal}
				}
			}()
			out[i] = d.Decide(ctx, reqs[i])
		}(i)
	}
	wg.Wait()
	return out
}

// RecordDisplay counts a display that did not go through Decide, such as
// one reported by a legacy tracking endpoint, and forwards it to the sink.
// rec.CampaignID must match c.
func (d *Decider) RecordDisplay(ctx context.Context, c models.Campaign, rec models.DisplayRecord) error {
	ctx, span := d.tracer.Start(ctx, "RecordDisplay",
		trace.WithAttributes(attribute.String("campaign.id", c.ID)))
	defer span.End()

	if rec.CampaignID != "" && rec.CampaignID != c.ID {
		err := fmt.Errorf("display record for campaign %q does not match %q", rec.CampaignID, c.ID)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	rec.CampaignID = c.ID
	if rec.DecisionID == "" {
		rec.DecisionID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = d.clk.Now()
	}
	if rec.Source == "" {
		rec.Source = SourceDirect
	}

	v := models.Visitor{VisitorID: rec.VisitorID, SessionID: rec.SessionID}
	if err := d.caps.RecordDisplay(ctx, c, v, d.globalCap()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record display failed")
		return err
	}
	d.metrics.IncrementDisplays(rec.Source)
	d.emit(ctx, rec)
	return nil
}

func (d *Decider) emit(ctx context.Context, rec models.DisplayRecord) {
	if d.sink == nil {
		return
	}
	if err := d.sink.RecordDisplay(ctx, rec); err != nil {
		d.metrics.IncrementDisplaySinkErrors()
		d.logger.Warn("display sink failed",
			zap.String("decision_id", rec.DecisionID),
			zap.String("campaign_id", rec.CampaignID),
			zap.Error(err))
	}
}

// Caps returns the frequency cap service the Decider commits through.
func (d *Decider) Caps() *FrequencyCapService { return d.caps }

// GlobalCap returns the store-wide settings currently in effect.
func (d *Decider) GlobalCap() models.GlobalCapSettings { return d.globalCap() }

// ConfirmDisplay forwards a display that Decide already counted, such as a
// render beacon from the page, to the sink. Counters are not touched. Each
// decision is forwarded once; repeats inside the confirm window return
// false. When the store cannot tell, the record is forwarded anyway.
func (d *Decider) ConfirmDisplay(ctx context.Context, rec models.DisplayRecord) bool {
	if rec.DecisionID != "" {
		first, err := d.caps.ClaimConfirmation(ctx, rec.DecisionID, d.confirmWindow)
		if err != nil {
			d.logger.Warn("display confirmation not deduplicated",
				zap.String("decision_id", rec.DecisionID),
				zap.Error(err))
		} else if !first {
			return false
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = d.clk.Now()
	}
	if rec.Source == "" {
		rec.Source = SourceToken
	}
	d.metrics.IncrementDisplays(rec.Source)
	d.emit(ctx, rec)
	return true
}
