package logic

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"

	"go.uber.org/zap"
)

// Default frequency cap service settings.
const (
	DefaultSessionTTL     = 30 * time.Minute
	DefaultCounterTimeout = 250 * time.Millisecond
)

// FailurePolicy decides the admission result when the counter store fails.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy maps a configuration value to a policy. Anything other
// than "closed" fails open.
func ParseFailurePolicy(s string) FailurePolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(FailClosed)) {
		return FailClosed
	}
	return FailOpen
}

// CapConfig configures a FrequencyCapService.
type CapConfig struct {
	// SessionTTL is the idle lifetime of session counters.
	SessionTTL time.Duration
	// Timeout bounds each Check, Commit and RecordDisplay call.
	Timeout time.Duration
	Policy  FailurePolicy
}

// Admission is the result of a cap check or commit.
type Admission struct {
	Allowed bool
	Reason  Reason
	// Degraded is set when the store failed and the fail-open policy
	// admitted the display without enforcing the caps.
	Degraded bool
}

// Counters is a read-only view of the counters for one campaign and visitor.
type Counters struct {
	Session        int64 `json:"session"`
	Day            int64 `json:"day"`
	GlobalSession  int64 `json:"global_session"`
	GlobalDay      int64 `json:"global_day"`
	CooldownActive bool  `json:"cooldown_active"`
}

// FrequencyCapService enforces per-campaign and store-wide display limits
// on top of a CounterStore. The store's atomic increment is its only
// synchronization; the service itself holds no per-visitor state.
type FrequencyCapService struct {
	store   db.CounterStore
	clk     clock.Clock
	cfg     CapConfig
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewFrequencyCapService returns a service using store. Zero config values
// take the defaults above.
func NewFrequencyCapService(store db.CounterStore, clk clock.Clock, cfg CapConfig, logger *zap.Logger, metrics observability.MetricsRegistry) *FrequencyCapService {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCounterTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = FailOpen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NoopRegistry{}
	}
	return &FrequencyCapService{store: store, clk: clk, cfg: cfg, logger: logger, metrics: metrics}
}

// Policy returns the configured failure policy.
func (s *FrequencyCapService) Policy() FailurePolicy { return s.cfg.Policy }

// capKeys are the counter keys touched by one campaign and visitor.
type capKeys struct {
	session, day             string
	globalSession, globalDay string
	cooldown                 string
	dayTTL                   time.Duration
}

func (s *FrequencyCapService) keysFor(c models.Campaign, v models.Visitor) capKeys {
	now := s.clk.Now().UTC()
	date := now.Format("2006-01-02")
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return capKeys{
		session:       counterKey("campaign", "session", c.ID, v.VisitorID, v.SessionID),
		day:           counterKey("campaign", "day", c.ID, v.VisitorID, date),
		globalSession: counterKey("global", "session", v.VisitorID, v.SessionID),
		globalDay:     counterKey("global", "day", v.VisitorID, date),
		cooldown:      counterKey("campaign", "cooldown", c.ID, v.VisitorID),
		dayTTL:        midnight.Sub(now),
	}
}

// counterKey builds freqcap:<scope>:<window>:<parts...>. Parts are opaque
// external IDs and are query-escaped so a ':' inside one cannot shift the
// boundaries between them.
func counterKey(scope, window string, parts ...string) string {
	var b strings.Builder
	b.WriteString("freqcap:")
	b.WriteString(scope)
	b.WriteByte(':')
	b.WriteString(window)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(p))
	}
	return b.String()
}

// ClaimConfirmation marks decisionID as confirmed for ttl. It reports false
// when the decision was confirmed before.
func (s *FrequencyCapService) ClaimConfirmation(ctx context.Context, decisionID string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ok, err := s.store.SetIfAbsent(ctx, counterKey("decision", "confirmed", decisionID), ttl)
	if err != nil {
		s.metrics.IncrementCounterStoreErrors("claim_confirmation")
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// globalApplies reports whether the store-wide cap constrains c.
func globalApplies(c models.Campaign, g models.GlobalCapSettings) bool {
	return g.Enabled && c.RespectGlobalCap
}

func exceeded(count int64, limit int) bool {
	return limit > 0 && count >= int64(limit)
}

// Check runs the peek-only admission chain: global session and day,
// cooldown, campaign session, campaign day. It never mutates counters.
func (s *FrequencyCapService) Check(ctx context.Context, c models.Campaign, v models.Visitor, g models.GlobalCapSettings) Admission {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.metrics.RecordCounterStoreLatency("check", time.Since(start)) }()

	k := s.keysFor(c, v)
	keys := []string{k.session, k.day}
	global := globalApplies(c, g)
	if global {
		keys = append(keys, k.globalSession, k.globalDay)
	}
	counts, err := s.store.PeekMany(ctx, keys...)
	if err != nil {
		return s.onStoreError("check", c, v, err)
	}

	if global && (exceeded(counts[2], g.MaxPerSession) || exceeded(counts[3], g.MaxPerDay)) {
		return Admission{Reason: ReasonGlobalCap}
	}
	if c.FrequencyCap.Cooldown > 0 {
		active, err := s.store.Exists(ctx, k.cooldown)
		if err != nil {
			return s.onStoreError("check", c, v, err)
		}
		if active {
			return Admission{Reason: ReasonCooldown}
		}
	}
	if exceeded(counts[0], c.FrequencyCap.MaxPerSession) {
		return Admission{Reason: ReasonSessionCap}
	}
	if exceeded(counts[1], c.FrequencyCap.MaxPerDay) {
		return Admission{Reason: ReasonDayCap}
	}
	return Admission{Allowed: true}
}

// gate is one counter increment applied by Commit.
type gate struct {
	key    string
	ttl    time.Duration
	limit  int
	reason Reason
}

// gatesFor lists the counters a display of c increments, in commit order.
func (s *FrequencyCapService) gatesFor(c models.Campaign, g models.GlobalCapSettings, k capKeys) []gate {
	gates := []gate{
		{key: k.session, ttl: s.cfg.SessionTTL, limit: c.FrequencyCap.MaxPerSession, reason: ReasonSessionCap},
		{key: k.day, ttl: k.dayTTL, limit: c.FrequencyCap.MaxPerDay, reason: ReasonDayCap},
	}
	if globalApplies(c, g) {
		gates = append(gates,
			gate{key: k.globalSession, ttl: s.cfg.SessionTTL, limit: g.MaxPerSession, reason: ReasonGlobalCap},
			gate{key: k.globalDay, ttl: k.dayTTL, limit: g.MaxPerDay, reason: ReasonGlobalCap},
		)
	}
	return gates
}

// Commit admits and records one display. Every counter is incremented and
// compared with its limit; the first one pushed over its limit rolls back
// all increments made by this call and denies with that counter's reason.
// The cooldown marker is claimed last. Under any number of concurrent
// commits at most MaxPerSession of them are admitted per session.
func (s *FrequencyCapService) Commit(ctx context.Context, c models.Campaign, v models.Visitor, g models.GlobalCapSettings) Admission {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.metrics.RecordCounterStoreLatency("commit", time.Since(start)) }()

	k := s.keysFor(c, v)
	gates := s.gatesFor(c, g, k)

	var applied []string
	for _, gt := range gates {
		n, err := s.store.Increment(ctx, gt.key, gt.ttl)
		if err != nil {
			s.rollback(ctx, applied)
			return s.onStoreError("commit", c, v, err)
		}
		applied = append(applied, gt.key)
		if gt.limit > 0 && n > int64(gt.limit) {
			s.rollback(ctx, applied)
			return Admission{Reason: gt.reason}
		}
	}

	if c.FrequencyCap.Cooldown > 0 {
		claimed, err := s.store.SetIfAbsent(ctx, k.cooldown, c.FrequencyCap.Cooldown)
		if err != nil {
			s.rollback(ctx, applied)
			return s.onStoreError("commit", c, v, err)
		}
		if !claimed {
			s.rollback(ctx, applied)
			return Admission{Reason: ReasonCooldown}
		}
	}
	return Admission{Allowed: true}
}

// RecordDisplay counts a display that happened outside Commit, e.g. one
// reported by a legacy tracking endpoint. It increments every applicable
// counter without gating and sets the cooldown marker if none is present.
func (s *FrequencyCapService) RecordDisplay(ctx context.Context, c models.Campaign, v models.Visitor, g models.GlobalCapSettings) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.metrics.RecordCounterStoreLatency("record", time.Since(start)) }()

	k := s.keysFor(c, v)
	for _, gt := range s.gatesFor(c, g, k) {
		if _, err := s.store.Increment(ctx, gt.key, gt.ttl); err != nil {
			s.metrics.IncrementCounterStoreErrors("record")
			return fmt.Errorf("%w: increment %s: %v", ErrStoreUnavailable, gt.key, err)
		}
	}
	if c.FrequencyCap.Cooldown > 0 {
		if _, err := s.store.SetIfAbsent(ctx, k.cooldown, c.FrequencyCap.Cooldown); err != nil {
			s.metrics.IncrementCounterStoreErrors("record")
			return fmt.Errorf("%w: cooldown %s: %v", ErrStoreUnavailable, k.cooldown, err)
		}
	}
	return nil
}

// Status returns the current counters for c and v without changing them.
func (s *FrequencyCapService) Status(ctx context.Context, c models.Campaign, v models.Visitor) (Counters, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	k := s.keysFor(c, v)
	counts, err := s.store.PeekMany(ctx, k.session, k.day, k.globalSession, k.globalDay)
	if err != nil {
		return Counters{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	cooldown, err := s.store.Exists(ctx, k.cooldown)
	if err != nil {
		return Counters{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Counters{
		Session:        counts[0],
		Day:            counts[1],
		GlobalSession:  counts[2],
		GlobalDay:      counts[3],
		CooldownActive: cooldown,
	}, nil
}

// rollback undoes increments made by a Commit that will not be admitted.
// It runs even when ctx has expired so a timed out commit does not leave
// counters inflated.
func (s *FrequencyCapService) rollback(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if _, err := s.store.Decrement(rctx, keys[i]); err != nil {
			s.metrics.IncrementCounterStoreErrors("rollback")
			s.logger.Warn("frequency cap rollback failed",
				zap.String("key", keys[i]),
				zap.Error(err))
		}
	}
}

// onStoreError applies the failure policy to a counter store error.
func (s *FrequencyCapService) onStoreError(op string, c models.Campaign, v models.Visitor, err error) Admission {
	s.metrics.IncrementCounterStoreErrors(op)
	s.metrics.IncrementCapPolicyApplied(string(s.cfg.Policy))
	s.logger.Warn("frequency cap store error",
		zap.String("operation", op),
		zap.String("campaign_id", c.ID),
		zap.String("visitor_id", v.VisitorID),
		zap.String("policy", string(s.cfg.Policy)),
		zap.Error(err))
	if s.cfg.Policy == FailClosed {
		return Admission{Reason: ReasonStoreUnavailable}
	}
	return Admission{Allowed: true, Degraded: true}
}
