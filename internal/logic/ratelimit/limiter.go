package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/observability"
)

// VisitorLimiter rate limits decision requests per visitor.
//
// Each visitor gets its own token bucket, created lazily on first access.
// Buckets idle for longer than MaxIdle are dropped by Prune.
//
//	limiter := NewVisitorLimiter(Config{Capacity: 20, RefillRate: 5, Enabled: true}, nil, metrics)
//	if !limiter.Allow(visitorID) {
//	    // reply 429
//	}
type VisitorLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	clk     clock.Clock
	metrics observability.MetricsRegistry
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // burst allowance
	RefillRate int  // tokens added per second
	Enabled    bool // whether rate limiting is active
	// MaxIdle is how long an unused bucket is kept before Prune drops it.
	MaxIdle time.Duration
}

// NewVisitorLimiter creates a limiter. A nil clock uses the wall clock.
func NewVisitorLimiter(config Config, clk clock.Clock, metrics observability.MetricsRegistry) *VisitorLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = observability.NoopRegistry{}
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = 10 * time.Minute
	}
	return &VisitorLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		clk:     clk,
		metrics: metrics,
	}
}

// Allow reports whether a request from visitorID may proceed. It always
// returns true when rate limiting is disabled.
func (l *VisitorLimiter) Allow(visitorID string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.RLock()
	bucket, exists := l.buckets[visitorID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		bucket, exists = l.buckets[visitorID]
		if !exists {
			bucket = NewTokenBucket(l.clk, l.config.Capacity, l.config.RefillRate)
			l.buckets[visitorID] = bucket
		}
		l.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		l.metrics.IncrementRateLimited()
	}
	return allowed
}

// Prune drops buckets that have been idle for longer than MaxIdle and
// returns how many were removed.
func (l *VisitorLimiter) Prune() int {
	cutoff := l.clk.Now().Add(-l.config.MaxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, b := range l.buckets {
		if b.idleSince().Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Stats summarises rate limiting across all tracked visitors.
func (l *VisitorLimiter) Stats() RateLimitStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := RateLimitStats{Visitors: len(l.buckets)}
	for _, bucket := range l.buckets {
		hits, total := bucket.Stats()
		stats.Hits += hits
		stats.Total += total
	}
	if stats.Total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Total)
	}
	return stats
}

// RateLimitStats contains aggregate rate limiting statistics.
type RateLimitStats struct {
	Visitors int     `json:"visitors"`
	Hits     int64   `json:"hits"`
	Total    int64   `json:"total"`
	HitRate  float64 `json:"hit_rate"`
}

// String returns a human-readable representation of the statistics.
func (s RateLimitStats) String() string {
	return fmt.Sprintf("%d visitors: %d/%d hits (%.2f%%)", s.Visitors, s.Hits, s.Total, s.HitRate*100)
}
