// Package ratelimit implements token bucket rate limiting for decision
// requests.
//
// A storefront script that misbehaves can ask for decisions in a tight loop.
// Each visitor gets a bucket that allows short bursts while holding the
// sustained rate to RefillRate requests per second.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
)

// TokenBucket implements a thread-safe token bucket rate limiter.
//
// The bucket has a fixed capacity and refills at a constant rate.
// Each request consumes one token. When the bucket is empty,
// requests are rejected until tokens refill.
type TokenBucket struct {
	clk        clock.Clock
	capacity   int
	tokens     int
	refillRate int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	mu         sync.Mutex
	hitCount   int64
	totalCount int64
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate.
func NewTokenBucket(clk clock.Clock, capacity, refillRate int) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &TokenBucket{
		clk:        clk,
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow attempts to consume one token from the bucket.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++
	now := tb.clk.Now()
	tb.lastUsed = now

	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// Stats returns the number of rejected and total requests.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}
