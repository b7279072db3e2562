package ratelimit

import (
	"testing"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/observability"
)

func TestTokenBucket_Allow(t *testing.T) {
	bucket := NewTokenBucket(clock.NewManual(time.Unix(0, 0)), 5, 1)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}

	if bucket.Allow() {
		t.Error("Expected 6th request to be blocked")
	}

	hits, total := bucket.Stats()
	if hits != 1 {
		t.Errorf("Expected 1 hit, got %d", hits)
	}
	if total != 6 {
		t.Errorf("Expected 6 total requests, got %d", total)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	bucket := NewTokenBucket(clk, 2, 10)

	bucket.Allow()
	bucket.Allow()
	if bucket.Allow() {
		t.Error("Expected request to be blocked")
	}

	clk.Advance(200 * time.Millisecond) // 0.2s * 10 tokens/sec = 2 tokens
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after refill")
	}
}

func TestVisitorLimiter_PerVisitorBuckets(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	l := NewVisitorLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true}, clock.NewManual(time.Unix(0, 0)), metrics)

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("first request per visitor must pass")
	}
	if l.Allow("a") {
		t.Fatal("second request for a should be limited")
	}
	if metrics.RateLimited != 1 {
		t.Errorf("expected 1 rate limited request, got %d", metrics.RateLimited)
	}

	stats := l.Stats()
	if stats.Visitors != 2 || stats.Hits != 1 || stats.Total != 3 {
		t.Errorf("unexpected stats %s", stats)
	}
}

func TestVisitorLimiter_Disabled(t *testing.T) {
	l := NewVisitorLimiter(Config{Capacity: 1, RefillRate: 1}, nil, nil)
	for i := 0; i < 10; i++ {
		if !l.Allow("a") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestVisitorLimiter_Prune(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := NewVisitorLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true, MaxIdle: time.Minute}, clk, nil)

	l.Allow("old")
	clk.Advance(50 * time.Second)
	l.Allow("new")
	clk.Advance(20 * time.Second)

	if removed := l.Prune(); removed != 1 {
		t.Fatalf("expected 1 bucket pruned, got %d", removed)
	}
	if l.Stats().Visitors != 1 {
		t.Fatal("recent bucket must survive")
	}
}
