// Package db holds the storage backends: the frequency counter stores
// (Redis in production, an in-process map for tests and single-node runs)
// and the Postgres campaign catalog.
package db

import (
	"context"
	"errors"
	"time"
)

// ErrNilStore is returned when a store or its client is nil.
var ErrNilStore = errors.New("counter store is nil")

// CounterStore is a shared key/value counter service with per-key expiry.
// Every method is safe for arbitrary concurrent callers on the same key.
type CounterStore interface {
	// Increment adds one to key, refreshes its TTL and returns the new value,
	// all as one atomic operation. A missing or expired key starts at zero.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decrement subtracts one from key without touching its TTL. It is used
	// to roll back an Increment; a missing key stays missing and reports 0.
	Decrement(ctx context.Context, key string) (int64, error)
	// Peek returns the current value of key, or 0 if it does not exist.
	Peek(ctx context.Context, key string) (int64, error)
	// PeekMany returns the values of keys in order, 0 for missing keys.
	PeekMany(ctx context.Context, keys ...string) ([]int64, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// SetIfAbsent creates key with the given TTL unless it already exists.
	// It returns false when the key was already present.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
