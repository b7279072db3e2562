package db

import (
	"context"
	"sync"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"

	"go.uber.org/zap"
)

// MemoryStore is an in-process CounterStore. Expiry is evaluated lazily
// against the injected clock on every access; Sweep reclaims memory held by
// expired keys.
type MemoryStore struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	count   int64
	expires time.Time // zero means no expiry
}

var _ CounterStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore using clk for expiry.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{clk: clk, entries: make(map[string]memoryEntry)}
}

// lookup returns the live entry for key, deleting it if it has expired.
// Callers hold s.mu.
func (s *MemoryStore) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	e, _ := s.lookup(key, now)
	e.count++
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.entries[key] = e
	return e.count, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.clk.Now())
	if !ok {
		return 0, nil
	}
	e.count--
	s.entries[key] = e
	return e.count, nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.lookup(key, s.clk.Now())
	return e.count, nil
}

func (s *MemoryStore) PeekMany(ctx context.Context, keys ...string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	out := make([]int64, len(keys))
	for i, key := range keys {
		e, _ := s.lookup(key, now)
		out[i] = e.count
	}
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key, s.clk.Now())
	return ok, nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	e := memoryEntry{count: 1}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

// Sweep deletes every expired key and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	removed := 0
	for key, e := range s.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 && logger != nil {
					logger.Debug("swept expired counters", zap.Int("removed", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
