package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh store and a function advancing its notion of
// time.
type storeFactory func(t *testing.T) (CounterStore, func(time.Duration))

func memoryFactory(t *testing.T) (CounterStore, func(time.Duration)) {
	clk := clock.NewManual(time.Date(2025, 5, 24, 12, 0, 0, 0, time.UTC))
	return NewMemoryStore(clk), clk.Advance
}

func redisFactory(t *testing.T) (CounterStore, func(time.Duration)) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(store.Close)
	return store, s.FastForward
}

func TestCounterStoreContract(t *testing.T) {
	factories := map[string]storeFactory{
		"memory": memoryFactory,
		"redis":  redisFactory,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			runContract(t, factory)
		})
	}
}

func runContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("increment and peek", func(t *testing.T) {
		store, _ := factory(t)
		for want := int64(1); want <= 3; want++ {
			got, err := store.Increment(ctx, "k", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		val, err := store.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(3), val)

		ok, err := store.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing key", func(t *testing.T) {
		store, _ := factory(t)
		val, err := store.Peek(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, val)

		ok, err := store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expiry", func(t *testing.T) {
		store, advance := factory(t)
		_, err := store.Increment(ctx, "k", time.Second)
		require.NoError(t, err)

		advance(2 * time.Second)

		val, err := store.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Zero(t, val)
		ok, err := store.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.Increment(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got, "expired key restarts at zero")
	})

	t.Run("increment refreshes ttl", func(t *testing.T) {
		store, advance := factory(t)
		_, err := store.Increment(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		advance(6 * time.Second)
		_, err = store.Increment(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		advance(6 * time.Second)

		val, err := store.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(2), val)
	})

	t.Run("decrement", func(t *testing.T) {
		store, _ := factory(t)
		_, _ = store.Increment(ctx, "k", time.Minute)
		_, _ = store.Increment(ctx, "k", time.Minute)

		got, err := store.Decrement(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)

		got, err = store.Decrement(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, got)
		ok, err := store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok, "decrement must not create keys")
	})

	t.Run("peek many", func(t *testing.T) {
		store, _ := factory(t)
		_, _ = store.Increment(ctx, "a", time.Minute)
		_, _ = store.Increment(ctx, "c", time.Minute)
		_, _ = store.Increment(ctx, "c", time.Minute)

		vals, err := store.PeekMany(ctx, "a", "b", "c")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 0, 2}, vals)

		vals, err = store.PeekMany(ctx)
		require.NoError(t, err)
		assert.Empty(t, vals)
	})

	t.Run("set if absent", func(t *testing.T) {
		store, advance := factory(t)
		ok, err := store.SetIfAbsent(ctx, "marker", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetIfAbsent(ctx, "marker", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must fail")

		exists, err := store.Exists(ctx, "marker")
		require.NoError(t, err)
		assert.True(t, exists)

		advance(6 * time.Second)
		ok, err = store.SetIfAbsent(ctx, "marker", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "claim succeeds again after expiry")
	})

	t.Run("concurrent increments", func(t *testing.T) {
		store, _ := factory(t)
		const workers = 50

		var wg sync.WaitGroup
		seen := make(chan int64, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := store.Increment(ctx, "hot", time.Minute)
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
				seen <- v
			}()
		}
		wg.Wait()
		close(seen)

		unique := make(map[int64]bool)
		for v := range seen {
			unique[v] = true
		}
		assert.Len(t, unique, workers, "every increment must observe a distinct value")

		val, err := store.Peek(ctx, "hot")
		require.NoError(t, err)
		assert.Equal(t, int64(workers), val)
	})
}

func TestMemoryStoreSweep(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 5, 24, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	_, _ = store.Increment(ctx, "short", time.Second)
	_, _ = store.Increment(ctx, "long", time.Hour)
	_, _ = store.SetIfAbsent(ctx, "marker", time.Second)

	clk.Advance(2 * time.Second)
	if removed := store.Sweep(); removed != 2 {
		t.Fatalf("expected 2 keys swept, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 key left, got %d", store.Len())
	}
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Increment(ctx, "k", time.Second); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestRedisStoreNilClient(t *testing.T) {
	var store *RedisStore
	if _, err := store.Peek(context.Background(), "k"); err != ErrNilStore {
		t.Fatalf("expected ErrNilStore, got %v", err)
	}
}
