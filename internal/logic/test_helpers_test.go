package logic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

var testStart = time.Date(2025, 5, 24, 10, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("store down")

// setupTestRedis spins up an in-memory Redis and returns a store using it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *db.RedisStore) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := db.NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(store.Close)
	return s, store
}

type capFixture struct {
	clk     *clock.Manual
	store   *db.MemoryStore
	metrics *observability.MockMetricsRegistry
	caps    *FrequencyCapService
}

func newCapFixture(t *testing.T, cfg CapConfig) *capFixture {
	clk := clock.NewManual(testStart)
	store := db.NewMemoryStore(clk)
	metrics := observability.NewMockMetricsRegistry()
	caps := NewFrequencyCapService(store, clk, cfg, zaptest.NewLogger(t), metrics)
	return &capFixture{clk: clk, store: store, metrics: metrics, caps: caps}
}

// admit runs the check then commit sequence used by Decide.
func admit(caps *FrequencyCapService, c models.Campaign, v models.Visitor, g models.GlobalCapSettings) Admission {
	ctx := context.Background()
	if a := caps.Check(ctx, c, v, g); !a.Allowed {
		return a
	}
	return caps.Commit(ctx, c, v, g)
}

func campaign(id string, fc models.FrequencyCap) models.Campaign {
	return models.Campaign{ID: id, Name: id, Active: true, FrequencyCap: fc, RespectGlobalCap: true}
}

var visitor = models.Visitor{VisitorID: "v1", SessionID: "s1"}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Decrement(context.Context, string) (int64, error) { return 0, errStoreDown }
func (failingStore) Peek(context.Context, string) (int64, error)      { return 0, errStoreDown }
func (failingStore) PeekMany(context.Context, ...string) ([]int64, error) {
	return nil, errStoreDown
}
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingStore) SetIfAbsent(context.Context, string, time.Duration) (bool, error) {
	return false, errStoreDown
}

// hangingStore blocks every call until its context ends.
type hangingStore struct{}

func (hangingStore) Increment(ctx context.Context, _ string, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (hangingStore) Decrement(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (hangingStore) Peek(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (hangingStore) PeekMany(ctx context.Context, _ ...string) ([]int64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (hangingStore) Exists(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
func (hangingStore) SetIfAbsent(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

// recordingSink collects display records.
type recordingSink struct {
	err     error
	records chan models.DisplayRecord
}

func newRecordingSink(err error) *recordingSink {
	return &recordingSink{err: err, records: make(chan models.DisplayRecord, 64)}
}

func (s *recordingSink) RecordDisplay(_ context.Context, rec models.DisplayRecord) error {
	s.records <- rec
	return s.err
}
