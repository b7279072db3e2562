package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is the production CounterStore backed by Redis.
type RedisStore struct {
	Client *redis.Client
}

var _ CounterStore = (*RedisStore)(nil)

// decrementIfExists keeps a rollback from resurrecting a key that expired
// between the increment and the rollback.
var decrementIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// InitRedis connects to Redis, instruments the client for tracing and
// returns a RedisStore.
func InitRedis(ctx context.Context, addr string, timeout time.Duration) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{
			Addr:         addr,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (r *RedisStore) ready() error {
	if r == nil || r.Client == nil {
		return ErrNilStore
	}
	return nil
}

// Increment runs INCR and PEXPIRE in one MULTI/EXEC transaction.
func (r *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	var incr *redis.IntCmd
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	val, err := decrementIfExists.Run(ctx, r.Client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Peek(ctx context.Context, key string) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	val, err := r.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek %s: %w", key, err)
	}
	return val, nil
}

// PeekMany batches the GETs into a single pipeline round trip.
func (r *RedisStore) PeekMany(ctx context.Context, keys ...string) ([]int64, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.Client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("peek pipeline exec failed: %w", err)
	}

	out := make([]int64, len(keys))
	for i, cmd := range cmds {
		val, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("peek %s: %w", keys[i], err)
		}
		out[i] = val
	}
	return out, nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	n, err := r.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// SetIfAbsent is SET key <now> NX PX ttl. The stored value is the claim time
// in unix milliseconds; callers only rely on presence.
func (r *RedisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	ok, err := r.Client.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set if absent %s: %w", key, err)
	}
	return ok, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
