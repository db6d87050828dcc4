package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCounterStore keeps usage counters in Redis. INCRBY is atomic on the
// server, which satisfies the single-atomic-add contract without any locking
// on our side. Keys carry the period boundary so a new billing period starts
// from a fresh key, and expire two periods later so stale periods are
// garbage-collected by Redis itself.
type RedisCounterStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCounterStore returns a CounterStore backed by the given client.
// ttl bounds how long a period's counter survives after its last write;
// it should be at least two billing periods. Zero disables expiry.
func NewRedisCounterStore(client *redis.Client, ttl time.Duration) *RedisCounterStore {
	if client == nil {
		panic("ledger: redis client cannot be nil")
	}
	return &RedisCounterStore{client: client, ttl: ttl}
}

func counterRedisKey(tenantID uuid.UUID, usageType UsageType, periodStart time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%d", tenantID, usageType, periodStart.UTC().Unix())
}

func (s *RedisCounterStore) Increment(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time, delta int64) (int64, error) {
	key := counterRedisKey(tenantID, usageType, periodStart)

	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.Join(ErrCounterUnavailable, err)
	}
	if val < 0 {
		// Undo rather than leave a negative counter behind.
		_, _ = s.client.IncrBy(ctx, key, -delta).Result()
		return val - delta, ErrNegativeCounter
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return val, nil
}

func (s *RedisCounterStore) Get(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) (int64, error) {
	val, err := s.client.Get(ctx, counterRedisKey(tenantID, usageType, periodStart)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Join(ErrCounterUnavailable, err)
	}
	return val, nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) error {
	if err := s.client.Del(ctx, counterRedisKey(tenantID, usageType, periodStart)).Err(); err != nil {
		return errors.Join(ErrCounterUnavailable, err)
	}
	return nil
}
