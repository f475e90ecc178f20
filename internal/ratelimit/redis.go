package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps buckets as shared counters in Redis so that every instance in the fleet draws from one combined
// quota. Each bucket is a float counter with the window as its TTL, plus a separate block key.
type redisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore returns a bucket store backed by the given Redis client. Keys are namespaced under prefix.
func NewRedisStore(rdb *redis.Client, prefix string) Store {
	return &redisStore{rdb: rdb, prefix: prefix}
}

func (s *redisStore) bucketKey(key string) string { return s.prefix + ":rl:" + key }
func (s *redisStore) blockKey(key string) string  { return s.prefix + ":rlblock:" + key }

func (s *redisStore) Consume(ctx context.Context, key string, cost float64, policy Policy) (Result, error) {
	blockTTL, err := s.rdb.PTTL(ctx, s.blockKey(key)).Result()
	if err != nil {
		return Result{}, fmt.Errorf("check rate-limit block: %w", err)
	}
	if blockTTL > 0 {
		windowTTL, _ := s.rdb.PTTL(ctx, s.bucketKey(key)).Result()
		return Result{RetryAfter: maxDuration(blockTTL, windowTTL)}, nil
	}

	consumed, err := s.rdb.IncrByFloat(ctx, s.bucketKey(key), cost).Result()
	if err != nil {
		return Result{}, fmt.Errorf("consume rate-limit points: %w", err)
	}
	if consumed == cost {
		// First consumption in this window sets the TTL; later ones must not extend it.
		if err := s.rdb.PExpire(ctx, s.bucketKey(key), policy.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("set rate-limit window: %w", err)
		}
	}

	if consumed > policy.Points {
		// Refund the overdraft so the stored counter never exceeds the budget by more than rounding.
		pipe := s.rdb.Pipeline()
		pipe.IncrByFloat(ctx, s.bucketKey(key), -cost)
		if policy.Block > 0 {
			pipe.Set(ctx, s.blockKey(key), 1, policy.Block)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return Result{}, fmt.Errorf("record rate-limit block: %w", err)
		}
		windowTTL, _ := s.rdb.PTTL(ctx, s.bucketKey(key)).Result()
		return Result{RetryAfter: maxDuration(policy.Block, windowTTL)}, nil
	}

	return Result{Allowed: true, Remaining: policy.Points - consumed}, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
