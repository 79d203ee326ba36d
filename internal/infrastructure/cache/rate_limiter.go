package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter counts requests per key in a sorted set scored by
// arrival time, so every API replica shares one window per actor
type RedisRateLimiter struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, logger *zap.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, logger: logger, now: time.Now}
}

// Allow admits the request when fewer than limit requests arrived within
// window. Rejected requests are not counted.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := r.now()
	rlKey := RateLimitPrefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	var countCmd *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, rlKey, "-inf", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
		countCmd = pipe.ZCard(ctx, rlKey)
		pipe.ZAdd(ctx, rlKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, rlKey, window+time.Minute)
		return nil
	})
	if err != nil {
		r.logger.Error("rate limiter pipeline failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	if countCmd.Val() < int64(limit) {
		return true, nil
	}
	if err := r.client.ZRem(ctx, rlKey, member).Err(); err != nil {
		r.logger.Warn("failed to discard rejected request", zap.String("key", key), zap.Error(err))
	}
	r.logger.Debug("rate limit exceeded",
		zap.String("key", key),
		zap.Int64("current_count", countCmd.Val()),
		zap.Int("limit", limit))
	return false, nil
}

// Remaining returns how many requests the current window still admits
func (r *RedisRateLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	rlKey := RateLimitPrefix + key
	cutoff := strconv.FormatInt(r.now().Add(-window).UnixNano(), 10)

	count, err := r.client.ZCount(ctx, rlKey, "("+cutoff, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return max(limit-int(count), 0), nil
}

// Reset clears the window for a key
func (r *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}
