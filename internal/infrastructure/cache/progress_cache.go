package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.ProgressCache = (*ProgressCache)(nil)

// ProgressCache keeps recent cycle progress aggregations in redis
type ProgressCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewProgressCache creates a cache whose entries expire after ttl
func NewProgressCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ProgressCache {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &ProgressCache{client: client, ttl: ttl, logger: logger}
}

func progressKey(cycleID uuid.UUID) string {
	return ProgressPrefix + cycleID.String()
}

// Get returns the cached progress. A miss is not an error.
func (c *ProgressCache) Get(ctx context.Context, cycleID uuid.UUID) (*cycle.Progress, bool, error) {
	data, err := c.client.Get(ctx, progressKey(cycleID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var p cycle.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("dropping undecodable progress entry",
			zap.String("cycle_id", cycleID.String()), zap.Error(err))
		_ = c.client.Del(ctx, progressKey(cycleID)).Err()
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *ProgressCache) Set(ctx context.Context, progress *cycle.Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	if err := c.client.Set(ctx, progressKey(progress.CycleID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *ProgressCache) Invalidate(ctx context.Context, cycleID uuid.UUID) error {
	if err := c.client.Del(ctx, progressKey(cycleID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}
