package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/config"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), config.RedisConfig{URL: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewRedisClient(t *testing.T) {
	t.Run("url form", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewRedisClient(context.Background(),
			config.RedisConfig{URL: "redis://" + mr.Addr() + "/0"}, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.NoError(t, client.Close())
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "localhost:6379"}, nil)
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "127.0.0.1:1"}, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestProgressCache(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	c := NewProgressCache(client, time.Minute, zaptest.NewLogger(t))

	cycleID := uuid.New()
	_, ok, err := c.Get(ctx, cycleID)
	require.NoError(t, err)
	assert.False(t, ok)

	progress := &cycle.Progress{
		CycleID:         cycleID,
		Total:           4,
		Completed:       1,
		ByStatus:        map[assignment.Status]int{assignment.StatusCompleted: 1, assignment.StatusInProgress: 3},
		PercentComplete: decimal.NewFromInt(25),
		ComputedAt:      time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.Set(ctx, progress))

	got, ok, err := c.Get(ctx, cycleID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.Total)
	assert.True(t, got.PercentComplete.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 3, got.ByStatus[assignment.StatusInProgress])

	t.Run("expires", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		_, ok, err := c.Get(ctx, cycleID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalidate", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, progress))
		require.NoError(t, c.Invalidate(ctx, cycleID))
		_, ok, err := c.Get(ctx, cycleID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("corrupt entry is a miss", func(t *testing.T) {
		require.NoError(t, mr.Set(ProgressPrefix+cycleID.String(), "not json"))
		_, ok, err := c.Get(ctx, cycleID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, mr.Exists(ProgressPrefix+cycleID.String()))
	})

	t.Run("redis down", func(t *testing.T) {
		mr.Close()
		_, _, err := c.Get(ctx, cycleID)
		assert.Error(t, err)
	})
}

func TestRedisRateLimiter(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)
	limiter := NewRedisRateLimiter(client, zaptest.NewLogger(t))

	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "auditor-a", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}

	ok, err := limiter.Allow(ctx, "auditor-a", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := limiter.Remaining(ctx, "auditor-a", 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ok, err = limiter.Allow(ctx, "auditor-b", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(2 * time.Second)
	ok, err = limiter.Allow(ctx, "auditor-a", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window slid")

	require.NoError(t, limiter.Reset(ctx, "auditor-a"))
	remaining, err = limiter.Remaining(ctx, "auditor-a", 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}
