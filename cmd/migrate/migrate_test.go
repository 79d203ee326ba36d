//go:build integration

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/database"
	"github.com/davidleathers/control-assurance-backend/internal/testutil/containers"
)

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	container, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate() })

	logger := zaptest.NewLogger(t)
	url := container.ConnectionString

	version := func() uint {
		t.Helper()
		mg, err := database.NewMigrator(url, logger)
		require.NoError(t, err)
		defer mg.Close()
		v, dirty, err := mg.Version()
		require.NoError(t, err)
		assert.False(t, dirty)
		return v
	}

	require.Equal(t, uint(0), version())

	require.NoError(t, run(url, "up", 0, logger))
	assert.Equal(t, uint(1), version())

	t.Run("up is idempotent", func(t *testing.T) {
		require.NoError(t, run(url, "up", 0, logger))
		assert.Equal(t, uint(1), version())
	})

	t.Run("status", func(t *testing.T) {
		require.NoError(t, run(url, "status", 0, logger))
	})

	t.Run("down reverts", func(t *testing.T) {
		require.NoError(t, run(url, "down", 1, logger))
		assert.Equal(t, uint(0), version())
	})

	t.Run("unknown action", func(t *testing.T) {
		assert.Error(t, run(url, "sideways", 0, logger))
	})
}
