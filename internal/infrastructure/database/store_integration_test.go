//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/config"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil/containers"
)

var t0 = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	container, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate() })
	url := container.ConnectionString

	mg, err := NewMigrator(url, logger)
	require.NoError(t, err)
	require.NoError(t, mg.Up(0))
	version, dirty, err := mg.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
	require.NoError(t, mg.Close())

	pool, err := NewPool(ctx, config.DatabaseConfig{
		URL:            url,
		MaxConns:       5,
		ConnectTimeout: 10 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewStore(pool, logger)
}

func event(t *testing.T, entity audit.EntityType, id string, action audit.Action) *audit.Event {
	t.Helper()
	e, err := audit.NewEvent(entity, id, "manager-m", action, t0)
	require.NoError(t, err)
	return e
}

func seedAssignment(t *testing.T, store *Store) (*cycle.TestingCycle, *assignment.ControlAssignment) {
	t.Helper()
	ctx := context.Background()

	c, err := cycle.NewCycle("FY25 SOX", "SOX", "manager-m", t0, t0.AddDate(0, 3, 0), t0)
	require.NoError(t, err)
	ctrl, err := control.NewControl("AC-01", "Access review", "SOX", nil, t0)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, &workflow.Changeset{
		Events: []*audit.Event{
			event(t, audit.EntityCycle, c.ID.String(), audit.ActionCycleCreated),
			event(t, audit.EntityControl, ctrl.Ref, audit.ActionControlRegistered),
		},
		Cycles:   []*cycle.TestingCycle{c},
		Controls: []*control.Control{ctrl},
	}))

	a, err := assignment.NewAssignment(c.ID, ctrl.Ref, "auditor-a", "manager-m", "manager-m",
		c.EndDate, assignment.PriorityMedium, t0)
	require.NoError(t, err)
	require.NoError(t, c.AddAssignment(a.ID, t0))
	ev := event(t, audit.EntityAssignment, a.ID.String(), audit.ActionAssignmentCreated)
	ev.WithAggregate(a.ID.String(), c.ID.String())
	require.NoError(t, ev.SetSnapshots(nil, a))
	require.NoError(t, store.Commit(ctx, &workflow.Changeset{
		Events:      []*audit.Event{ev},
		Cycles:      []*cycle.TestingCycle{c},
		Assignments: []*assignment.ControlAssignment{a},
	}))
	return c, a
}

func TestStore_CommitAndRead(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c, a := seedAssignment(t, store)

	assert.Equal(t, int64(2), c.Version)
	assert.Equal(t, int64(1), a.Version)

	stored, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)
	assert.Equal(t, int64(1), stored.Version)
	assert.True(t, a.DueDate.Equal(stored.DueDate))

	found, err := store.FindAssignment(ctx, c.ID, "AC-01")
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	list, err := store.ListAssignmentsByCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetCycle(ctx, a.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_VersionConflictAppliesNothing(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c, _ := seedAssignment(t, store)

	stale, err := store.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	stale.Version--

	ev := event(t, audit.EntityCycle, c.ID.String(), audit.ActionCycleTransitioned)
	err = store.Commit(ctx, &workflow.Changeset{Events: []*audit.Event{ev}, Cycles: []*cycle.TestingCycle{stale}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeVersionConflict))
	assert.False(t, ev.IsSealed())

	events, err := store.AuditLog(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestStore_DuplicateAssignment(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c, _ := seedAssignment(t, store)

	dup, err := assignment.NewAssignment(c.ID, "AC-01", "auditor-b", "manager-m", "manager-m",
		c.EndDate, assignment.PriorityLow, t0)
	require.NoError(t, err)
	err = store.Commit(ctx, &workflow.Changeset{
		Events:      []*audit.Event{event(t, audit.EntityAssignment, dup.ID.String(), audit.ActionAssignmentCreated)},
		Assignments: []*assignment.ControlAssignment{dup},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDuplicateAssignment))
}

func TestStore_ChainRoundTripVerifies(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c, a := seedAssignment(t, store)

	events, err := store.AuditLog(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	result, err := audit.VerifyChainIntegrity(events)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Empty(t, events[0].PreviousHash)

	trail, err := store.AuditTrail(ctx, c.ID.String(), audit.Filter{
		Actions: []audit.Action{audit.ActionAssignmentCreated},
	})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, a.ID.String(), trail[0].EntityID)
	assert.NotEmpty(t, trail[0].NewSnapshot)

	page, err := store.AuditLog(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].SequenceNum)
}

func TestStore_RequestNumbers(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	first, err := store.NextRequestNumber(ctx)
	require.NoError(t, err)
	second, err := store.NextRequestNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ER-000001", first)
	assert.Equal(t, "ER-000002", second)
}
