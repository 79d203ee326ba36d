package cycle_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

var (
	now   = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	start = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC)
)

func TestNewCycle(t *testing.T) {
	tests := []struct {
		name      string
		cycleName string
		framework string
		manager   string
		start     time.Time
		end       time.Time
		code      string
	}{
		{"valid", "2025-Q3", "SOX", "manager-m", start, end, ""},
		{"missing name", "", "SOX", "manager-m", start, end, "MISSING_CYCLE_NAME"},
		{"missing framework", "2025-Q3", "", "manager-m", start, end, "MISSING_FRAMEWORK"},
		{"missing manager", "2025-Q3", "SOX", "", start, end, "MISSING_MANAGER"},
		{"end before start", "2025-Q3", "SOX", "manager-m", end, start, "INVALID_DATE_RANGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := cycle.NewCycle(tt.cycleName, tt.framework, tt.manager, tt.start, tt.end, now)
			if tt.code != "" {
				assert.True(t, errors.HasCode(err, tt.code))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, cycle.StatusPlanning, c.Status)
			assert.Empty(t, c.AssignmentIDs)
		})
	}
}

func TestTransition(t *testing.T) {
	allowed := map[cycle.Status][]cycle.Status{
		cycle.StatusPlanning:  {cycle.StatusActive, cycle.StatusCancelled},
		cycle.StatusActive:    {cycle.StatusReview, cycle.StatusCancelled},
		cycle.StatusReview:    {cycle.StatusCompleted, cycle.StatusActive},
		cycle.StatusCompleted: {},
		cycle.StatusCancelled: {},
	}
	all := []cycle.Status{cycle.StatusPlanning, cycle.StatusActive, cycle.StatusReview, cycle.StatusCompleted, cycle.StatusCancelled}

	for from, targets := range allowed {
		for _, to := range all {
			c, err := cycle.NewCycle("2025-Q3", "SOX", "manager-m", start, end, now)
			require.NoError(t, err)
			c.Status = from

			err = c.Transition(to, now)
			if contains(targets, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, c.Status)
			} else {
				assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition), "%s -> %s", from, to)
				assert.Equal(t, from, c.Status)
			}
		}
	}
}

func contains(list []cycle.Status, s cycle.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestArchive(t *testing.T) {
	c, err := cycle.NewCycle("2025-Q3", "SOX", "manager-m", start, end, now)
	require.NoError(t, err)

	require.Error(t, c.Archive(now), "planning cycles cannot be archived")

	c.Status = cycle.StatusCompleted
	require.NoError(t, c.Archive(now))
	assert.True(t, c.Archived)
	require.NotNil(t, c.ArchivedAt)

	require.Error(t, c.Archive(now), "already archived")
	assert.False(t, c.AcceptsControls())
}

func TestAddAssignment(t *testing.T) {
	c, err := cycle.NewCycle("2025-Q3", "SOX", "manager-m", start, end, now)
	require.NoError(t, err)

	first, second := uuid.New(), uuid.New()
	require.NoError(t, c.AddAssignment(first, now))
	require.NoError(t, c.AddAssignment(second, now))
	assert.Equal(t, []uuid.UUID{first, second}, c.AssignmentIDs)

	clone := c.Clone()
	clone.AssignmentIDs[0] = uuid.New()
	assert.Equal(t, first, c.AssignmentIDs[0], "clone is deep")

	c.Status = cycle.StatusReview
	assert.True(t, errors.HasCode(c.AddAssignment(uuid.New(), now), errors.CodeInvalidTransition))
}

func TestComputeProgress(t *testing.T) {
	cycleID := uuid.New()
	mk := func(status assignment.Status, due time.Time) *assignment.ControlAssignment {
		a, err := assignment.NewAssignment(cycleID, uuid.NewString(), "auditor-a", "manager-m", "", due, "", now)
		require.NoError(t, err)
		a.Status = status
		return a
	}

	later := now.Add(30 * 24 * time.Hour)
	earlier := now.Add(-24 * time.Hour)
	assignments := []*assignment.ControlAssignment{
		mk(assignment.StatusCompleted, earlier),
		mk(assignment.StatusInProgress, earlier),
		mk(assignment.StatusReview, later),
	}

	p := cycle.ComputeProgress(cycleID, assignments, 2, now)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.ByStatus[assignment.StatusInProgress])
	assert.Equal(t, 0, p.ByStatus[assignment.StatusBlocked])
	assert.True(t, decimal.RequireFromString("33.33").Equal(p.PercentComplete), p.PercentComplete.String())
	assert.Equal(t, 1, p.OverdueAssignments, "completed assignments are never overdue")
	assert.Equal(t, 2, p.OverdueRequests)

	empty := cycle.ComputeProgress(cycleID, nil, 0, now)
	assert.True(t, empty.PercentComplete.IsZero())
}
