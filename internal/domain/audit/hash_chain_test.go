package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

var baseTime = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func buildChain(t *testing.T, n int) []*Event {
	t.Helper()
	events := make([]*Event, 0, n)
	previous := ""
	for i := 0; i < n; i++ {
		event, err := NewEvent(EntityAssignment, "assignment-1", "auditor-a",
			ActionAssignmentTransitioned, baseTime.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		event.WithTransition("not_started", "in_progress").WithMetadata("step", "x")
		require.NoError(t, event.SetSnapshots(map[string]string{"status": "not_started"},
			map[string]string{"status": "in_progress"}))
		require.NoError(t, event.Seal(int64(i+1), previous))
		previous = event.EventHash
		events = append(events, event)
	}
	return events
}

func TestNewEvent_Validation(t *testing.T) {
	tests := []struct {
		name       string
		entityType EntityType
		entityID   string
		actor      string
		action     Action
		code       string
	}{
		{"invalid entity type", EntityType("bogus"), "id", "actor", ActionCycleCreated, "INVALID_ENTITY_TYPE"},
		{"missing entity id", EntityCycle, "", "actor", ActionCycleCreated, "MISSING_ENTITY_ID"},
		{"missing actor", EntityCycle, "id", "", ActionCycleCreated, "MISSING_ACTOR"},
		{"missing action", EntityCycle, "id", "actor", "", "MISSING_ACTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvent(tt.entityType, tt.entityID, tt.actor, tt.action, baseTime)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}
}

func TestEvent_SealIsOneShot(t *testing.T) {
	event, err := NewEvent(EntityCycle, "c-1", "manager", ActionCycleCreated, baseTime.Add(123*time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, baseTime, event.Timestamp, "timestamp truncated to microseconds")

	require.NoError(t, event.Seal(1, ""))
	assert.True(t, event.IsSealed())

	err = event.Seal(2, "other")
	require.Error(t, err)
	assert.Equal(t, int64(1), event.SequenceNum)
}

func TestEvent_HashCoversSnapshotsAndMetadata(t *testing.T) {
	events := buildChain(t, 1)
	event := events[0]

	original, err := event.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, event.EventHash, original)

	tampered := event.Clone()
	tampered.NewSnapshot = []byte(`{"status":"completed"}`)
	h, err := tampered.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, original, h)

	tampered = event.Clone()
	tampered.Metadata["step"] = "y"
	h, err = tampered.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, original, h)
}

func TestEvent_EmptyAndNilMetadataHashEqually(t *testing.T) {
	a, err := NewEvent(EntityCycle, "c-1", "manager", ActionCycleCreated, baseTime)
	require.NoError(t, err)
	b := a.Clone()
	b.Metadata = nil

	ha, err := a.ComputeHash()
	require.NoError(t, err)
	hb, err := b.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashChainVerifier_ValidChain(t *testing.T) {
	events := buildChain(t, 5)

	result, err := NewHashChainVerifier().VerifySequential(events)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, 5, result.EventsVerified)
	assert.Empty(t, result.ChainBreaks)
	assert.Equal(t, int64(1), result.StartSequence)
	assert.Equal(t, int64(5), result.EndSequence)
	assert.NotEmpty(t, result.AggregateHash)
}

func TestHashChainVerifier_EmptyChain(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		result, err := NewHashChainVerifier().VerifySequential(nil)
		require.NoError(t, err)
		assert.True(t, result.IsValid)
	})

	t.Run("not allowed", func(t *testing.T) {
		_, err := NewHashChainVerifier(RejectEmpty()).VerifySequential(nil)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, "EMPTY_CHAIN"))
	})
}

func TestHashChainVerifier_DetectsBreaks(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(events []*Event) []*Event
		breakType BreakType
	}{
		{
			name: "tampered content",
			mutate: func(events []*Event) []*Event {
				events[2].Actor = "someone-else"
				return events
			},
			breakType: BreakTypeTampered,
		},
		{
			name: "removed event",
			mutate: func(events []*Event) []*Event {
				return append(events[:2], events[3:]...)
			},
			breakType: BreakTypeSequenceGap,
		},
		{
			name: "relinked previous hash",
			mutate: func(events []*Event) []*Event {
				events[3].PreviousHash = "deadbeef"
				return events
			},
			breakType: BreakTypeHashMismatch,
		},
		{
			name: "timestamp reversed",
			mutate: func(events []*Event) []*Event {
				events[4].Timestamp = baseTime.Add(-time.Hour)
				return events
			},
			breakType: BreakTypeTimestampReverse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tt.mutate(buildChain(t, 5))

			result, err := NewHashChainVerifier().VerifySequential(events)
			require.NoError(t, err)
			assert.False(t, result.IsValid)

			var types []BreakType
			for _, b := range result.ChainBreaks {
				types = append(types, b.BreakType)
			}
			assert.Contains(t, types, tt.breakType)
		})
	}
}

func TestHashChainVerifier_IgnoreTimestamps(t *testing.T) {
	events := buildChain(t, 3)
	events[2].Timestamp = baseTime.Add(-time.Hour)

	result, err := NewHashChainVerifier(IgnoreTimestamps()).VerifySequential(events)
	require.NoError(t, err)
	for _, b := range result.ChainBreaks {
		assert.NotEqual(t, BreakTypeTimestampReverse, b.BreakType)
	}
}

func TestHashChainVerifier_WindowOfLog(t *testing.T) {
	events := buildChain(t, 6)

	result, err := VerifyChainIntegrity(events[3:])
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, 3, result.EventsVerified)
}

func TestFilter_Matches(t *testing.T) {
	event, err := NewEvent(EntityEvidenceRequest, "req-1", "provider-p", ActionEvidenceSubmitted, baseTime)
	require.NoError(t, err)
	event.WithAggregate("assignment-1", "cycle-1")

	assert.True(t, event.Concerns("req-1"))
	assert.True(t, event.Concerns("assignment-1"))
	assert.True(t, event.Concerns("cycle-1"))
	assert.False(t, event.Concerns("other"))

	assert.True(t, Filter{}.Matches(event))
	assert.True(t, Filter{Actions: []Action{ActionRequestCreated, ActionEvidenceSubmitted}}.Matches(event))
	assert.False(t, Filter{Actions: []Action{ActionRequestCreated}}.Matches(event))
	assert.False(t, Filter{Actor: "auditor-a"}.Matches(event))
	assert.False(t, Filter{EntityType: EntityFinding}.Matches(event))
	assert.False(t, Filter{From: baseTime.Add(time.Second)}.Matches(event))
	assert.False(t, Filter{To: baseTime.Add(-time.Second)}.Matches(event))
	assert.False(t, Filter{Result: ResultDenied}.Matches(event))
}
