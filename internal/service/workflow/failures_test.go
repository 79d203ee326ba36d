package workflow_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

func TestForbiddenCommandsAreAudited(t *testing.T) {
	tests := []struct {
		name       string
		actor      workflow.Actor
		permission string
		run        func(h *testutil.Harness, a *assignment.ControlAssignment, actor workflow.Actor) error
	}{
		{
			name:       "outsider transitions an assignment",
			actor:      testutil.Outsider,
			permission: workflow.PermTransition,
			run: func(h *testutil.Harness, a *assignment.ControlAssignment, actor workflow.Actor) error {
				_, err := h.WF.Assignments.Transition(context.Background(), actor, workflow.TransitionAssignmentCommand{
					AssignmentID: a.ID,
					Target:       assignment.StatusReview,
				})
				return err
			},
		},
		{
			name:       "auditor works on someone else's assignment",
			actor:      testutil.AuditorB,
			permission: workflow.PermDefine,
			run: func(h *testutil.Harness, a *assignment.ControlAssignment, actor workflow.Actor) error {
				_, err := h.WF.Tests.DefineMethodology(context.Background(), actor, workflow.DefineMethodologyCommand{
					AssignmentID:   a.ID,
					PopulationSize: 100,
				})
				return err
			},
		},
		{
			name:       "auditor submits evidence for the provider",
			actor:      testutil.AuditorA,
			permission: workflow.PermSubmit,
			run: func(h *testutil.Harness, a *assignment.ControlAssignment, actor workflow.Actor) error {
				r, err := h.WF.Evidence.ListRequests(context.Background(), a.ID)
				if err != nil {
					return err
				}
				_, err = h.WF.Evidence.SubmitEvidence(context.Background(), actor, workflow.SubmitEvidenceCommand{
					RequestID: r[0].ID,
					Files:     []evidence.FileSubmission{fileFor(r[0].Specs[0].Type, "self-served.xlsx")},
				})
				return err
			},
		},
		{
			name:       "provider approves a test",
			actor:      testutil.Provider,
			permission: workflow.PermApprove,
			run: func(h *testutil.Harness, a *assignment.ControlAssignment, actor workflow.Actor) error {
				_, err := h.WF.Tests.Approve(context.Background(), actor, a.ID)
				return err
			},
		},
		{
			name:       "auditor creates a cycle",
			actor:      testutil.AuditorA,
			permission: workflow.PermCreate,
			run: func(h *testutil.Harness, _ *assignment.ControlAssignment, actor workflow.Actor) error {
				_, err := h.WF.Cycles.CreateCycle(context.Background(), actor, workflow.CreateCycleCommand{
					Name:      "rogue",
					Framework: "SOX",
					StartDate: testutil.Date(2025, 10, 1),
					EndDate:   testutil.Date(2025, 12, 31),
				})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testutil.NewHarness(t)
			a := h.Started(t)
			finalized(t, h, a.ID, 100, 10, 0)
			_, err := h.WF.Tests.SubmitForReview(context.Background(), testutil.AuditorA, a.ID)
			require.NoError(t, err)

			mark := head(t, h)
			err = tt.run(h, a, tt.actor)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeForbidden), "got %v", err)
			assert.Equal(t, 403, errors.GetStatusCode(err))

			events := since(t, h, mark)
			require.Len(t, events, 1, "only the denial is recorded")
			denial := events[0]
			assert.Equal(t, audit.ActionPermissionDenied, denial.Action)
			assert.Equal(t, audit.ResultDenied, denial.Result)
			assert.Equal(t, tt.actor.ID, denial.Actor)
			assert.Equal(t, tt.permission, denial.Metadata["permission"])
			assert.NotEmpty(t, denial.EventHash)
		})
	}
}

func TestDeniedAttemptsAreQueryable(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	a := h.Started(t)

	for i := 0; i < 3; i++ {
		_, err := h.WF.Assignments.Transition(ctx, testutil.AuditorB, workflow.TransitionAssignmentCommand{
			AssignmentID: a.ID,
			Target:       assignment.StatusReview,
		})
		require.Error(t, err)
	}

	denied, err := h.WF.Audit.GetAuditTrail(ctx, a.ID.String(), audit.Filter{
		Result: audit.ResultDenied,
		Actor:  testutil.AuditorB.ID,
	})
	require.NoError(t, err)
	assert.Len(t, denied, 3)

	limited, err := h.WF.Audit.GetAuditTrail(ctx, a.ID.String(), audit.Filter{Result: audit.ResultDenied, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestTransientCommitFailuresAreRetried(t *testing.T) {
	h := testutil.NewHarness(t)
	c := h.SeedCycle(t, "2025-Q3")
	h.SeedControl(t, "ITGC-001")
	a := h.SeedAssignment(t, c.ID, "ITGC-001", testutil.AuditorA, testutil.Date(2025, 8, 15))

	before := h.Flaky.Commits()
	h.Flaky.FailNext(2)
	a = transition(t, h, testutil.AuditorA, a.ID, assignment.StatusInProgress)

	assert.Equal(t, assignment.StatusInProgress, a.Status)
	assert.Equal(t, before+3, h.Flaky.Commits())

	requests, err := h.WF.Evidence.ListRequests(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 3)
}

func TestExhaustedCommitLeavesNothingBehind(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	c := h.SeedCycle(t, "2025-Q3")
	h.SeedControl(t, "ITGC-001")
	a := h.SeedAssignment(t, c.ID, "ITGC-001", testutil.AuditorA, testutil.Date(2025, 8, 15))

	mark := head(t, h)
	before := h.Flaky.Commits()
	h.Flaky.FailAlways()

	_, err := h.WF.Assignments.Transition(ctx, testutil.AuditorA, workflow.TransitionAssignmentCommand{
		AssignmentID: a.ID,
		Target:       assignment.StatusInProgress,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePersistence))
	assert.True(t, errors.IsType(err, errors.ErrorTypePersistence))
	assert.Equal(t, before+h.Config.CommitAttempts, h.Flaky.Commits())

	stored, err := h.WF.Assignments.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, assignment.StatusNotStarted, stored.Status)

	requests, err := h.WF.Evidence.ListRequests(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, mark, head(t, h))
	assert.Empty(t, h.Notifier.Of(workflow.NotifyEvidenceRequested))

	h.Flaky.Heal()
	a = transition(t, h, testutil.AuditorA, a.ID, assignment.StatusInProgress)
	assert.Equal(t, assignment.StatusInProgress, a.Status)
}

func TestNotificationFailureDoesNotUndoCommand(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	h.Notifier.FailWith(stderrors.New("smtp relay unavailable"))

	a := h.Started(t)
	assert.Equal(t, assignment.StatusInProgress, a.Status)
	assert.Len(t, h.Notifier.Of(workflow.NotifyEvidenceRequested), 3, "delivery was attempted")

	stored, err := h.WF.Assignments.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, assignment.StatusInProgress, stored.Status)
}

func TestCommandValidation(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	a := h.Started(t)

	tests := []struct {
		name string
		run  func() error
		code string
	}{
		{
			name: "missing actor",
			run: func() error {
				_, err := h.WF.Assignments.Transition(ctx, workflow.Actor{}, workflow.TransitionAssignmentCommand{
					AssignmentID: a.ID,
					Target:       assignment.StatusReview,
				})
				return err
			},
			code: "MISSING_ACTOR",
		},
		{
			name: "missing target",
			run: func() error {
				_, err := h.WF.Assignments.Transition(ctx, testutil.AuditorA, workflow.TransitionAssignmentCommand{AssignmentID: a.ID})
				return err
			},
			code: errors.CodeValidation,
		},
		{
			name: "unknown status",
			run: func() error {
				_, err := h.WF.Assignments.Transition(ctx, testutil.AuditorA, workflow.TransitionAssignmentCommand{
					AssignmentID: a.ID,
					Target:       "archived",
				})
				return err
			},
			code: "INVALID_STATUS",
		},
		{
			name: "unknown assignment",
			run: func() error {
				_, err := h.WF.Assignments.Transition(ctx, testutil.AuditorA, workflow.TransitionAssignmentCommand{
					AssignmentID: uuid.New(),
					Target:       assignment.StatusReview,
				})
				return err
			},
			code: errors.CodeNotFound,
		},
		{
			name: "cancel without reason",
			run: func() error {
				_, err := h.WF.Evidence.CancelRequest(ctx, testutil.AuditorA, workflow.CancelRequestCommand{RequestID: uuid.New()})
				return err
			},
			code: errors.CodeValidation,
		},
		{
			name: "duplicate assignment",
			run: func() error {
				_, err := h.WF.Cycles.AddControlToCycle(ctx, testutil.Manager, workflow.CreateAssignmentCommand{
					CycleID:    a.CycleID,
					ControlRef: a.ControlRef,
					Assignee:   testutil.AuditorB.ID,
				})
				return err
			},
			code: errors.CodeDuplicateAssignment,
		},
		{
			name: "population too small for override",
			run: func() error {
				_, err := h.WF.Tests.DefineMethodology(ctx, testutil.AuditorA, workflow.DefineMethodologyCommand{
					AssignmentID:       a.ID,
					PopulationSize:     10,
					SampleSizeOverride: 11,
					OverrideNote:       "everything",
				})
				return err
			},
			code: errors.CodeInvalidMethodology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mark := head(t, h)
			err := tt.run()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
			assert.Empty(t, since(t, h, mark))
		})
	}
}
