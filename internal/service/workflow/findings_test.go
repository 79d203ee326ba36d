package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

// raised finalizes a test with one exception in ten, which is a deficiency
func raised(t *testing.T, h *testutil.Harness) (*assignment.ControlAssignment, *finding.Finding) {
	t.Helper()
	a := h.Started(t)
	res := finalized(t, h, a.ID, 100, 10, 1)
	require.NotNil(t, res.Finding)
	require.Equal(t, finding.SeverityDeficiency, res.Finding.Severity)
	return a, res.Finding
}

func addActivity(t *testing.T, h *testutil.Harness, findingID uuid.UUID, owner string, target time.Time) *finding.RemediationActivity {
	t.Helper()
	f, err := h.WF.Findings.AddRemediationActivity(context.Background(), testutil.Manager, workflow.AddActivityCommand{
		FindingID:   findingID,
		Description: "re-perform access review with documented approvals",
		Owner:       owner,
		TargetDate:  target,
	})
	require.NoError(t, err)
	activity := f.Activities[len(f.Activities)-1]
	return &activity
}

func TestFindingRemediationLifecycle(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, f := raised(t, h)

	assert.Equal(t, finding.StatusOpen, f.Status)
	assert.Equal(t, testutil.AuditorA.ID, f.Owner)
	assert.False(t, f.FollowUpRequired)
	assert.Equal(t, "0.1", f.ExceptionRate.String())

	_, err := h.WF.Findings.Close(ctx, testutil.Reviewer, f.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition), "an open finding has no remediation yet")

	f, err = h.WF.Findings.SetRootCause(ctx, testutil.AuditorA, workflow.SetRootCauseCommand{
		FindingID: f.ID,
		RootCause: finding.RootCauseProcess,
		Note:      "approver delegation not documented",
	})
	require.NoError(t, err)
	assert.Equal(t, finding.RootCauseProcess, f.RootCause)

	activity := addActivity(t, h, f.ID, testutil.ControlOwner.ID, testutil.Date(2025, 7, 20))
	f, err = h.WF.Findings.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.StatusInRemediation, f.Status)

	assigned := h.Notifier.Of(workflow.NotifyRemediationAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, testutil.ControlOwner.ID, assigned[0].UserID)
	assert.Equal(t, activity.ID.String(), assigned[0].Payload["activity_id"])

	_, err = h.WF.Findings.Close(ctx, testutil.Reviewer, f.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePrerequisiteNotMet))

	f, err = h.WF.Findings.CompleteRemediationActivity(ctx, testutil.ControlOwner, workflow.CompleteActivityCommand{
		FindingID:  f.ID,
		ActivityID: activity.ID,
		Note:       "review re-performed, approvals attached",
	})
	require.NoError(t, err)
	assert.Empty(t, f.OpenActivities())

	f, err = h.WF.Findings.Close(ctx, testutil.Reviewer, f.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.StatusClosed, f.Status)
	assert.Equal(t, testutil.Reviewer.ID, f.ClosedBy)

	_, err = h.WF.Findings.Withdraw(ctx, testutil.Manager, workflow.WithdrawFindingCommand{FindingID: f.ID, Reason: "late"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))

	assert.Equal(t, []audit.Action{
		audit.ActionFindingCreated,
		audit.ActionRootCauseSet,
		audit.ActionRemediationAdded,
		audit.ActionRemediationCompleted,
		audit.ActionFindingClosed,
	}, actions(trail(t, h, f.ID.String())))
}

func TestCompleteActivityOwnership(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, f := raised(t, h)

	mine := addActivity(t, h, f.ID, testutil.ControlOwner.ID, testutil.Date(2025, 7, 20))
	theirs := addActivity(t, h, f.ID, "owner-q", testutil.Date(2025, 7, 20))

	_, err := h.WF.Findings.CompleteRemediationActivity(ctx, testutil.ControlOwner, workflow.CompleteActivityCommand{
		FindingID:  f.ID,
		ActivityID: theirs.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeForbidden))

	f, err = h.WF.Findings.CompleteRemediationActivity(ctx, testutil.ControlOwner, workflow.CompleteActivityCommand{
		FindingID:  f.ID,
		ActivityID: mine.ID,
	})
	require.NoError(t, err)
	require.Len(t, f.OpenActivities(), 1)
	assert.Equal(t, theirs.ID, f.OpenActivities()[0].ID)

	_, err = h.WF.Findings.CompleteRemediationActivity(ctx, testutil.ControlOwner, workflow.CompleteActivityCommand{
		FindingID:  f.ID,
		ActivityID: mine.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition), "an activity completes once")

	completed := trail(t, h, f.ID.String(), audit.ActionRemediationCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "false", completed[0].Metadata["all_complete"])
}

func TestFollowUpGatesClosing(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, f := raised(t, h)
	activity := addActivity(t, h, f.ID, testutil.ControlOwner.ID, testutil.Date(2025, 7, 20))
	_, err := h.WF.Findings.CompleteRemediationActivity(ctx, testutil.ControlOwner, workflow.CompleteActivityCommand{
		FindingID:  f.ID,
		ActivityID: activity.ID,
	})
	require.NoError(t, err)

	_, err = h.WF.Findings.RecordFollowUpResult(ctx, testutil.AuditorA, workflow.RecordFollowUpCommand{FindingID: f.ID, Passed: true})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePrerequisiteNotMet), "nothing scheduled yet")

	f, err = h.WF.Findings.ScheduleFollowUp(ctx, testutil.AuditorA, workflow.ScheduleFollowUpCommand{
		FindingID: f.ID,
		Date:      testutil.Date(2025, 9, 1),
	})
	require.NoError(t, err)
	assert.True(t, f.FollowUpRequired)

	_, err = h.WF.Findings.Close(ctx, testutil.Reviewer, f.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePrerequisiteNotMet))

	_, err = h.WF.Findings.RecordFollowUpResult(ctx, testutil.AuditorA, workflow.RecordFollowUpCommand{FindingID: f.ID, Passed: false})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, "MISSING_FOLLOW_UP_NOTE"))

	_, err = h.WF.Findings.RecordFollowUpResult(ctx, testutil.AuditorA, workflow.RecordFollowUpCommand{
		FindingID: f.ID,
		Passed:    false,
		Note:      "two approvals still missing",
	})
	require.NoError(t, err)
	_, err = h.WF.Findings.Close(ctx, testutil.Reviewer, f.ID)
	require.Error(t, err, "a failed follow-up does not allow closing")

	_, err = h.WF.Findings.RecordFollowUpResult(ctx, testutil.AuditorA, workflow.RecordFollowUpCommand{FindingID: f.ID, Passed: true})
	require.NoError(t, err)
	f, err = h.WF.Findings.Close(ctx, testutil.Reviewer, f.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.StatusClosed, f.Status)
}

func TestSignificantDeficiencyRequiresFollowUp(t *testing.T) {
	h := testutil.NewHarness(t)
	a := h.Started(t)

	res := finalized(t, h, a.ID, 100, 10, 3)
	require.NotNil(t, res.Finding)
	assert.Equal(t, testexec.ConclusionSignificantDeficiency, res.Execution.Conclusion)
	assert.Equal(t, finding.SeveritySignificantDeficiency, res.Finding.Severity)
	assert.True(t, res.Finding.FollowUpRequired)
}

func TestWithdrawOnlyFromOpen(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, f := raised(t, h)

	_, err := h.WF.Findings.Withdraw(ctx, testutil.Manager, workflow.WithdrawFindingCommand{FindingID: f.ID})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeValidation))

	_, err = h.WF.Findings.Withdraw(ctx, testutil.AuditorA, workflow.WithdrawFindingCommand{FindingID: f.ID, Reason: "mine"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeForbidden))

	f, err = h.WF.Findings.Withdraw(ctx, testutil.Manager, workflow.WithdrawFindingCommand{
		FindingID: f.ID,
		Reason:    "exception traced to a sampling error",
	})
	require.NoError(t, err)
	assert.Equal(t, finding.StatusWithdrawn, f.Status)
	assert.Equal(t, "exception traced to a sampling error", f.WithdrawnReason)

	_, err = h.WF.Findings.AddRemediationActivity(ctx, testutil.Manager, workflow.AddActivityCommand{
		FindingID:   f.ID,
		Description: "too late",
		Owner:       testutil.ControlOwner.ID,
		TargetDate:  testutil.Date(2025, 7, 20),
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))
}

func TestOverrideKeepsFindingConsistent(t *testing.T) {
	t.Run("escalating severity updates the open finding", func(t *testing.T) {
		h := testutil.NewHarness(t)
		ctx := context.Background()
		a, f := raised(t, h)

		res, err := h.WF.Tests.OverrideConclusion(ctx, testutil.Manager, workflow.OverrideConclusionCommand{
			AssignmentID: a.ID,
			Conclusion:   testexec.ConclusionMaterialWeakness,
			Note:         "exception affects financial close",
		})
		require.NoError(t, err)
		require.NotNil(t, res.Finding)
		assert.Equal(t, f.ID, res.Finding.ID)
		assert.Equal(t, finding.SeverityMaterialWeakness, res.Finding.Severity)
		assert.True(t, res.Finding.FollowUpRequired)
		assert.Equal(t, testexec.ConclusionDeficiency, res.Execution.Override.Derived)

		updated := trail(t, h, f.ID.String(), audit.ActionFindingUpdated)
		require.Len(t, updated, 1)
		assert.Equal(t, string(finding.SeverityMaterialWeakness), updated[0].Metadata["severity"])
	})

	t.Run("overriding to effective withdraws the finding", func(t *testing.T) {
		h := testutil.NewHarness(t)
		ctx := context.Background()
		a, f := raised(t, h)

		res, err := h.WF.Tests.OverrideConclusion(ctx, testutil.Manager, workflow.OverrideConclusionCommand{
			AssignmentID: a.ID,
			Conclusion:   testexec.ConclusionEffective,
			Note:         "exception was a compensating control",
		})
		require.NoError(t, err)
		assert.Equal(t, finding.StatusWithdrawn, res.Finding.Status)

		stored, err := h.WF.Findings.GetFinding(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, finding.StatusWithdrawn, stored.Status)
	})

	t.Run("effective override then deficient override raises a new finding", func(t *testing.T) {
		h := testutil.NewHarness(t)
		ctx := context.Background()
		a := h.Started(t)
		res := finalized(t, h, a.ID, 100, 10, 0)
		require.Nil(t, res.Finding)

		res, err := h.WF.Tests.OverrideConclusion(ctx, testutil.Manager, workflow.OverrideConclusionCommand{
			AssignmentID: a.ID,
			Conclusion:   testexec.ConclusionDeficiency,
			Note:         "design gap found in walkthrough",
		})
		require.NoError(t, err)
		require.NotNil(t, res.Finding)
		assert.Equal(t, finding.StatusOpen, res.Finding.Status)
		assert.Len(t, h.Notifier.Of(workflow.NotifyFindingRaised), 2)
	})

	t.Run("a finding in remediation cannot be overridden away", func(t *testing.T) {
		h := testutil.NewHarness(t)
		ctx := context.Background()
		a, f := raised(t, h)
		addActivity(t, h, f.ID, testutil.ControlOwner.ID, testutil.Date(2025, 7, 20))

		mark := head(t, h)
		_, err := h.WF.Tests.OverrideConclusion(ctx, testutil.Manager, workflow.OverrideConclusionCommand{
			AssignmentID: a.ID,
			Conclusion:   testexec.ConclusionEffective,
			Note:         "second thoughts",
		})
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodePrerequisiteNotMet))
		assert.Empty(t, since(t, h, mark))
	})
}

func TestGetFindingsBySeverity(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	c := h.SeedCycle(t, "2025-Q3")

	refs := map[string]int{"ITGC-001": 1, "ITGC-002": 1, "ITGC-003": 3}
	for ref, exceptions := range refs {
		h.SeedControl(t, ref)
		a := h.SeedAssignment(t, c.ID, ref, testutil.AuditorA, testutil.Date(2025, 8, 15))
		transition(t, h, testutil.AuditorA, a.ID, assignment.StatusInProgress)
		finalized(t, h, a.ID, 100, 10, exceptions)
	}

	deficiencies, err := h.WF.Findings.GetFindingsBySeverity(ctx, finding.SeverityDeficiency, c.ID)
	require.NoError(t, err)
	assert.Len(t, deficiencies, 2)

	significant, err := h.WF.Findings.GetFindingsBySeverity(ctx, finding.SeveritySignificantDeficiency, c.ID)
	require.NoError(t, err)
	require.Len(t, significant, 1)
	assert.Equal(t, "ITGC-003", significant[0].ControlRef)

	other, err := h.WF.Findings.GetFindingsBySeverity(ctx, finding.SeverityDeficiency, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = h.WF.Findings.GetFindingsBySeverity(ctx, "severe", c.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, "INVALID_SEVERITY"))
}
