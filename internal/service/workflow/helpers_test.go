package workflow_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

const sampleSeed uint64 = 20250815

// fileFor builds a submission whose reference is derived from name
func fileFor(t control.EvidenceType, name string) evidence.FileSubmission {
	sum := sha256.Sum256([]byte(string(t) + "/" + name))
	hash := hex.EncodeToString(sum[:])
	return evidence.FileSubmission{
		File:         evidence.FileRef{ID: "file-" + hash[:12], Hash: hash, Size: 2048, UploadedAt: testutil.Epoch},
		EvidenceType: t,
		Name:         name,
	}
}

// requestFor returns the open or completed request covering an evidence type
func requestFor(t *testing.T, h *testutil.Harness, assignmentID uuid.UUID, et control.EvidenceType) *evidence.Request {
	t.Helper()
	requests, err := h.WF.Evidence.ListRequests(context.Background(), assignmentID)
	require.NoError(t, err)
	var found *evidence.Request
	for _, r := range requests {
		if _, ok := r.Spec(et); ok && r.Status != evidence.StatusCancelled {
			found = r
		}
	}
	require.NotNil(t, found, "no request for %s", et)
	return found
}

// submit offers one file for one evidence type as the provider
func submit(t *testing.T, h *testutil.Harness, assignmentID uuid.UUID, et control.EvidenceType, name string) *workflow.SubmitEvidenceResult {
	t.Helper()
	r := requestFor(t, h, assignmentID, et)
	res, err := h.WF.Evidence.SubmitEvidence(context.Background(), testutil.Provider, workflow.SubmitEvidenceCommand{
		RequestID: r.ID,
		Files:     []evidence.FileSubmission{fileFor(et, name)},
	})
	require.NoError(t, err)
	return res
}

// transition moves an assignment or fails the test
func transition(t *testing.T, h *testutil.Harness, actor workflow.Actor, id uuid.UUID, target assignment.Status) *assignment.ControlAssignment {
	t.Helper()
	a, err := h.WF.Assignments.Transition(context.Background(), actor, workflow.TransitionAssignmentCommand{
		AssignmentID: id,
		Target:       target,
	})
	require.NoError(t, err)
	return a
}

// sampled defines a methodology of the given size and draws the sample
func sampled(t *testing.T, h *testutil.Harness, assignmentID uuid.UUID, population, size int) *testexec.Execution {
	t.Helper()
	ctx := context.Background()
	_, err := h.WF.Tests.DefineMethodology(ctx, testutil.AuditorA, workflow.DefineMethodologyCommand{
		AssignmentID:       assignmentID,
		PopulationSize:     population,
		SampleSizeOverride: size,
		OverrideNote:       "agreed with the audit manager",
	})
	require.NoError(t, err)
	exec, err := h.WF.Tests.SelectSample(ctx, testutil.AuditorA, workflow.SelectSampleCommand{
		AssignmentID: assignmentID,
		Method:       testexec.MethodRandom,
		Seed:         testutil.Ptr(sampleSeed),
	})
	require.NoError(t, err)
	require.Len(t, exec.Items, size)
	return exec
}

// concludeAll records an exception for the first exceptions items and
// appropriate for the rest
func concludeAll(t *testing.T, h *testutil.Harness, exec *testexec.Execution, exceptions int, catastrophic bool) {
	t.Helper()
	for i, item := range exec.Items {
		cmd := workflow.RecordConclusionCommand{
			AssignmentID: exec.AssignmentID,
			ItemID:       item.ID,
			Conclusion:   testexec.ItemAppropriate,
		}
		if i < exceptions {
			cmd.Conclusion = testexec.ItemException
			cmd.Note = "approval missing from ticket"
			cmd.Catastrophic = catastrophic && i == 0
		}
		_, err := h.WF.Tests.RecordItemConclusion(context.Background(), testutil.AuditorA, cmd)
		require.NoError(t, err)
	}
}

// finalized runs a test to completion with the given exception count
func finalized(t *testing.T, h *testutil.Harness, assignmentID uuid.UUID, population, size, exceptions int) *workflow.FinalizeResult {
	t.Helper()
	exec := sampled(t, h, assignmentID, population, size)
	concludeAll(t, h, exec, exceptions, false)
	res, err := h.WF.Tests.Finalize(context.Background(), testutil.AuditorA, assignmentID)
	require.NoError(t, err)
	return res
}

// approved takes a test through review to approval
func approved(t *testing.T, h *testutil.Harness, assignmentID uuid.UUID, exceptions int) *testexec.Execution {
	t.Helper()
	ctx := context.Background()
	finalized(t, h, assignmentID, 100, 10, exceptions)
	_, err := h.WF.Tests.SubmitForReview(ctx, testutil.AuditorA, assignmentID)
	require.NoError(t, err)
	exec, err := h.WF.Tests.Approve(ctx, testutil.Reviewer, assignmentID)
	require.NoError(t, err)
	return exec
}

// head returns the sequence number of the newest audit event
func head(t *testing.T, h *testutil.Harness) int64 {
	t.Helper()
	events, err := h.Store.AuditLog(context.Background(), 1, 0)
	require.NoError(t, err)
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].SequenceNum
}

// since returns the events appended after seq
func since(t *testing.T, h *testutil.Harness, seq int64) []*audit.Event {
	t.Helper()
	events, err := h.Store.AuditLog(context.Background(), seq+1, 0)
	require.NoError(t, err)
	return events
}

// actions lists the actions of events in order
func actions(events []*audit.Event) []audit.Action {
	out := make([]audit.Action, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

// trail returns the audit trail of an entity restricted to some actions
func trail(t *testing.T, h *testutil.Harness, entityID string, actions ...audit.Action) []*audit.Event {
	t.Helper()
	events, err := h.WF.Audit.GetAuditTrail(context.Background(), entityID, audit.Filter{Actions: actions})
	require.NoError(t, err)
	return events
}
