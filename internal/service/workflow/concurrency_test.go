package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

func TestConcurrentSubmissionsAreAllRecorded(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	a := h.Started(t)
	r := requestFor(t, h, a.ID, testutil.EvidenceAccessReview)
	mark := head(t, h)

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			_, err := h.WF.Evidence.SubmitEvidence(ctx, testutil.Provider, workflow.SubmitEvidenceCommand{
				RequestID: r.ID,
				Files: []evidence.FileSubmission{
					fileFor(testutil.EvidenceAccessReview, fmt.Sprintf("access-%02d.xlsx", i)),
				},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := h.WF.Evidence.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Submissions, writers)
	assert.Len(t, stored.ActiveSubmissions(), writers)
	assert.Equal(t, evidence.StatusCompleted, stored.Status)

	events := since(t, h, mark)
	assert.Len(t, events, writers)
	for _, e := range events {
		assert.Equal(t, audit.ActionEvidenceSubmitted, e.Action)
	}

	result, err := h.WF.Audit.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid, "breaks: %v", result.ChainBreaks)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	a := h.Started(t)
	mark := head(t, h)

	const racers = 10
	var (
		wins   atomic.Int32
		losers atomic.Int32
		wg     sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.WF.Assignments.Transition(ctx, testutil.AuditorA, workflow.TransitionAssignmentCommand{
				AssignmentID: a.ID,
				Target:       assignment.StatusReview,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.HasCode(err, errors.CodeInvalidTransition):
				losers.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(racers-1), losers.Load())
	assert.Len(t, since(t, h, mark), 1)
	assert.Len(t, h.Notifier.Of(workflow.NotifyAssignmentReview), 1)
}

func TestParallelAssignmentsShareOneChain(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	c := h.SeedCycle(t, "2025-Q3")

	const controls = 6
	ids := make([]*assignment.ControlAssignment, controls)
	for i := range ids {
		ref := fmt.Sprintf("ITGC-%03d", i+1)
		h.SeedControl(t, ref)
		ids[i] = h.SeedAssignment(t, c.ID, ref, testutil.AuditorA, testutil.Date(2025, 8, 15))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range ids {
		a := a
		g.Go(func() error {
			_, err := h.WF.Assignments.Transition(gctx, testutil.AuditorA, workflow.TransitionAssignmentCommand{
				AssignmentID: a.ID,
				Target:       assignment.StatusInProgress,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	numbers := make(map[string]bool)
	for _, a := range ids {
		requests, err := h.WF.Evidence.ListRequests(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, requests, 3)
		for _, r := range requests {
			assert.False(t, numbers[r.Number], "request number %s issued twice", r.Number)
			numbers[r.Number] = true
		}
	}
	assert.Len(t, numbers, controls*3)

	log, err := h.Store.AuditLog(ctx, 1, 0)
	require.NoError(t, err)
	for i, e := range log {
		assert.Equal(t, int64(i+1), e.SequenceNum)
	}

	result, err := h.WF.Audit.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, len(log), result.EventsVerified)
}

// staleListStore answers the first ListEvidenceRequests call, then holds the
// caller until released so another writer can commit in between
type staleListStore struct {
	workflow.Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (s *staleListStore) ListEvidenceRequests(ctx context.Context, assignmentID uuid.UUID) ([]*evidence.Request, error) {
	requests, err := s.Store.ListEvidenceRequests(ctx, assignmentID)
	s.once.Do(func() {
		close(s.reached)
		<-s.release
	})
	return requests, err
}

func TestReplicasCannotBothOpenTheSameEvidenceType(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	a := h.Started(t)

	policy := requestFor(t, h, a.ID, testutil.EvidencePolicy)
	_, err := h.WF.Evidence.CancelRequest(ctx, testutil.AuditorA, workflow.CancelRequestCommand{
		RequestID: policy.ID,
		Reason:    "requested under the wrong control",
	})
	require.NoError(t, err)

	slow := &staleListStore{Store: h.Store, reached: make(chan struct{}), release: make(chan struct{})}
	replica := h.Replica(t, slow)
	cmd := workflow.CreateRequestCommand{
		AssignmentID: a.ID,
		Specs:        []evidence.Spec{{Type: testutil.EvidencePolicy, Format: "pdf"}},
	}

	replicaErr := make(chan error, 1)
	go func() {
		_, err := replica.Evidence.CreateRequest(ctx, testutil.AuditorA, cmd)
		replicaErr <- err
	}()
	<-slow.reached

	_, err = h.WF.Evidence.CreateRequest(ctx, testutil.AuditorA, cmd)
	require.NoError(t, err)
	close(slow.release)

	err = <-replicaErr
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeVersionConflict), "got %v", err)

	requests, err := h.WF.Evidence.ListRequests(ctx, a.ID)
	require.NoError(t, err)
	open := 0
	for _, r := range requests {
		if _, ok := r.Spec(testutil.EvidencePolicy); ok && r.IsOpen() {
			open++
		}
	}
	assert.Equal(t, 1, open)

	result, err := h.WF.Audit.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}
