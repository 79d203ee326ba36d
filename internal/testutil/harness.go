package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/clock"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/auth"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/events"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/repository"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// Standard actors used across workflow and API tests
var (
	Manager      = workflow.Actor{ID: "manager-m", Roles: []string{auth.RoleManager}}
	AuditorA     = workflow.Actor{ID: "auditor-a", Roles: []string{auth.RoleAuditor}}
	AuditorB     = workflow.Actor{ID: "auditor-b", Roles: []string{auth.RoleAuditor}}
	Reviewer     = workflow.Actor{ID: "reviewer-r", Roles: []string{auth.RoleReviewer}}
	Provider     = workflow.Actor{ID: "provider-p", Roles: []string{auth.RoleEvidenceProvider}}
	ControlOwner = workflow.Actor{ID: "owner-o", Roles: []string{auth.RoleControlOwner}}
	Outsider     = workflow.Actor{ID: "outsider-x", Roles: []string{"guest"}}
)

// Evidence types of the standard ITGC-001 control
const (
	EvidenceAccessReview  control.EvidenceType = "access_review_export"
	EvidenceChangeTickets control.EvidenceType = "change_tickets"
	EvidencePolicy        control.EvidenceType = "policy_document"
)

// Harness wires a workflow over the in-memory store with a mock clock and
// recording collaborators
type Harness struct {
	WF        *workflow.Workflow
	Store     *repository.MemoryStore
	Flaky     *FlakyStore
	Clock     *clock.MockClock
	Notifier  *RecordingNotifier
	Stream    *events.AuditStream
	Directory *auth.ProviderDirectory
	Cache     workflow.ProgressCache
	Config    workflow.Config
	Logger    *zap.Logger
}

// Option customises a harness
type Option func(*Harness)

// WithConfig replaces the workflow configuration
func WithConfig(fn func(*workflow.Config)) Option {
	return func(h *Harness) { fn(&h.Config) }
}

// WithCache installs a progress cache
func WithCache(cache workflow.ProgressCache) Option {
	return func(h *Harness) { h.Cache = cache }
}

// WithLogger replaces the test logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Harness) { h.Logger = logger }
}

// NewHarness builds a ready workflow. Every evidence type resolves to
// Provider unless re-registered on Directory.
func NewHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	cfg := workflow.DefaultConfig()
	cfg.CommitInitialInterval = time.Millisecond

	store := repository.NewMemoryStore()
	h := &Harness{
		Store:     store,
		Flaky:     &FlakyStore{Store: store},
		Clock:     clock.NewMockClock(Epoch),
		Notifier:  &RecordingNotifier{},
		Directory: auth.NewProviderDirectory(Provider.ID),
		Config:    cfg,
		Logger:    zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Stream = events.NewAuditStream(h.Logger)
	t.Cleanup(h.Stream.Close)

	wf, err := workflow.New(workflow.Dependencies{
		Store:      h.Flaky,
		Authorizer: auth.DefaultRolePolicy(h.Logger),
		Notifier:   h.Notifier,
		Providers:  h.Directory,
		Publisher:  h.Stream,
		Cache:      h.Cache,
		Clock:      h.Clock,
		Logger:     h.Logger,
	}, h.Config)
	require.NoError(t, err)
	h.WF = wf
	return h
}

// Replica wires a second workflow over store with its own lock table, the
// way another API process sharing the database would. A nil store means the
// harness store.
func (h *Harness) Replica(t *testing.T, store workflow.Store) *workflow.Workflow {
	t.Helper()
	if store == nil {
		store = h.Store
	}
	wf, err := workflow.New(workflow.Dependencies{
		Store:      store,
		Authorizer: auth.DefaultRolePolicy(h.Logger),
		Notifier:   h.Notifier,
		Providers:  h.Directory,
		Publisher:  h.Stream,
		Clock:      h.Clock,
		Logger:     h.Logger.Named("replica"),
	}, h.Config)
	require.NoError(t, err)
	return wf
}

// SeedCycle creates and activates a cycle managed by Manager
func (h *Harness) SeedCycle(t *testing.T, name string) *cycle.TestingCycle {
	t.Helper()
	ctx := context.Background()
	c, err := h.WF.Cycles.CreateCycle(ctx, Manager, workflow.CreateCycleCommand{
		Name:      name,
		Framework: "SOX",
		StartDate: Date(2025, time.July, 1),
		EndDate:   Date(2025, time.September, 30),
	})
	require.NoError(t, err)
	c, err = h.WF.Cycles.TransitionCycle(ctx, Manager, workflow.TransitionCycleCommand{CycleID: c.ID, Target: cycle.StatusActive})
	require.NoError(t, err)
	return c
}

// SeedControl registers a control requiring a mandatory access review
// export, mandatory change tickets and an optional policy document
func (h *Harness) SeedControl(t *testing.T, ref string) *control.Control {
	t.Helper()
	ctl, err := h.WF.Cycles.RegisterControl(context.Background(), Manager, workflow.RegisterControlCommand{
		Ref:       ref,
		Title:     "Quarterly user access review",
		Framework: "SOX",
		EvidenceRequirements: []control.EvidenceRequirement{
			{Type: EvidenceAccessReview, Format: "xlsx", Mandatory: true},
			{Type: EvidenceChangeTickets, Format: "csv", Mandatory: true},
			{Type: EvidencePolicy, Format: "pdf"},
		},
	})
	require.NoError(t, err)
	return ctl
}

// SeedAssignment adds ref to the cycle assigned to assignee, due on due
func (h *Harness) SeedAssignment(t *testing.T, cycleID uuid.UUID, ref string, assignee workflow.Actor, due time.Time) *assignment.ControlAssignment {
	t.Helper()
	a, err := h.WF.Cycles.AddControlToCycle(context.Background(), Manager, workflow.CreateAssignmentCommand{
		CycleID:    cycleID,
		ControlRef: ref,
		Assignee:   assignee.ID,
		DueDate:    due,
		Priority:   assignment.PriorityHigh,
	})
	require.NoError(t, err)
	return a
}

// Started seeds a cycle, a control and an assignment and moves the
// assignment to InProgress, which raises its evidence requests
func (h *Harness) Started(t *testing.T) *assignment.ControlAssignment {
	t.Helper()
	c := h.SeedCycle(t, "2025-Q3")
	h.SeedControl(t, "ITGC-001")
	a := h.SeedAssignment(t, c.ID, "ITGC-001", AuditorA, Date(2025, time.August, 15))
	a, err := h.WF.Assignments.Transition(context.Background(), AuditorA, workflow.TransitionAssignmentCommand{
		AssignmentID: a.ID,
		Target:       assignment.StatusInProgress,
	})
	require.NoError(t, err)
	return a
}

// RecordingNotifier captures notifications instead of delivering them
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []SentNotification
	err  error
}

// SentNotification is one captured notification
type SentNotification struct {
	UserID    string
	EventType string
	Payload   map[string]string
}

func (n *RecordingNotifier) Notify(_ context.Context, userID, eventType string, payload map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, SentNotification{UserID: userID, EventType: eventType, Payload: payload})
	return n.err
}

// FailWith makes every later Notify return err after recording
func (n *RecordingNotifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Of returns the notifications of one event type in send order
func (n *RecordingNotifier) Of(eventType string) []SentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []SentNotification
	for _, s := range n.sent {
		if s.EventType == eventType {
			out = append(out, s)
		}
	}
	return out
}

// FlakyStore injects commit failures in front of a real store
type FlakyStore struct {
	workflow.Store

	mu        sync.Mutex
	transient int
	permanent bool
	commits   int
}

// FailNext makes the next n commits fail with a transient error
func (f *FlakyStore) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transient = n
}

// FailAlways makes every commit fail until Heal is called
func (f *FlakyStore) FailAlways() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent = true
}

// Heal clears any injected failure
func (f *FlakyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transient = 0
	f.permanent = false
}

// Commits is the number of commit attempts seen, failed or not
func (f *FlakyStore) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *FlakyStore) Commit(ctx context.Context, cs *workflow.Changeset) error {
	f.mu.Lock()
	f.commits++
	fail := f.permanent || f.transient > 0
	if f.transient > 0 {
		f.transient--
	}
	f.mu.Unlock()

	if fail {
		return errors.NewTransientPersistenceError("injected commit failure")
	}
	return f.Store.Commit(ctx, cs)
}
