package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
)

// AssignmentEngine owns the lifecycle of control assignments
type AssignmentEngine interface {
	// Create binds a control to an auditor within a cycle
	Create(ctx context.Context, actor Actor, cmd CreateAssignmentCommand) (*assignment.ControlAssignment, error)
	// Transition moves an assignment along the fixed transition table
	Transition(ctx context.Context, actor Actor, cmd TransitionAssignmentCommand) (*assignment.ControlAssignment, error)
	// Reassign transfers an assignment to another auditor
	Reassign(ctx context.Context, actor Actor, cmd ReassignCommand) (*assignment.ControlAssignment, error)
	// GetAssignment returns an assignment by ID
	GetAssignment(ctx context.Context, id uuid.UUID) (*assignment.ControlAssignment, error)
	// ListAssignments returns the assignments of a cycle
	ListAssignments(ctx context.Context, cycleID uuid.UUID) ([]*assignment.ControlAssignment, error)
}

// EvidenceCoordinator owns the lifecycle of evidence requests
type EvidenceCoordinator interface {
	CreateRequest(ctx context.Context, actor Actor, cmd CreateRequestCommand) (*evidence.Request, error)
	Acknowledge(ctx context.Context, actor Actor, requestID uuid.UUID) (*evidence.Request, error)
	SubmitEvidence(ctx context.Context, actor Actor, cmd SubmitEvidenceCommand) (*SubmitEvidenceResult, error)
	CancelRequest(ctx context.Context, actor Actor, cmd CancelRequestCommand) (*evidence.Request, error)
	// Escalate fires the next escalation tier if one is due. It reports
	// whether a tier fired.
	Escalate(ctx context.Context, actor Actor, requestID uuid.UUID) (bool, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*evidence.Request, error)
	ListRequests(ctx context.Context, assignmentID uuid.UUID) ([]*evidence.Request, error)
}

// TestExecutionEngine owns sampling and conclusions for an assignment's test
type TestExecutionEngine interface {
	DefineMethodology(ctx context.Context, actor Actor, cmd DefineMethodologyCommand) (*testexec.Execution, error)
	SelectSample(ctx context.Context, actor Actor, cmd SelectSampleCommand) (*testexec.Execution, error)
	RecordItemConclusion(ctx context.Context, actor Actor, cmd RecordConclusionCommand) (*testexec.Execution, error)
	Finalize(ctx context.Context, actor Actor, assignmentID uuid.UUID) (*FinalizeResult, error)
	SubmitForReview(ctx context.Context, actor Actor, assignmentID uuid.UUID) (*testexec.Execution, error)
	Approve(ctx context.Context, actor Actor, assignmentID uuid.UUID) (*testexec.Execution, error)
	OverrideConclusion(ctx context.Context, actor Actor, cmd OverrideConclusionCommand) (*FinalizeResult, error)
	GetExecution(ctx context.Context, assignmentID uuid.UUID) (*testexec.Execution, error)
}

// FindingTracker owns findings and their remediation
type FindingTracker interface {
	AddRemediationActivity(ctx context.Context, actor Actor, cmd AddActivityCommand) (*finding.Finding, error)
	CompleteRemediationActivity(ctx context.Context, actor Actor, cmd CompleteActivityCommand) (*finding.Finding, error)
	SetRootCause(ctx context.Context, actor Actor, cmd SetRootCauseCommand) (*finding.Finding, error)
	ScheduleFollowUp(ctx context.Context, actor Actor, cmd ScheduleFollowUpCommand) (*finding.Finding, error)
	RecordFollowUpResult(ctx context.Context, actor Actor, cmd RecordFollowUpCommand) (*finding.Finding, error)
	Close(ctx context.Context, actor Actor, findingID uuid.UUID) (*finding.Finding, error)
	Withdraw(ctx context.Context, actor Actor, cmd WithdrawFindingCommand) (*finding.Finding, error)
	GetFinding(ctx context.Context, id uuid.UUID) (*finding.Finding, error)
	// GetFindingsBySeverity lists findings of one severity, optionally
	// restricted to a cycle when cycleID is not uuid.Nil
	GetFindingsBySeverity(ctx context.Context, severity finding.Severity, cycleID uuid.UUID) ([]*finding.Finding, error)
}

// CycleOrchestrator owns testing cycles and the control catalog
type CycleOrchestrator interface {
	CreateCycle(ctx context.Context, actor Actor, cmd CreateCycleCommand) (*cycle.TestingCycle, error)
	RegisterControl(ctx context.Context, actor Actor, cmd RegisterControlCommand) (*control.Control, error)
	AddControlToCycle(ctx context.Context, actor Actor, cmd CreateAssignmentCommand) (*assignment.ControlAssignment, error)
	TransitionCycle(ctx context.Context, actor Actor, cmd TransitionCycleCommand) (*cycle.TestingCycle, error)
	ArchiveCycle(ctx context.Context, actor Actor, cycleID uuid.UUID) (*cycle.TestingCycle, error)
	GetCycle(ctx context.Context, id uuid.UUID) (*cycle.TestingCycle, error)
	GetControl(ctx context.Context, ref string) (*control.Control, error)
	// ComputeProgress always aggregates from current child state
	ComputeProgress(ctx context.Context, cycleID uuid.UUID) (*cycle.Progress, error)
	// GetCycleProgress may serve a recent cached aggregation
	GetCycleProgress(ctx context.Context, cycleID uuid.UUID) (*cycle.Progress, error)
}

// AuditLog exposes the append-only event history
type AuditLog interface {
	// GetAuditTrail returns the events of an entity and of everything it owns
	GetAuditTrail(ctx context.Context, entityID string, filter audit.Filter) ([]*audit.Event, error)
	// Events pages through the whole log in sequence order
	Events(ctx context.Context, fromSequence int64, limit int) ([]*audit.Event, error)
	// VerifyChain recomputes every hash in the log
	VerifyChain(ctx context.Context) (*audit.ChainVerificationResult, error)
}

// Changeset is the unit of atomic persistence: the audit events describing
// a command and the aggregates it changed
type Changeset struct {
	Events      []*audit.Event
	Cycles      []*cycle.TestingCycle
	Controls    []*control.Control
	Assignments []*assignment.ControlAssignment
	Requests    []*evidence.Request
	Executions  []*testexec.Execution
	Findings    []*finding.Finding
}

// IsEmpty reports whether the changeset records anything
func (cs *Changeset) IsEmpty() bool {
	return len(cs.Events) == 0
}

// Store persists aggregates and the hash-chained audit log
type Store interface {
	// Commit seals and appends the events and applies the aggregates
	// atomically. New aggregates carry Version 0; existing ones must match the
	// stored version. On success every aggregate's Version is incremented.
	Commit(ctx context.Context, cs *Changeset) error
	// NextRequestNumber allocates a unique human-readable request number
	NextRequestNumber(ctx context.Context) (string, error)

	GetCycle(ctx context.Context, id uuid.UUID) (*cycle.TestingCycle, error)
	GetControl(ctx context.Context, ref string) (*control.Control, error)

	GetAssignment(ctx context.Context, id uuid.UUID) (*assignment.ControlAssignment, error)
	FindAssignment(ctx context.Context, cycleID uuid.UUID, controlRef string) (*assignment.ControlAssignment, error)
	ListAssignmentsByCycle(ctx context.Context, cycleID uuid.UUID) ([]*assignment.ControlAssignment, error)

	GetEvidenceRequest(ctx context.Context, id uuid.UUID) (*evidence.Request, error)
	ListEvidenceRequests(ctx context.Context, assignmentID uuid.UUID) ([]*evidence.Request, error)
	ListEvidenceRequestsByCycle(ctx context.Context, cycleID uuid.UUID) ([]*evidence.Request, error)
	ListOpenEvidenceRequests(ctx context.Context) ([]*evidence.Request, error)

	GetExecution(ctx context.Context, assignmentID uuid.UUID) (*testexec.Execution, error)

	GetFinding(ctx context.Context, id uuid.UUID) (*finding.Finding, error)
	// GetFindingByExecution returns the most recently raised finding
	GetFindingByExecution(ctx context.Context, executionID uuid.UUID) (*finding.Finding, error)
	ListFindings(ctx context.Context, filter finding.Filter) ([]*finding.Finding, error)

	AuditTrail(ctx context.Context, entityID string, filter audit.Filter) ([]*audit.Event, error)
	AuditLog(ctx context.Context, fromSequence int64, limit int) ([]*audit.Event, error)
}

// Authorizer is the identity collaborator's permission check
type Authorizer interface {
	HasPermission(ctx context.Context, actor Actor, resource Resource, action string, scope Scope) bool
}

// Notifier dispatches user notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]string) error
}

// ProviderDirectory resolves who supplies a kind of evidence for a control
type ProviderDirectory interface {
	ResolveProvider(ctx context.Context, controlRef string, evidenceType control.EvidenceType) (string, error)
}

// FileStore is the file storage collaborator. The workflow only checks
// that referenced files exist.
type FileStore interface {
	Exists(ctx context.Context, ref evidence.FileRef) (bool, error)
}

// ProgressCache accelerates cycle progress reads. It is never authoritative.
type ProgressCache interface {
	Get(ctx context.Context, cycleID uuid.UUID) (*cycle.Progress, bool, error)
	Set(ctx context.Context, progress *cycle.Progress) error
	Invalidate(ctx context.Context, cycleID uuid.UUID) error
}

// AuditPublisher receives events after they are durable
type AuditPublisher interface {
	Publish(ctx context.Context, events []*audit.Event)
}

// SeedSource produces sampling seeds when the caller supplies none
type SeedSource interface {
	Seed() (uint64, error)
}

// Recorder collects workflow metrics
type Recorder interface {
	CommandCompleted(entity audit.EntityType, action audit.Action)
	CommandRejected(action audit.Action, code string)
	CommitRetried()
	CommitFailed()
	OverdueMarked(entity audit.EntityType)
	Escalated(entity audit.EntityType, tier int)
	SweepCompleted(duration time.Duration, failures int)
}
