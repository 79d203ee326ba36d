package workflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/escalation"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
)

// Actor is the identity a command is performed as
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the actor holds role
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleSystem is held only by internal schedulers
const RoleSystem = "system"

// SystemActor performs sweeps and escalations
var SystemActor = Actor{ID: "system:sweeper", Roles: []string{RoleSystem}}

// Resource names what a permission check protects
type Resource string

const (
	ResourceCycle           Resource = "cycle"
	ResourceControl         Resource = "control"
	ResourceAssignment      Resource = "assignment"
	ResourceEvidenceRequest Resource = "evidence_request"
	ResourceTestExecution   Resource = "test_execution"
	ResourceFinding         Resource = "finding"
)

// Permission actions
const (
	PermCreate           = "create"
	PermTransition       = "transition"
	PermReassign         = "reassign"
	PermArchive          = "archive"
	PermAddControl       = "add_control"
	PermRegister         = "register"
	PermAcknowledge      = "acknowledge"
	PermSubmit           = "submit"
	PermCancel           = "cancel"
	PermEscalate         = "escalate"
	PermDefine           = "define_methodology"
	PermSelectSample     = "select_sample"
	PermRecordConclusion = "record_conclusion"
	PermFinalize         = "finalize"
	PermSubmitForReview  = "submit_for_review"
	PermApprove          = "approve"
	PermOverride         = "override_conclusion"
	PermAddActivity      = "add_activity"
	PermCompleteActivity = "complete_activity"
	PermSetRootCause     = "set_root_cause"
	PermFollowUp         = "follow_up"
	PermClose            = "close"
	PermWithdraw         = "withdraw"
)

// Scope narrows a permission check to a target. Owner is set when the actor
// is the party responsible for the target (assignee, provider, activity owner).
type Scope struct {
	CycleID      uuid.UUID `json:"cycle_id,omitempty"`
	AssignmentID uuid.UUID `json:"assignment_id,omitempty"`
	EntityID     string    `json:"entity_id,omitempty"`
	Owner        bool      `json:"owner"`
}

// Notification event types
const (
	NotifyEvidenceRequested    = "evidence_requested"
	NotifyEvidenceSubmitted    = "evidence_submitted"
	NotifyEvidenceEscalated    = "evidence_request_escalated"
	NotifyAssignmentAssigned   = "assignment_assigned"
	NotifyAssignmentReview     = "assignment_ready_for_review"
	NotifyAssignmentBlocked    = "assignment_blocked"
	NotifyExecutionReview      = "test_execution_ready_for_review"
	NotifyFindingRaised        = "finding_raised"
	NotifyRemediationAssigned  = "remediation_assigned"
	NotifyRemediationEscalated = "remediation_escalated"
)

// Commands

type CreateCycleCommand struct {
	Name      string    `json:"name" validate:"required,max=200"`
	Framework string    `json:"framework" validate:"required,max=100"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date" validate:"required,gtfield=StartDate"`
}

type RegisterControlCommand struct {
	Ref                  string                        `json:"ref" validate:"required,max=100"`
	Title                string                        `json:"title" validate:"required,max=300"`
	Description          string                        `json:"description,omitempty"`
	Framework            string                        `json:"framework,omitempty"`
	EvidenceRequirements []control.EvidenceRequirement `json:"evidence_requirements" validate:"dive"`
}

type TransitionCycleCommand struct {
	CycleID uuid.UUID    `json:"cycle_id" validate:"required"`
	Target  cycle.Status `json:"target" validate:"required"`
}

type CreateAssignmentCommand struct {
	CycleID    uuid.UUID           `json:"cycle_id" validate:"required"`
	ControlRef string              `json:"control_ref" validate:"required"`
	Assignee   string              `json:"assignee" validate:"required"`
	Manager    string              `json:"manager,omitempty"`
	DueDate    time.Time           `json:"due_date"`
	Priority   assignment.Priority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
}

type TransitionAssignmentCommand struct {
	AssignmentID uuid.UUID         `json:"assignment_id" validate:"required"`
	Target       assignment.Status `json:"target" validate:"required"`
	Note         string            `json:"note,omitempty"`
}

type ReassignCommand struct {
	AssignmentID uuid.UUID `json:"assignment_id" validate:"required"`
	NewAssignee  string    `json:"new_assignee" validate:"required"`
	Reason       string    `json:"reason,omitempty"`
}

type CreateRequestCommand struct {
	AssignmentID  uuid.UUID       `json:"assignment_id" validate:"required"`
	Specs         []evidence.Spec `json:"specs" validate:"required,min=1,dive"`
	DueDate       time.Time       `json:"due_date"`
	RequestedFrom string          `json:"requested_from,omitempty"`
}

type SubmitEvidenceCommand struct {
	RequestID uuid.UUID                 `json:"request_id" validate:"required"`
	Files     []evidence.FileSubmission `json:"files" validate:"required,min=1,dive"`
}

type CancelRequestCommand struct {
	RequestID uuid.UUID `json:"request_id" validate:"required"`
	Reason    string    `json:"reason" validate:"required"`
}

type DefineMethodologyCommand struct {
	AssignmentID       uuid.UUID        `json:"assignment_id" validate:"required"`
	PopulationSize     int              `json:"population_size"`
	ConfidenceLevel    *decimal.Decimal `json:"confidence_level,omitempty"`
	TolerableRate      *decimal.Decimal `json:"tolerable_rate,omitempty"`
	ExpectedRate       *decimal.Decimal `json:"expected_rate,omitempty"`
	SampleSizeOverride int              `json:"sample_size_override,omitempty"`
	OverrideNote       string           `json:"override_note,omitempty"`
}

type SelectSampleCommand struct {
	AssignmentID uuid.UUID               `json:"assignment_id" validate:"required"`
	Method       testexec.SamplingMethod `json:"method" validate:"required,oneof=random systematic"`
	Seed         *uint64                 `json:"seed,omitempty"`
}

type RecordConclusionCommand struct {
	AssignmentID uuid.UUID               `json:"assignment_id" validate:"required"`
	ItemID       string                  `json:"item_id" validate:"required"`
	Conclusion   testexec.ItemConclusion `json:"conclusion" validate:"required,oneof=appropriate exception"`
	Note         string                  `json:"note,omitempty"`
	Catastrophic bool                    `json:"catastrophic,omitempty"`
}

type OverrideConclusionCommand struct {
	AssignmentID uuid.UUID           `json:"assignment_id" validate:"required"`
	Conclusion   testexec.Conclusion `json:"conclusion" validate:"required"`
	Note         string              `json:"note" validate:"required"`
}

type AddActivityCommand struct {
	FindingID   uuid.UUID `json:"finding_id" validate:"required"`
	Description string    `json:"description" validate:"required"`
	Owner       string    `json:"owner" validate:"required"`
	TargetDate  time.Time `json:"target_date" validate:"required"`
}

type CompleteActivityCommand struct {
	FindingID  uuid.UUID `json:"finding_id" validate:"required"`
	ActivityID uuid.UUID `json:"activity_id" validate:"required"`
	Note       string    `json:"note,omitempty"`
}

type SetRootCauseCommand struct {
	FindingID uuid.UUID         `json:"finding_id" validate:"required"`
	RootCause finding.RootCause `json:"root_cause" validate:"required"`
	Note      string            `json:"note,omitempty"`
}

type ScheduleFollowUpCommand struct {
	FindingID uuid.UUID `json:"finding_id" validate:"required"`
	Date      time.Time `json:"date" validate:"required"`
}

type RecordFollowUpCommand struct {
	FindingID uuid.UUID `json:"finding_id" validate:"required"`
	Passed    bool      `json:"passed"`
	Note      string    `json:"note,omitempty"`
}

type WithdrawFindingCommand struct {
	FindingID uuid.UUID `json:"finding_id" validate:"required"`
	Reason    string    `json:"reason" validate:"required"`
}

// Results

// SubmitEvidenceResult reports the request after a submission. Outcome is
// IncompleteSubmission when mandatory evidence is still missing; that is a
// normal result, not an error.
type SubmitEvidenceResult struct {
	Request *evidence.Request      `json:"request"`
	Outcome evidence.Outcome       `json:"outcome"`
	Details *evidence.SubmitResult `json:"details"`
}

// FinalizeResult carries the execution and the finding it raised, if any
type FinalizeResult struct {
	Execution *testexec.Execution `json:"execution"`
	Finding   *finding.Finding    `json:"finding,omitempty"`
}

// SweepReport summarises one overdue sweep
type SweepReport struct {
	AssignmentsSwept        int           `json:"assignments_swept"`
	RequestsMarkedOverdue   int           `json:"requests_marked_overdue"`
	RequestsEscalated       int           `json:"requests_escalated"`
	AssignmentsBlocked      int           `json:"assignments_blocked"`
	FindingsSwept           int           `json:"findings_swept"`
	ActivitiesMarkedOverdue int           `json:"activities_marked_overdue"`
	ActivitiesEscalated     int           `json:"activities_escalated"`
	Failures                int           `json:"failures"`
	Duration                time.Duration `json:"duration"`
}

// Config holds the tunable workflow policy
type Config struct {
	// CommitAttempts bounds audit commit retries (attempts, not retries)
	CommitAttempts        int
	CommitInitialInterval time.Duration

	EvidenceResponseWindow time.Duration
	BlockGrace             time.Duration
	Escalation             escalation.Policy

	SweepInterval    time.Duration
	SweepConcurrency int

	DefaultConfidence    decimal.Decimal
	DefaultTolerableRate decimal.Decimal
	DefaultExpectedRate  decimal.Decimal
	Bands                testexec.Bands

	FileCheckTimeout time.Duration
	CacheTimeout     time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		CommitAttempts:         3,
		CommitInitialInterval:  50 * time.Millisecond,
		EvidenceResponseWindow: 10 * 24 * time.Hour,
		BlockGrace:             48 * time.Hour,
		Escalation:             escalation.DefaultPolicy(),
		SweepInterval:          15 * time.Minute,
		SweepConcurrency:       8,
		DefaultConfidence:      decimal.NewFromFloat(0.95),
		DefaultTolerableRate:   decimal.NewFromFloat(0.10),
		DefaultExpectedRate:    decimal.Zero,
		Bands:                  testexec.DefaultBands(),
		FileCheckTimeout:       10 * time.Second,
		CacheTimeout:           time.Second,
	}
}
