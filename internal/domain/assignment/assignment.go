package assignment

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// Status is the position of an assignment in its state machine
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusReview, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// AllStatuses lists every status in lifecycle order
func AllStatuses() []Status {
	return []Status{StatusNotStarted, StatusInProgress, StatusReview, StatusCompleted, StatusBlocked}
}

// Priority ranks assignments within a cycle
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ReasonEvidenceOverdue marks a block raised by the overdue sweep. Such
// blocks are lifted automatically once the evidence is resolved.
const ReasonEvidenceOverdue = "evidence_overdue"

// forward holds the fixed transition table apart from the Blocked side
// transitions, which are handled in CanTransition.
var forward = map[Status][]Status{
	StatusNotStarted: {StatusInProgress},
	StatusInProgress: {StatusReview},
	StatusReview:     {StatusCompleted, StatusInProgress},
}

// ControlAssignment binds one control to one auditor within one cycle
type ControlAssignment struct {
	ID         uuid.UUID `json:"id"`
	CycleID    uuid.UUID `json:"cycle_id"`
	ControlRef string    `json:"control_ref"`

	Assignee string `json:"assignee"`
	Assigner string `json:"assigner"`
	Manager  string `json:"manager,omitempty"`

	DueDate  time.Time `json:"due_date"`
	Priority Priority  `json:"priority"`
	Status   Status    `json:"status"`

	// ResumeStatus is where a Blocked assignment returns when unblocked
	ResumeStatus  Status `json:"resume_status,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewAssignment creates an assignment in NotStarted
func NewAssignment(cycleID uuid.UUID, controlRef, assignee, assigner, manager string, dueDate time.Time, priority Priority, now time.Time) (*ControlAssignment, error) {
	if cycleID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_CYCLE", "cycle ID is required")
	}
	if controlRef == "" {
		return nil, errors.NewValidationError("MISSING_CONTROL_REF", "control reference is required")
	}
	if assignee == "" {
		return nil, errors.NewValidationError("MISSING_ASSIGNEE", "assignee is required")
	}
	if assigner == "" {
		return nil, errors.NewValidationError("MISSING_ASSIGNER", "assigner is required")
	}
	if dueDate.IsZero() {
		return nil, errors.NewValidationError("MISSING_DUE_DATE", "due date is required")
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.IsValid() {
		return nil, errors.NewValidationError("INVALID_PRIORITY", "priority must be low, medium, high or critical")
	}

	return &ControlAssignment{
		ID:         uuid.New(),
		CycleID:    cycleID,
		ControlRef: controlRef,
		Assignee:   assignee,
		Assigner:   assigner,
		Manager:    manager,
		DueDate:    dueDate,
		Priority:   priority,
		Status:     StatusNotStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CanTransition reports whether from -> to is in the transition table.
// resume is the status a Blocked assignment returns to.
func CanTransition(from, to, resume Status) bool {
	if to == StatusBlocked {
		return from != StatusBlocked && from != StatusCompleted
	}
	if from == StatusBlocked {
		return resume != "" && to == resume
	}
	for _, allowed := range forward[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the assignment to the target status. On error the
// assignment is unchanged.
func (a *ControlAssignment) Transition(to Status, now time.Time) error {
	if !to.IsValid() || !CanTransition(a.Status, to, a.ResumeStatus) {
		return errors.NewInvalidTransitionError("control_assignment", a.ID.String(), string(a.Status), string(to))
	}

	switch {
	case to == StatusBlocked:
		a.ResumeStatus = a.Status
	case a.Status == StatusBlocked:
		a.ResumeStatus = ""
		a.BlockedReason = ""
	}
	if to == StatusCompleted {
		t := now
		a.CompletedAt = &t
	}

	a.Status = to
	a.UpdatedAt = now
	return nil
}

// Block moves the assignment to Blocked recording why
func (a *ControlAssignment) Block(reason string, now time.Time) error {
	if err := a.Transition(StatusBlocked, now); err != nil {
		return err
	}
	a.BlockedReason = reason
	return nil
}

// Unblock returns a Blocked assignment to the status it was blocked from
func (a *ControlAssignment) Unblock(now time.Time) error {
	if a.Status != StatusBlocked {
		return errors.NewInvalidTransitionError("control_assignment", a.ID.String(), string(a.Status), "unblock")
	}
	return a.Transition(a.ResumeStatus, now)
}

// Reassign transfers the assignment to a new auditor. Only allowed before
// work starts or while blocked. Returns the previous assignee.
func (a *ControlAssignment) Reassign(newAssignee string, now time.Time) (string, error) {
	if newAssignee == "" {
		return "", errors.NewValidationError("MISSING_ASSIGNEE", "new assignee is required")
	}
	if a.Status != StatusNotStarted && a.Status != StatusBlocked {
		return "", errors.NewInvalidTransitionError("control_assignment", a.ID.String(), string(a.Status), "reassign")
	}
	if newAssignee == a.Assignee {
		return "", errors.NewValidationError("SAME_ASSIGNEE", "assignment is already held by this auditor")
	}

	previous := a.Assignee
	a.Assignee = newAssignee
	a.UpdatedAt = now
	return previous, nil
}

// BlockedForEvidence reports whether the sweep blocked this assignment
func (a *ControlAssignment) BlockedForEvidence() bool {
	return a.Status == StatusBlocked && a.BlockedReason == ReasonEvidenceOverdue
}

// IsOverdue reports whether the assignment is past due and not completed
func (a *ControlAssignment) IsOverdue(now time.Time) bool {
	return a.Status != StatusCompleted && now.After(a.DueDate)
}

// Clone returns a deep copy
func (a *ControlAssignment) Clone() *ControlAssignment {
	c := *a
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
