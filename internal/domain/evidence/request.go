package evidence

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/escalation"
)

// Status is the position of an evidence request in its lifecycle. Overdue is
// tracked separately in Escalation and is not a status.
type Status string

const (
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsOpen reports whether a request in this status still blocks a new request
// for the same evidence type
func (s Status) IsOpen() bool {
	return s != StatusCompleted && s != StatusCancelled
}

// Spec describes one piece of requested evidence
type Spec struct {
	Type        control.EvidenceType `json:"type" validate:"required"`
	Format      string               `json:"format,omitempty"`
	DueDate     time.Time            `json:"due_date"`
	Mandatory   bool                 `json:"mandatory"`
	Description string               `json:"description,omitempty"`
}

// Request is a coordinated ask for evidence tied to one assignment
type Request struct {
	ID           uuid.UUID `json:"id"`
	Number       string    `json:"number"`
	AssignmentID uuid.UUID `json:"assignment_id"`
	CycleID      uuid.UUID `json:"cycle_id"`
	ControlRef   string    `json:"control_ref"`

	Specs         []Spec    `json:"specs"`
	RequestedFrom string    `json:"requested_from"`
	RequestedBy   string    `json:"requested_by"`
	DueDate       time.Time `json:"due_date"`
	Status        Status    `json:"status"`

	// Submissions is append-only; superseded entries are kept and linked
	Submissions []Submission     `json:"submissions"`
	Escalation  escalation.State `json:"escalation"`

	CancelReason string `json:"cancel_reason,omitempty"`

	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewRequest creates a request in Sent. Specs without their own due date
// inherit the request due date.
func NewRequest(number string, assignmentID, cycleID uuid.UUID, controlRef string, specs []Spec, requestedFrom, requestedBy string, dueDate, now time.Time) (*Request, error) {
	if number == "" {
		return nil, errors.NewValidationError("MISSING_REQUEST_NUMBER", "request number is required")
	}
	if assignmentID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_ASSIGNMENT", "assignment ID is required")
	}
	if len(specs) == 0 {
		return nil, errors.NewValidationError("MISSING_EVIDENCE_SPECS", "at least one evidence spec is required")
	}
	if requestedFrom == "" {
		return nil, errors.NewValidationError("MISSING_PROVIDER", "evidence provider is required")
	}
	if requestedBy == "" {
		return nil, errors.NewValidationError("MISSING_REQUESTER", "requesting auditor is required")
	}
	if dueDate.IsZero() {
		return nil, errors.NewValidationError("MISSING_DUE_DATE", "due date is required")
	}

	seen := make(map[control.EvidenceType]bool, len(specs))
	owned := make([]Spec, len(specs))
	for i, s := range specs {
		if s.Type == "" {
			return nil, errors.NewValidationError("MISSING_EVIDENCE_TYPE", "evidence spec type is required")
		}
		if seen[s.Type] {
			return nil, errors.NewValidationError("DUPLICATE_EVIDENCE_TYPE", "evidence spec types must be unique").
				WithDetails(map[string]interface{}{"evidence_type": string(s.Type)})
		}
		seen[s.Type] = true
		if s.DueDate.IsZero() || s.DueDate.After(dueDate) {
			s.DueDate = dueDate
		}
		owned[i] = s
	}

	return &Request{
		ID:            uuid.New(),
		Number:        number,
		AssignmentID:  assignmentID,
		CycleID:       cycleID,
		ControlRef:    controlRef,
		Specs:         owned,
		RequestedFrom: requestedFrom,
		RequestedBy:   requestedBy,
		DueDate:       dueDate,
		Status:        StatusSent,
		Submissions:   []Submission{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsOpen reports whether the request is neither completed nor cancelled
func (r *Request) IsOpen() bool {
	return r.Status.IsOpen()
}

// Types returns the requested evidence types in spec order
func (r *Request) Types() []control.EvidenceType {
	types := make([]control.EvidenceType, len(r.Specs))
	for i, s := range r.Specs {
		types[i] = s.Type
	}
	return types
}

// Spec returns the spec for an evidence type
func (r *Request) Spec(t control.EvidenceType) (Spec, bool) {
	for _, s := range r.Specs {
		if s.Type == t {
			return s, true
		}
	}
	return Spec{}, false
}

// HasMandatory reports whether any spec is mandatory
func (r *Request) HasMandatory() bool {
	for _, s := range r.Specs {
		if s.Mandatory {
			return true
		}
	}
	return false
}

// Acknowledge moves a Sent request to Acknowledged. Calling it again on an
// acknowledged request is a no-op and reports changed=false.
func (r *Request) Acknowledge(now time.Time) (bool, error) {
	switch r.Status {
	case StatusSent:
		t := now
		r.Status = StatusAcknowledged
		r.AcknowledgedAt = &t
		r.UpdatedAt = now
		return true, nil
	case StatusAcknowledged:
		return false, nil
	default:
		return false, errors.NewInvalidTransitionError("evidence_request", r.ID.String(), string(r.Status), string(StatusAcknowledged))
	}
}

// Cancel withdraws an open request, freeing its evidence types
func (r *Request) Cancel(reason string, now time.Time) error {
	if reason == "" {
		return errors.NewValidationError("MISSING_CANCEL_REASON", "a reason is required to cancel a request")
	}
	if !r.IsOpen() {
		return errors.NewInvalidTransitionError("evidence_request", r.ID.String(), string(r.Status), string(StatusCancelled))
	}
	r.Status = StatusCancelled
	r.CancelReason = reason
	r.UpdatedAt = now
	return nil
}

// IsPastDue reports whether an open request has passed its due date
func (r *Request) IsPastDue(now time.Time) bool {
	return r.IsOpen() && now.After(r.DueDate)
}

// MarkOverdue sets the overdue flag when the request is past due. It returns
// false when nothing changed.
func (r *Request) MarkOverdue(now time.Time) bool {
	if !r.IsPastDue(now) {
		return false
	}
	if !r.Escalation.MarkOverdue(now) {
		return false
	}
	r.UpdatedAt = now
	return true
}

// Overdue reports whether the overdue flag is set
func (r *Request) Overdue() bool {
	return r.Escalation.IsOverdue()
}

// Clone returns a deep copy
func (r *Request) Clone() *Request {
	c := *r
	c.Specs = make([]Spec, len(r.Specs))
	copy(c.Specs, r.Specs)
	c.Submissions = make([]Submission, len(r.Submissions))
	for i, s := range r.Submissions {
		c.Submissions[i] = s.clone()
	}
	c.Escalation = r.Escalation.Clone()
	if r.AcknowledgedAt != nil {
		t := *r.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
