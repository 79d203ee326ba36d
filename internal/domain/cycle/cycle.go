package cycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// Status is the position of a testing cycle in its lifecycle
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusActive    Status = "active"
	StatusReview    Status = "review"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPlanning, StatusActive, StatusReview, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the cycle accepts no further transitions
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPlanning: {StatusActive, StatusCancelled},
	StatusActive:   {StatusReview, StatusCancelled},
	StatusReview:   {StatusCompleted, StatusActive},
}

// TestingCycle is the scope and time window of a compliance period
type TestingCycle struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Framework string    `json:"framework"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Status    Status    `json:"status"`
	Manager   string    `json:"manager"`

	// AssignmentIDs is ordered by when the control was added
	AssignmentIDs []uuid.UUID `json:"assignment_ids"`

	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCycle creates a cycle in Planning
func NewCycle(name, framework, manager string, start, end, now time.Time) (*TestingCycle, error) {
	if name == "" {
		return nil, errors.NewValidationError("MISSING_CYCLE_NAME", "cycle name is required")
	}
	if framework == "" {
		return nil, errors.NewValidationError("MISSING_FRAMEWORK", "regulatory framework is required")
	}
	if manager == "" {
		return nil, errors.NewValidationError("MISSING_MANAGER", "cycle manager is required")
	}
	if start.IsZero() || end.IsZero() {
		return nil, errors.NewValidationError("MISSING_DATES", "cycle start and end dates are required")
	}
	if !end.After(start) {
		return nil, errors.NewValidationError("INVALID_DATE_RANGE", "cycle end date must be after start date")
	}

	return &TestingCycle{
		ID:            uuid.New(),
		Name:          name,
		Framework:     framework,
		StartDate:     start,
		EndDate:       end,
		Status:        StatusPlanning,
		Manager:       manager,
		AssignmentIDs: []uuid.UUID{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the cycle to the target status. Archived cycles are frozen.
func (c *TestingCycle) Transition(to Status, now time.Time) error {
	if c.Archived || !CanTransition(c.Status, to) {
		return errors.NewInvalidTransitionError("testing_cycle", c.ID.String(), string(c.Status), string(to))
	}
	c.Status = to
	c.UpdatedAt = now
	return nil
}

// Archive freezes a completed or cancelled cycle. Cycles are never deleted.
func (c *TestingCycle) Archive(now time.Time) error {
	if c.Archived || !c.Status.IsTerminal() {
		return errors.NewInvalidTransitionError("testing_cycle", c.ID.String(), string(c.Status), "archive")
	}
	t := now
	c.Archived = true
	c.ArchivedAt = &t
	c.UpdatedAt = now
	return nil
}

// AcceptsControls reports whether controls can still be added
func (c *TestingCycle) AcceptsControls() bool {
	return !c.Archived && (c.Status == StatusPlanning || c.Status == StatusActive)
}

// AddAssignment appends an assignment to the ordered list
func (c *TestingCycle) AddAssignment(id uuid.UUID, now time.Time) error {
	if !c.AcceptsControls() {
		return errors.NewInvalidTransitionError("testing_cycle", c.ID.String(), string(c.Status), "add_control")
	}
	c.AssignmentIDs = append(c.AssignmentIDs, id)
	c.UpdatedAt = now
	return nil
}

// Clone returns a deep copy
func (c *TestingCycle) Clone() *TestingCycle {
	cp := *c
	cp.AssignmentIDs = make([]uuid.UUID, len(c.AssignmentIDs))
	copy(cp.AssignmentIDs, c.AssignmentIDs)
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}
