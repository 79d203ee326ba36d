package finding

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/escalation"
)

// ActivityStatus is the state of a remediation activity
type ActivityStatus string

const (
	ActivityOpen      ActivityStatus = "open"
	ActivityCompleted ActivityStatus = "completed"
)

// RemediationActivity is one planned corrective action
type RemediationActivity struct {
	ID             uuid.UUID        `json:"id"`
	Description    string           `json:"description"`
	Owner          string           `json:"owner"`
	TargetDate     time.Time        `json:"target_date"`
	Status         ActivityStatus   `json:"status"`
	Escalation     escalation.State `json:"escalation"`
	CompletedBy    string           `json:"completed_by,omitempty"`
	CompletionNote string           `json:"completion_note,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// IsOpen reports whether the activity is not yet completed
func (a RemediationActivity) IsOpen() bool {
	return a.Status == ActivityOpen
}

func (a RemediationActivity) clone() RemediationActivity {
	c := a
	c.Escalation = a.Escalation.Clone()
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// AddActivity appends a remediation activity. The first activity moves an
// open finding into remediation.
func (f *Finding) AddActivity(description, owner string, target, now time.Time) (RemediationActivity, error) {
	if description == "" {
		return RemediationActivity{}, errors.NewValidationError("MISSING_DESCRIPTION", "activity description is required")
	}
	if owner == "" {
		return RemediationActivity{}, errors.NewValidationError("MISSING_OWNER", "activity owner is required")
	}
	if target.IsZero() {
		return RemediationActivity{}, errors.NewValidationError("MISSING_TARGET_DATE", "activity target date is required")
	}
	if f.Status != StatusOpen && f.Status != StatusInRemediation {
		return RemediationActivity{}, f.rejectTransition("add_remediation_activity")
	}

	activity := RemediationActivity{
		ID:          uuid.New(),
		Description: description,
		Owner:       owner,
		TargetDate:  target,
		Status:      ActivityOpen,
		CreatedAt:   now,
	}
	f.Activities = append(f.Activities, activity)
	f.Status = StatusInRemediation
	f.UpdatedAt = now
	return activity, nil
}

// Activity returns an activity by ID
func (f *Finding) Activity(id uuid.UUID) (RemediationActivity, bool) {
	for _, a := range f.Activities {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return RemediationActivity{}, false
}

// CompleteActivity marks an activity done. It reports whether no open
// activities remain, which makes the finding eligible for closing.
func (f *Finding) CompleteActivity(id uuid.UUID, by, note string, now time.Time) (bool, error) {
	if f.Status != StatusInRemediation {
		return false, f.rejectTransition("complete_remediation_activity")
	}
	for i := range f.Activities {
		a := &f.Activities[i]
		if a.ID != id {
			continue
		}
		if !a.IsOpen() {
			return false, errors.NewInvalidTransitionError("remediation_activity", id.String(), string(a.Status), string(ActivityCompleted))
		}
		t := now
		a.Status = ActivityCompleted
		a.CompletedBy = by
		a.CompletionNote = note
		a.CompletedAt = &t
		f.UpdatedAt = now
		return len(f.OpenActivities()) == 0, nil
	}
	return false, errors.NewNotFoundError(fmt.Sprintf("remediation activity %s", id))
}

// OpenActivities returns the activities not yet completed
func (f *Finding) OpenActivities() []RemediationActivity {
	var open []RemediationActivity
	for _, a := range f.Activities {
		if a.IsOpen() {
			open = append(open, a.clone())
		}
	}
	return open
}

// ActivityEscalation describes one escalation tier that fired
type ActivityEscalation struct {
	ActivityID uuid.UUID `json:"activity_id"`
	Owner      string    `json:"owner"`
	Tier       int       `json:"tier"`
}

// MarkOverdueActivities flags open activities past their target date and
// returns the IDs newly flagged
func (f *Finding) MarkOverdueActivities(now time.Time) []uuid.UUID {
	if f.Status.IsTerminal() {
		return nil
	}
	var marked []uuid.UUID
	for i := range f.Activities {
		a := &f.Activities[i]
		if a.IsOpen() && now.After(a.TargetDate) && a.Escalation.MarkOverdue(now) {
			marked = append(marked, a.ID)
		}
	}
	if len(marked) > 0 {
		f.UpdatedAt = now
	}
	return marked
}

// EscalateActivities fires the next tier for every overdue activity that is
// due under the policy. At most one tier fires per activity per call.
func (f *Finding) EscalateActivities(p escalation.Policy, now time.Time) []ActivityEscalation {
	if f.Status.IsTerminal() {
		return nil
	}
	var fired []ActivityEscalation
	for i := range f.Activities {
		a := &f.Activities[i]
		if !a.IsOpen() || !a.Escalation.EscalationDue(p, now) {
			continue
		}
		tier := a.Escalation.RecordEscalation(now)
		fired = append(fired, ActivityEscalation{ActivityID: a.ID, Owner: a.Owner, Tier: tier})
	}
	if len(fired) > 0 {
		f.UpdatedAt = now
	}
	return fired
}
