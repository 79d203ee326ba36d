package finding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
)

// Severity grades a finding
type Severity string

const (
	SeverityObservation           Severity = "observation"
	SeverityDeficiency            Severity = "deficiency"
	SeveritySignificantDeficiency Severity = "significant_deficiency"
	SeverityMaterialWeakness      Severity = "material_weakness"
)

// String returns the string representation of the severity
func (s Severity) String() string {
	return string(s)
}

func (s Severity) IsValid() bool {
	switch s {
	case SeverityObservation, SeverityDeficiency, SeveritySignificantDeficiency, SeverityMaterialWeakness:
		return true
	}
	return false
}

// SeverityFromConclusion maps a deficient test conclusion to a severity.
// Effective conclusions have no severity.
func SeverityFromConclusion(c testexec.Conclusion) (Severity, bool) {
	switch c {
	case testexec.ConclusionDeficiency:
		return SeverityDeficiency, true
	case testexec.ConclusionSignificantDeficiency:
		return SeveritySignificantDeficiency, true
	case testexec.ConclusionMaterialWeakness:
		return SeverityMaterialWeakness, true
	}
	return "", false
}

// Status is the position of a finding in its lifecycle
type Status string

const (
	StatusOpen          Status = "open"
	StatusInRemediation Status = "in_remediation"
	StatusClosed        Status = "closed"
	StatusWithdrawn     Status = "withdrawn"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the finding is closed or withdrawn
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusWithdrawn
}

// RootCause categorises why the control failed
type RootCause string

const (
	RootCausePeople     RootCause = "people"
	RootCauseProcess    RootCause = "process"
	RootCauseTechnology RootCause = "technology"
	RootCauseThirdParty RootCause = "third_party"
	RootCauseDesign     RootCause = "design"
	RootCauseUnknown    RootCause = "unknown"
)

func (r RootCause) IsValid() bool {
	switch r {
	case RootCausePeople, RootCauseProcess, RootCauseTechnology, RootCauseThirdParty, RootCauseDesign, RootCauseUnknown:
		return true
	}
	return false
}

// FollowUpResult is the outcome of re-testing after remediation
type FollowUpResult struct {
	Passed     bool      `json:"passed"`
	Note       string    `json:"note,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Finding documents a testing exception requiring remediation
type Finding struct {
	ID           uuid.UUID `json:"id"`
	ExecutionID  uuid.UUID `json:"execution_id"`
	AssignmentID uuid.UUID `json:"assignment_id"`
	CycleID      uuid.UUID `json:"cycle_id"`
	ControlRef   string    `json:"control_ref"`

	Severity      Severity        `json:"severity"`
	ExceptionRate decimal.Decimal `json:"exception_rate"`
	Status        Status          `json:"status"`
	Owner         string          `json:"owner"`

	RootCause     RootCause `json:"root_cause"`
	RootCauseNote string    `json:"root_cause_note,omitempty"`

	Activities []RemediationActivity `json:"activities"`

	FollowUpRequired bool            `json:"follow_up_required"`
	FollowUpDate     *time.Time      `json:"follow_up_date,omitempty"`
	FollowUpResult   *FollowUpResult `json:"follow_up_result,omitempty"`

	WithdrawnReason string     `json:"withdrawn_reason,omitempty"`
	ClosedBy        string     `json:"closed_by,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFinding opens a finding for a deficient test execution. Significant
// deficiencies and material weaknesses require a follow-up test by default.
func NewFinding(exec *testexec.Execution, owner string, now time.Time) (*Finding, error) {
	severity, ok := SeverityFromConclusion(exec.Conclusion)
	if !ok {
		return nil, errors.NewValidationError("NOT_DEFICIENT", "findings are only raised for deficient conclusions").
			WithDetails(map[string]interface{}{"conclusion": string(exec.Conclusion)})
	}
	if owner == "" {
		return nil, errors.NewValidationError("MISSING_OWNER", "finding owner is required")
	}

	return &Finding{
		ID:               uuid.New(),
		ExecutionID:      exec.ID,
		AssignmentID:     exec.AssignmentID,
		CycleID:          exec.CycleID,
		ControlRef:       exec.ControlRef,
		Severity:         severity,
		ExceptionRate:    exec.ExceptionRate,
		Status:           StatusOpen,
		Owner:            owner,
		RootCause:        RootCauseUnknown,
		Activities:       []RemediationActivity{},
		FollowUpRequired: severity == SeveritySignificantDeficiency || severity == SeverityMaterialWeakness,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (f *Finding) rejectTransition(attempted string) error {
	return errors.NewInvalidTransitionError("finding", f.ID.String(), string(f.Status), attempted)
}

func (f *Finding) requireActive(attempted string) error {
	if f.Status.IsTerminal() {
		return f.rejectTransition(attempted)
	}
	return nil
}

// UpdateSeverity follows a conclusion override
func (f *Finding) UpdateSeverity(c testexec.Conclusion, now time.Time) error {
	if err := f.requireActive("update_severity"); err != nil {
		return err
	}
	severity, ok := SeverityFromConclusion(c)
	if !ok {
		return errors.NewValidationError("NOT_DEFICIENT", "severity requires a deficient conclusion")
	}
	f.Severity = severity
	if severity == SeveritySignificantDeficiency || severity == SeverityMaterialWeakness {
		f.FollowUpRequired = true
	}
	f.UpdatedAt = now
	return nil
}

// SetRootCause records the root cause category
func (f *Finding) SetRootCause(cause RootCause, note string, now time.Time) error {
	if !cause.IsValid() {
		return errors.NewValidationError("INVALID_ROOT_CAUSE", "unknown root cause category")
	}
	if err := f.requireActive("set_root_cause"); err != nil {
		return err
	}
	f.RootCause = cause
	f.RootCauseNote = note
	f.UpdatedAt = now
	return nil
}

// ScheduleFollowUp sets the follow-up test date and marks follow-up required
func (f *Finding) ScheduleFollowUp(date, now time.Time) error {
	if date.IsZero() {
		return errors.NewValidationError("MISSING_FOLLOW_UP_DATE", "follow-up date is required")
	}
	if err := f.requireActive("schedule_follow_up"); err != nil {
		return err
	}
	d := date
	f.FollowUpRequired = true
	f.FollowUpDate = &d
	f.FollowUpResult = nil
	f.UpdatedAt = now
	return nil
}

// RecordFollowUpResult stores the outcome of the scheduled follow-up test
func (f *Finding) RecordFollowUpResult(passed bool, note, by string, now time.Time) error {
	if err := f.requireActive("record_follow_up"); err != nil {
		return err
	}
	if f.FollowUpDate == nil {
		return errors.NewPrerequisiteError("a follow-up test must be scheduled before recording its result")
	}
	if !passed && note == "" {
		return errors.NewValidationError("MISSING_FOLLOW_UP_NOTE", "a failed follow-up requires a note")
	}
	f.FollowUpResult = &FollowUpResult{Passed: passed, Note: note, RecordedBy: by, RecordedAt: now}
	f.UpdatedAt = now
	return nil
}

// ReadyToClose reports whether Close would succeed
func (f *Finding) ReadyToClose() error {
	if f.Status != StatusInRemediation {
		return f.rejectTransition(string(StatusClosed))
	}
	if open := f.OpenActivities(); len(open) > 0 {
		return errors.NewPrerequisiteError(fmt.Sprintf("%d remediation activities are still open", len(open))).
			WithDetails(map[string]interface{}{
				"entity_type":   "finding",
				"entity_id":     f.ID.String(),
				"current_state": string(f.Status),
				"attempted":     string(StatusClosed),
			})
	}
	if f.FollowUpRequired && (f.FollowUpResult == nil || !f.FollowUpResult.Passed) {
		return errors.NewPrerequisiteError("a passing follow-up test result is required before closing").
			WithDetails(map[string]interface{}{
				"entity_type":   "finding",
				"entity_id":     f.ID.String(),
				"current_state": string(f.Status),
				"attempted":     string(StatusClosed),
			})
	}
	return nil
}

// Close closes a remediated finding
func (f *Finding) Close(by string, now time.Time) error {
	if err := f.ReadyToClose(); err != nil {
		return err
	}
	t := now
	f.Status = StatusClosed
	f.ClosedBy = by
	f.ClosedAt = &t
	f.UpdatedAt = now
	return nil
}

// Withdraw marks an open finding invalid
func (f *Finding) Withdraw(reason string, now time.Time) error {
	if reason == "" {
		return errors.NewValidationError("MISSING_WITHDRAW_REASON", "a reason is required to withdraw a finding")
	}
	if f.Status != StatusOpen {
		return f.rejectTransition(string(StatusWithdrawn))
	}
	f.Status = StatusWithdrawn
	f.WithdrawnReason = reason
	f.UpdatedAt = now
	return nil
}

// Clone returns a deep copy
func (f *Finding) Clone() *Finding {
	c := *f
	c.Activities = make([]RemediationActivity, len(f.Activities))
	for i, a := range f.Activities {
		c.Activities[i] = a.clone()
	}
	if f.FollowUpDate != nil {
		t := *f.FollowUpDate
		c.FollowUpDate = &t
	}
	if f.FollowUpResult != nil {
		r := *f.FollowUpResult
		c.FollowUpResult = &r
	}
	if f.ClosedAt != nil {
		t := *f.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Filter selects findings for queries
type Filter struct {
	Severity Severity
	CycleID  uuid.UUID
	Status   Status
}

// Matches reports whether f satisfies the filter
func (flt Filter) Matches(f *Finding) bool {
	if flt.Severity != "" && f.Severity != flt.Severity {
		return false
	}
	if flt.CycleID != uuid.Nil && f.CycleID != flt.CycleID {
		return false
	}
	if flt.Status != "" && f.Status != flt.Status {
		return false
	}
	return true
}
