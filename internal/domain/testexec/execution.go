package testexec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// Status is the position of a test execution in its lifecycle
type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

const entityType = "test_execution"

// Methodology records how the sample size was determined
type Methodology struct {
	PopulationSize        int             `json:"population_size"`
	ConfidenceLevel       decimal.Decimal `json:"confidence_level"`
	TolerableRate         decimal.Decimal `json:"tolerable_rate"`
	ExpectedRate          decimal.Decimal `json:"expected_rate"`
	RecommendedSampleSize int             `json:"recommended_sample_size"`
	SampleSize            int             `json:"sample_size"`
	OverrideNote          string          `json:"override_note,omitempty"`
	DefinedBy             string          `json:"defined_by"`
	DefinedAt             time.Time       `json:"defined_at"`
}

// NewMethodology computes the recommended sample size. A positive
// sampleSizeOverride replaces it and requires a note.
func NewMethodology(population int, confidence, tolerable, expected decimal.Decimal, sampleSizeOverride int, overrideNote, by string, now time.Time) (*Methodology, error) {
	recommended, err := RecommendedSampleSize(population, confidence, tolerable, expected)
	if err != nil {
		return nil, err
	}

	m := &Methodology{
		PopulationSize:        population,
		ConfidenceLevel:       confidence,
		TolerableRate:         tolerable,
		ExpectedRate:          expected,
		RecommendedSampleSize: recommended,
		SampleSize:            recommended,
		DefinedBy:             by,
		DefinedAt:             now,
	}

	if sampleSizeOverride < 0 || sampleSizeOverride > population {
		return nil, invalidMethodology(fmt.Sprintf("sample size override must be between 1 and %d", population))
	}
	if sampleSizeOverride > 0 && sampleSizeOverride != recommended {
		if overrideNote == "" {
			return nil, errors.NewValidationError("MISSING_OVERRIDE_NOTE", "a sample size override requires a rationale note")
		}
		m.SampleSize = sampleSizeOverride
		m.OverrideNote = overrideNote
	}
	return m, nil
}

// IsOverridden reports whether the sample size departs from the recommendation
func (m *Methodology) IsOverridden() bool {
	return m.SampleSize != m.RecommendedSampleSize
}

// Sampling records the reproducible draw
type Sampling struct {
	Method     SamplingMethod `json:"method"`
	Seed       uint64         `json:"seed"`
	SelectedBy string         `json:"selected_by"`
	SelectedAt time.Time      `json:"selected_at"`
}

// SampleItem is one population item selected for testing
type SampleItem struct {
	ID              string         `json:"id"`
	PopulationIndex int            `json:"population_index"`
	Conclusion      ItemConclusion `json:"conclusion,omitempty"`
	Note            string         `json:"note,omitempty"`
	Catastrophic    bool           `json:"catastrophic,omitempty"`
	TestedBy        string         `json:"tested_by,omitempty"`
	TestedAt        *time.Time     `json:"tested_at,omitempty"`
}

// IsConcluded reports whether the item has a recorded conclusion
func (i SampleItem) IsConcluded() bool {
	return i.Conclusion != ""
}

// ConclusionOverride records a reviewer departing from the derived conclusion
type ConclusionOverride struct {
	Derived Conclusion `json:"derived"`
	Applied Conclusion `json:"applied"`
	Note    string     `json:"note"`
	By      string     `json:"by"`
	At      time.Time  `json:"at"`
}

// Execution is the single test execution owned by an assignment
type Execution struct {
	ID           uuid.UUID `json:"id"`
	AssignmentID uuid.UUID `json:"assignment_id"`
	CycleID      uuid.UUID `json:"cycle_id"`
	ControlRef   string    `json:"control_ref"`

	Methodology Methodology  `json:"methodology"`
	Sampling    *Sampling    `json:"sampling,omitempty"`
	Items       []SampleItem `json:"items"`
	Status      Status       `json:"status"`

	Conclusion    Conclusion          `json:"conclusion,omitempty"`
	Exceptions    int                 `json:"exceptions"`
	Tested        int                 `json:"tested"`
	ExceptionRate decimal.Decimal     `json:"exception_rate"`
	Override      *ConclusionOverride `json:"override,omitempty"`

	FinalizedBy string     `json:"finalized_by,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	SubmittedBy string     `json:"submitted_by,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExecution creates an in-progress execution with a methodology
func NewExecution(assignmentID, cycleID uuid.UUID, controlRef string, m Methodology, now time.Time) (*Execution, error) {
	if assignmentID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_ASSIGNMENT", "assignment ID is required")
	}
	return &Execution{
		ID:            uuid.New(),
		AssignmentID:  assignmentID,
		CycleID:       cycleID,
		ControlRef:    controlRef,
		Methodology:   m,
		Items:         []SampleItem{},
		Status:        StatusInProgress,
		ExceptionRate: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (e *Execution) rejectTransition(attempted string) error {
	return errors.NewInvalidTransitionError(entityType, e.ID.String(), string(e.Status), attempted)
}

func (e *Execution) hasConclusions() bool {
	for _, item := range e.Items {
		if item.IsConcluded() {
			return true
		}
	}
	return false
}

// Redefine replaces the methodology before any item has been concluded. A
// previously drawn sample is discarded.
func (e *Execution) Redefine(m Methodology, now time.Time) error {
	if e.Status != StatusInProgress || e.hasConclusions() {
		return e.rejectTransition("define_methodology")
	}
	e.Methodology = m
	e.Sampling = nil
	e.Items = []SampleItem{}
	e.UpdatedAt = now
	return nil
}

// SelectSample draws the sample. The seed is persisted so the draw can be
// reproduced. Reselection is allowed until the first conclusion is recorded.
func (e *Execution) SelectSample(method SamplingMethod, seed uint64, by string, now time.Time) error {
	if e.Status != StatusInProgress || e.hasConclusions() {
		return e.rejectTransition("select_sample")
	}

	indices, err := DrawSample(e.Methodology.PopulationSize, e.Methodology.SampleSize, method, seed, e.AssignmentID.String())
	if err != nil {
		return err
	}

	items := make([]SampleItem, len(indices))
	for i, idx := range indices {
		items[i] = SampleItem{ID: fmt.Sprintf("item-%d", idx), PopulationIndex: idx}
	}

	e.Sampling = &Sampling{Method: method, Seed: seed, SelectedBy: by, SelectedAt: now}
	e.Items = items
	e.UpdatedAt = now
	return nil
}

// Item returns a sample item by ID
func (e *Execution) Item(itemID string) (SampleItem, bool) {
	for _, item := range e.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return SampleItem{}, false
}

// RecordItemConclusion records or replaces the verdict for one item. It
// returns the item as it was before.
func (e *Execution) RecordItemConclusion(itemID string, conclusion ItemConclusion, note string, catastrophic bool, by string, now time.Time) (SampleItem, error) {
	if !conclusion.IsValid() {
		return SampleItem{}, errors.NewValidationError("INVALID_ITEM_CONCLUSION", "conclusion must be appropriate or exception")
	}
	if conclusion == ItemException && note == "" {
		return SampleItem{}, errors.NewValidationError("MISSING_EXCEPTION_NOTE", "an exception requires a note")
	}
	if catastrophic && conclusion != ItemException {
		return SampleItem{}, errors.NewValidationError("INVALID_CATASTROPHIC_FLAG", "only exceptions can be catastrophic")
	}
	if e.Status != StatusInProgress {
		return SampleItem{}, e.rejectTransition("record_item_conclusion")
	}

	for i := range e.Items {
		if e.Items[i].ID != itemID {
			continue
		}
		previous := e.Items[i]
		t := now
		e.Items[i].Conclusion = conclusion
		e.Items[i].Note = note
		e.Items[i].Catastrophic = catastrophic
		e.Items[i].TestedBy = by
		e.Items[i].TestedAt = &t
		e.UpdatedAt = now
		return previous, nil
	}
	return SampleItem{}, errors.NewNotFoundError(fmt.Sprintf("sample item %s", itemID))
}

// Pending returns the number of items without a conclusion
func (e *Execution) Pending() int {
	n := 0
	for _, item := range e.Items {
		if !item.IsConcluded() {
			n++
		}
	}
	return n
}

// Finalize derives the overall conclusion from the exception rate. It fails
// with the same error whenever any item is still unconcluded.
func (e *Execution) Finalize(bands Bands, by string, now time.Time) (Conclusion, error) {
	if e.Status != StatusInProgress {
		return "", e.rejectTransition(string(StatusCompleted))
	}
	if e.Sampling == nil || len(e.Items) == 0 || e.Pending() > 0 {
		return "", errors.NewPrerequisiteError("every sample item must have a conclusion before finalizing").
			WithDetails(map[string]interface{}{
				"entity_type":   entityType,
				"entity_id":     e.ID.String(),
				"current_state": string(e.Status),
				"attempted":     "finalize",
			})
	}

	exceptions, catastrophic := 0, false
	for _, item := range e.Items {
		if item.Conclusion == ItemException {
			exceptions++
			catastrophic = catastrophic || item.Catastrophic
		}
	}

	e.Tested = len(e.Items)
	e.Exceptions = exceptions
	e.ExceptionRate = ExceptionRate(exceptions, e.Tested)
	e.Conclusion = bands.Conclude(e.ExceptionRate, catastrophic)
	e.Status = StatusCompleted
	e.FinalizedBy = by
	t := now
	e.FinalizedAt = &t
	e.UpdatedAt = now
	return e.Conclusion, nil
}

// SubmitForReview moves a completed execution to UnderReview
func (e *Execution) SubmitForReview(by string, now time.Time) error {
	if e.Status != StatusCompleted {
		return e.rejectTransition(string(StatusUnderReview))
	}
	e.Status = StatusUnderReview
	e.SubmittedBy = by
	e.UpdatedAt = now
	return nil
}

// Testers returns everyone who finalized the execution or concluded an item
func (e *Execution) Testers() map[string]bool {
	testers := make(map[string]bool)
	if e.FinalizedBy != "" {
		testers[e.FinalizedBy] = true
	}
	for _, item := range e.Items {
		if item.TestedBy != "" {
			testers[item.TestedBy] = true
		}
	}
	return testers
}

// Approve records the reviewer's sign-off. The reviewer must not have tested
// any part of the execution; that check precedes every other rule.
func (e *Execution) Approve(reviewer string, now time.Time) error {
	if reviewer == "" {
		return errors.NewValidationError("MISSING_REVIEWER", "reviewer is required")
	}
	if e.Testers()[reviewer] {
		return errors.NewSegregationOfDutiesError("the reviewer cannot approve a test they performed").
			WithDetails(map[string]interface{}{
				"entity_type":   entityType,
				"entity_id":     e.ID.String(),
				"current_state": string(e.Status),
				"attempted":     string(StatusApproved),
				"reviewer":      reviewer,
			})
	}
	if e.Status != StatusUnderReview {
		return e.rejectTransition(string(StatusApproved))
	}
	t := now
	e.Status = StatusApproved
	e.ApprovedBy = reviewer
	e.ApprovedAt = &t
	e.UpdatedAt = now
	return nil
}

// OverrideConclusion replaces the derived conclusion before approval. The
// note is mandatory and the derived value is kept for the record.
func (e *Execution) OverrideConclusion(conclusion Conclusion, note, by string, now time.Time) (Conclusion, error) {
	if !conclusion.IsValid() {
		return "", errors.NewValidationError("INVALID_CONCLUSION", "unknown conclusion")
	}
	if note == "" {
		return "", errors.NewValidationError("MISSING_OVERRIDE_NOTE", "a conclusion override requires a note")
	}
	if e.Status != StatusCompleted && e.Status != StatusUnderReview {
		return "", e.rejectTransition("override_conclusion")
	}
	if conclusion == e.Conclusion {
		return "", errors.NewValidationError("SAME_CONCLUSION", "conclusion is unchanged")
	}

	previous := e.Conclusion
	derived := previous
	if e.Override != nil {
		derived = e.Override.Derived
	}
	e.Override = &ConclusionOverride{Derived: derived, Applied: conclusion, Note: note, By: by, At: now}
	e.Conclusion = conclusion
	e.UpdatedAt = now
	return previous, nil
}

// Clone returns a deep copy
func (e *Execution) Clone() *Execution {
	c := *e
	if e.Sampling != nil {
		s := *e.Sampling
		c.Sampling = &s
	}
	c.Items = make([]SampleItem, len(e.Items))
	for i, item := range e.Items {
		c.Items[i] = item
		if item.TestedAt != nil {
			t := *item.TestedAt
			c.Items[i].TestedAt = &t
		}
	}
	if e.Override != nil {
		o := *e.Override
		c.Override = &o
	}
	if e.FinalizedAt != nil {
		t := *e.FinalizedAt
		c.FinalizedAt = &t
	}
	if e.ApprovedAt != nil {
		t := *e.ApprovedAt
		c.ApprovedAt = &t
	}
	return &c
}
