package evidence

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// FileRef is the file storage collaborator's reference to stored bytes.
// Content is immutable once hashed.
type FileRef struct {
	ID         string    `json:"id" validate:"required"`
	Hash       string    `json:"hash" validate:"required"`
	Size       int64     `json:"size" validate:"gte=0"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// FileSubmission is one file offered against one requested evidence type
type FileSubmission struct {
	File         FileRef              `json:"file" validate:"required"`
	EvidenceType control.EvidenceType `json:"evidence_type" validate:"required"`
	Name         string               `json:"name" validate:"required"`
}

// Submission is an entry in a request's evidence history
type Submission struct {
	ID           uuid.UUID            `json:"id"`
	File         FileRef              `json:"file"`
	EvidenceType control.EvidenceType `json:"evidence_type"`
	Name         string               `json:"name"`
	SubmittedBy  string               `json:"submitted_by"`
	SubmittedAt  time.Time            `json:"submitted_at"`
	SupersededBy *uuid.UUID           `json:"superseded_by,omitempty"`
}

// Active reports whether the entry has not been superseded
func (s Submission) Active() bool {
	return s.SupersededBy == nil
}

func (s Submission) clone() Submission {
	c := s
	if s.SupersededBy != nil {
		id := *s.SupersededBy
		c.SupersededBy = &id
	}
	return c
}

// Outcome of a submission
type Outcome string

const (
	OutcomeCompleted            Outcome = "completed"
	OutcomeIncompleteSubmission Outcome = "incomplete_submission"
)

// IntegrityNotice records a file re-submitted under the same ID with a
// different content hash
type IntegrityNotice struct {
	FileID       string `json:"file_id"`
	PreviousHash string `json:"previous_hash"`
	NewHash      string `json:"new_hash"`
}

// SubmitResult describes what a submission changed
type SubmitResult struct {
	Outcome          Outcome                `json:"outcome"`
	Accepted         []uuid.UUID            `json:"accepted"`
	Superseded       []uuid.UUID            `json:"superseded,omitempty"`
	Unsatisfied      []control.EvidenceType `json:"unsatisfied,omitempty"`
	IntegrityNotices []IntegrityNotice      `json:"integrity_notices,omitempty"`
}

// Submit appends file references to the request history and recomputes the
// status. A later submission that matches an active entry by file ID, or by
// evidence type and name, supersedes it; nothing is ever removed.
// Submitting without satisfying every mandatory spec is not an error: the
// request moves to InProgress and the result lists what is missing.
func (r *Request) Submit(files []FileSubmission, by string, now time.Time) (*SubmitResult, error) {
	if by == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "submitter is required")
	}
	if len(files) == 0 {
		return nil, errors.NewValidationError("MISSING_FILES", "at least one file reference is required")
	}
	if r.Status == StatusCancelled {
		return nil, errors.NewInvalidTransitionError("evidence_request", r.ID.String(), string(r.Status), "submit_evidence")
	}
	for _, f := range files {
		if f.File.ID == "" || f.File.Hash == "" {
			return nil, errors.NewValidationError("INVALID_FILE_REF", "file references need an ID and a hash")
		}
		if f.Name == "" {
			return nil, errors.NewValidationError("MISSING_FILE_NAME", "file name is required")
		}
		if _, ok := r.Spec(f.EvidenceType); !ok {
			return nil, errors.NewValidationError("UNKNOWN_EVIDENCE_TYPE", "evidence type was not requested").
				WithDetails(map[string]interface{}{"evidence_type": string(f.EvidenceType), "request": r.Number})
		}
	}

	result := &SubmitResult{Accepted: make([]uuid.UUID, 0, len(files))}
	for _, f := range files {
		entry := Submission{
			ID:           uuid.New(),
			File:         f.File,
			EvidenceType: f.EvidenceType,
			Name:         f.Name,
			SubmittedBy:  by,
			SubmittedAt:  now,
		}

		for i := range r.Submissions {
			prior := &r.Submissions[i]
			if !prior.Active() {
				continue
			}
			sameFile := prior.File.ID == f.File.ID
			sameSlot := prior.EvidenceType == f.EvidenceType && prior.Name == f.Name
			if !sameFile && !sameSlot {
				continue
			}
			id := entry.ID
			prior.SupersededBy = &id
			result.Superseded = append(result.Superseded, prior.ID)
			if sameFile && prior.File.Hash != f.File.Hash {
				result.IntegrityNotices = append(result.IntegrityNotices, IntegrityNotice{
					FileID:       f.File.ID,
					PreviousHash: prior.File.Hash,
					NewHash:      f.File.Hash,
				})
			}
		}

		r.Submissions = append(r.Submissions, entry)
		result.Accepted = append(result.Accepted, entry.ID)
	}

	result.Unsatisfied = r.Unsatisfied()
	if len(result.Unsatisfied) == 0 {
		result.Outcome = OutcomeCompleted
		if r.Status != StatusCompleted {
			t := now
			r.CompletedAt = &t
		}
		r.Status = StatusCompleted
	} else {
		result.Outcome = OutcomeIncompleteSubmission
		r.Status = StatusInProgress
	}
	r.UpdatedAt = now
	return result, nil
}

// Unsatisfied lists mandatory evidence types with no active submission
func (r *Request) Unsatisfied() []control.EvidenceType {
	have := make(map[control.EvidenceType]bool)
	for _, s := range r.Submissions {
		if s.Active() {
			have[s.EvidenceType] = true
		}
	}
	var missing []control.EvidenceType
	for _, spec := range r.Specs {
		if spec.Mandatory && !have[spec.Type] {
			missing = append(missing, spec.Type)
		}
	}
	return missing
}

// ActiveSubmissions returns the entries that have not been superseded
func (r *Request) ActiveSubmissions() []Submission {
	active := make([]Submission, 0, len(r.Submissions))
	for _, s := range r.Submissions {
		if s.Active() {
			active = append(active, s.clone())
		}
	}
	return active
}
