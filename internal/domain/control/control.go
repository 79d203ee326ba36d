package control

import (
	"time"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// EvidenceType names a kind of evidence a control requires (e.g. "access_review")
type EvidenceType string

// String returns the string representation of the evidence type
func (t EvidenceType) String() string {
	return string(t)
}

// EvidenceRequirement is one piece of evidence testing the control needs
type EvidenceRequirement struct {
	Type        EvidenceType `json:"type" validate:"required"`
	Format      string       `json:"format,omitempty"`
	Mandatory   bool         `json:"mandatory"`
	Description string       `json:"description,omitempty"`
}

// Control is a catalog entry for an IT safeguard subject to periodic testing
type Control struct {
	Ref                  string                `json:"ref"`
	Title                string                `json:"title"`
	Description          string                `json:"description,omitempty"`
	Framework            string                `json:"framework,omitempty"`
	EvidenceRequirements []EvidenceRequirement `json:"evidence_requirements"`
	Version              int64                 `json:"version"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// NewControl creates a catalog entry with validation
func NewControl(ref, title, framework string, requirements []EvidenceRequirement, now time.Time) (*Control, error) {
	if ref == "" {
		return nil, errors.NewValidationError("MISSING_CONTROL_REF", "control reference is required")
	}
	if title == "" {
		return nil, errors.NewValidationError("MISSING_CONTROL_TITLE", "control title is required")
	}

	seen := make(map[EvidenceType]bool, len(requirements))
	for _, r := range requirements {
		if r.Type == "" {
			return nil, errors.NewValidationError("MISSING_EVIDENCE_TYPE", "evidence requirement type is required")
		}
		if seen[r.Type] {
			return nil, errors.NewValidationError("DUPLICATE_EVIDENCE_TYPE",
				"evidence requirement types must be unique").
				WithDetails(map[string]interface{}{"evidence_type": string(r.Type)})
		}
		seen[r.Type] = true
	}

	reqs := make([]EvidenceRequirement, len(requirements))
	copy(reqs, requirements)

	return &Control{
		Ref:                  ref,
		Title:                title,
		Framework:            framework,
		EvidenceRequirements: reqs,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// Clone returns a deep copy
func (c *Control) Clone() *Control {
	cp := *c
	cp.EvidenceRequirements = make([]EvidenceRequirement, len(c.EvidenceRequirements))
	copy(cp.EvidenceRequirements, c.EvidenceRequirements)
	return &cp
}
