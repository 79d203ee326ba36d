package cycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
)

// Progress is a point-in-time aggregation of a cycle's assignments. It is
// always derived from child state and never stored as authoritative.
type Progress struct {
	CycleID            uuid.UUID                 `json:"cycle_id"`
	Total              int                       `json:"total"`
	ByStatus           map[assignment.Status]int `json:"by_status"`
	Completed          int                       `json:"completed"`
	PercentComplete    decimal.Decimal           `json:"percent_complete"`
	OverdueAssignments int                       `json:"overdue_assignments"`
	OverdueRequests    int                       `json:"overdue_requests"`
	ComputedAt         time.Time                 `json:"computed_at"`
}

// ComputeProgress aggregates assignment states. overdueRequests is the number
// of open evidence requests across the cycle currently flagged overdue.
func ComputeProgress(cycleID uuid.UUID, assignments []*assignment.ControlAssignment, overdueRequests int, now time.Time) Progress {
	p := Progress{
		CycleID:         cycleID,
		Total:           len(assignments),
		ByStatus:        make(map[assignment.Status]int, len(assignment.AllStatuses())),
		PercentComplete: decimal.Zero,
		OverdueRequests: overdueRequests,
		ComputedAt:      now,
	}
	for _, s := range assignment.AllStatuses() {
		p.ByStatus[s] = 0
	}

	for _, a := range assignments {
		p.ByStatus[a.Status]++
		if a.Status == assignment.StatusCompleted {
			p.Completed++
		}
		if a.IsOverdue(now) {
			p.OverdueAssignments++
		}
	}

	if p.Total > 0 {
		p.PercentComplete = decimal.NewFromInt(int64(p.Completed)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(p.Total))).
			Round(2)
	}
	return p
}
