// Package escalation holds the overdue and escalation tier rules shared by
// evidence requests and remediation activities.
package escalation

import "time"

// Policy controls when an overdue item is escalated. The first escalation
// fires once the item has been overdue for Window; each later tier waits
// for the next Backoff interval after the previous escalation. When the
// backoff list is exhausted no further escalations fire.
type Policy struct {
	Window  time.Duration   `json:"window"`
	Backoff []time.Duration `json:"backoff"`
}

// DefaultPolicy escalates after one day overdue, then backs off 1d, 3d, 7d.
func DefaultPolicy() Policy {
	return Policy{
		Window:  24 * time.Hour,
		Backoff: []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
	}
}

// MaxTier is the number of escalations the policy will ever fire
func (p Policy) MaxTier() int {
	return 1 + len(p.Backoff)
}

// State tracks an item's overdue flag and escalation history
type State struct {
	OverdueSince    *time.Time `json:"overdue_since,omitempty"`
	Tier            int        `json:"tier"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
}

// IsOverdue reports whether the overdue flag is set
func (s State) IsOverdue() bool {
	return s.OverdueSince != nil
}

// MarkOverdue sets the overdue flag. It returns false if it was already set.
func (s *State) MarkOverdue(now time.Time) bool {
	if s.OverdueSince != nil {
		return false
	}
	t := now
	s.OverdueSince = &t
	return true
}

// NextEscalationAt returns when the next tier becomes due
func (s State) NextEscalationAt(p Policy) (time.Time, bool) {
	if s.OverdueSince == nil {
		return time.Time{}, false
	}
	if s.Tier == 0 {
		return s.OverdueSince.Add(p.Window), true
	}
	if s.Tier > len(p.Backoff) || s.LastEscalatedAt == nil {
		return time.Time{}, false
	}
	return s.LastEscalatedAt.Add(p.Backoff[s.Tier-1]), true
}

// EscalationDue reports whether a new tier should fire at now
func (s State) EscalationDue(p Policy, now time.Time) bool {
	next, ok := s.NextEscalationAt(p)
	return ok && !now.Before(next)
}

// RecordEscalation advances the tier and returns the tier that fired
func (s *State) RecordEscalation(now time.Time) int {
	t := now
	s.Tier++
	s.LastEscalatedAt = &t
	return s.Tier
}

// Clear resets the overdue flag and escalation history
func (s *State) Clear() {
	s.OverdueSince = nil
	s.Tier = 0
	s.LastEscalatedAt = nil
}

// Clone returns a deep copy
func (s State) Clone() State {
	c := State{Tier: s.Tier}
	if s.OverdueSince != nil {
		t := *s.OverdueSince
		c.OverdueSince = &t
	}
	if s.LastEscalatedAt != nil {
		t := *s.LastEscalatedAt
		c.LastEscalatedAt = &t
	}
	return c
}
