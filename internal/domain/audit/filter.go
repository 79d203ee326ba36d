package audit

import "time"

// Filter narrows an audit trail query. Zero values match everything.
type Filter struct {
	EntityType EntityType `json:"entity_type,omitempty"`
	Actions    []Action   `json:"actions,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	Result     Result     `json:"result,omitempty"`
	From       time.Time  `json:"from,omitempty"`
	To         time.Time  `json:"to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// Concerns reports whether the event belongs to the trail of entityID:
// recorded against it directly, or against a child it owns.
func (e *Event) Concerns(entityID string) bool {
	return e.EntityID == entityID || e.AggregateID == entityID || e.CycleID == entityID
}

// Matches applies the filter predicates (Limit is applied by the caller)
func (f Filter) Matches(e *Event) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if a == e.Action {
				return true
			}
		}
		return false
	}
	return true
}
