package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// Event is an immutable audit log entry. Once sealed by the store (sequence
// number and hash assigned) it is never mutated or deleted.
type Event struct {
	ID          uuid.UUID `json:"id"`
	SequenceNum int64     `json:"sequence_num"`
	Timestamp   time.Time `json:"timestamp"`

	// What was acted upon. AggregateID is the owning assignment (or cycle)
	// so the trail of a parent includes the events of its children.
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	AggregateID string     `json:"aggregate_id,omitempty"`
	CycleID     string     `json:"cycle_id,omitempty"`

	Actor  string `json:"actor"`
	Action Action `json:"action"`
	Result Result `json:"result"`

	// State machine positions before and after the action
	PreviousState string `json:"previous_state,omitempty"`
	NewState      string `json:"new_state,omitempty"`

	// Full aggregate snapshots
	PreviousSnapshot json.RawMessage `json:"previous_snapshot,omitempty"`
	NewSnapshot      json.RawMessage `json:"new_snapshot,omitempty"`

	Note     string            `json:"note,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Cryptographic integrity
	PreviousHash string `json:"previous_hash"`
	EventHash    string `json:"event_hash"`
}

// NewEvent creates a new audit event with validation. The timestamp is
// truncated to microseconds so it survives a round trip through postgres
// without changing the event hash.
func NewEvent(entityType EntityType, entityID, actor string, action Action, at time.Time) (*Event, error) {
	if !validateEntityType(entityType) {
		return nil, errors.NewValidationError("INVALID_ENTITY_TYPE", "entity type must be valid")
	}
	if entityID == "" {
		return nil, errors.NewValidationError("MISSING_ENTITY_ID", "entity ID is required")
	}
	if actor == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "actor is required")
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}

	return &Event{
		ID:         uuid.New(),
		Timestamp:  at.UTC().Truncate(time.Microsecond),
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Action:     action,
		Result:     ResultSuccess,
		Metadata:   make(map[string]string),
	}, nil
}

// WithAggregate links the event to its owning assignment and cycle
func (e *Event) WithAggregate(aggregateID, cycleID string) *Event {
	e.AggregateID = aggregateID
	e.CycleID = cycleID
	return e
}

// WithTransition records the state machine positions
func (e *Event) WithTransition(previous, next string) *Event {
	e.PreviousState = previous
	e.NewState = next
	return e
}

func (e *Event) WithNote(note string) *Event {
	e.Note = note
	return e
}

func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Denied marks the event as a rejected attempt
func (e *Event) Denied(reason string) *Event {
	e.Result = ResultDenied
	e.Note = reason
	return e
}

// SetSnapshots serialises the aggregate before and after the action.
// Either side may be nil (creation has no previous snapshot).
func (e *Event) SetSnapshots(previous, next interface{}) error {
	if previous != nil {
		raw, err := json.Marshal(previous)
		if err != nil {
			return errors.NewInternalError("failed to marshal previous snapshot").WithCause(err)
		}
		e.PreviousSnapshot = raw
	}
	if next != nil {
		raw, err := json.Marshal(next)
		if err != nil {
			return errors.NewInternalError("failed to marshal new snapshot").WithCause(err)
		}
		e.NewSnapshot = raw
	}
	return nil
}

// Seal assigns the position in the chain and computes the event hash
func (e *Event) Seal(sequenceNum int64, previousHash string) error {
	if e.IsSealed() {
		return errors.NewValidationError("EVENT_IMMUTABLE", "event is already sealed")
	}
	e.SequenceNum = sequenceNum
	e.PreviousHash = previousHash

	hash, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EventHash = hash
	return nil
}

// IsSealed returns whether the event has been hashed into the chain
func (e *Event) IsSealed() bool {
	return e.EventHash != ""
}

// ComputeHash calculates the SHA-256 over the integrity-relevant fields and
// the previous hash. It does not modify the event.
func (e *Event) ComputeHash() (string, error) {
	var metadata map[string]string
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}

	hashData := map[string]interface{}{
		"id":                e.ID.String(),
		"sequence_num":      e.SequenceNum,
		"timestamp":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		"entity_type":       string(e.EntityType),
		"entity_id":         e.EntityID,
		"aggregate_id":      e.AggregateID,
		"cycle_id":          e.CycleID,
		"actor":             e.Actor,
		"action":            string(e.Action),
		"result":            string(e.Result),
		"previous_state":    e.PreviousState,
		"new_state":         e.NewState,
		"previous_snapshot": digest(e.PreviousSnapshot),
		"new_snapshot":      digest(e.NewSnapshot),
		"note":              e.Note,
		"metadata":          metadata,
		"previous_hash":     e.PreviousHash,
	}

	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal hash data").WithCause(err)
	}

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

func digest(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Validate performs structural validation of the event
func (e *Event) Validate() error {
	if !validateEntityType(e.EntityType) {
		return errors.NewValidationError("INVALID_ENTITY_TYPE", "entity type must be valid")
	}
	if e.EntityID == "" {
		return errors.NewValidationError("MISSING_ENTITY_ID", "entity ID is required")
	}
	if e.Actor == "" {
		return errors.NewValidationError("MISSING_ACTOR", "actor is required")
	}
	if e.Action == "" {
		return errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if !isValidResult(e.Result) {
		return errors.NewValidationError("INVALID_RESULT", "result must be 'success' or 'denied'")
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	return nil
}

// Clone returns a deep copy
func (e *Event) Clone() *Event {
	c := *e
	if e.PreviousSnapshot != nil {
		c.PreviousSnapshot = append(json.RawMessage(nil), e.PreviousSnapshot...)
	}
	if e.NewSnapshot != nil {
		c.NewSnapshot = append(json.RawMessage(nil), e.NewSnapshot...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
