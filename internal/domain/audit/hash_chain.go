package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// HashChainVerifier walks a run of events and reports every point where
// the chain no longer holds
type HashChainVerifier struct {
	rejectEmpty      bool
	ignoreTimestamps bool
}

// VerifierOption adjusts a HashChainVerifier
type VerifierOption func(*HashChainVerifier)

// RejectEmpty makes verifying zero events a validation error
func RejectEmpty() VerifierOption {
	return func(v *HashChainVerifier) { v.rejectEmpty = true }
}

// IgnoreTimestamps skips the check that timestamps never go backwards
func IgnoreTimestamps() VerifierOption {
	return func(v *HashChainVerifier) { v.ignoreTimestamps = true }
}

// NewHashChainVerifier creates a verifier. By default an empty run is valid
// and timestamps must be non-decreasing.
func NewHashChainVerifier(opts ...VerifierOption) *HashChainVerifier {
	v := &HashChainVerifier{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ChainVerificationResult contains the results of hash chain verification
type ChainVerificationResult struct {
	IsValid           bool          `json:"is_valid"`
	EventsVerified    int           `json:"events_verified"`
	ChainBreaks       []*ChainBreak `json:"chain_breaks,omitempty"`
	AggregateHash     string        `json:"aggregate_hash"`
	VerificationTime  time.Duration `json:"verification_time"`
	StartSequence     int64         `json:"start_sequence,omitempty"`
	EndSequence       int64         `json:"end_sequence,omitempty"`
	ErrorsEncountered []string      `json:"errors_encountered,omitempty"`
}

// ChainBreak represents a detected break in the hash chain
type ChainBreak struct {
	EventID         string    `json:"event_id"`
	SequenceNum     int64     `json:"sequence_num"`
	ExpectedHash    string    `json:"expected_hash"`
	ActualHash      string    `json:"actual_hash"`
	BreakType       BreakType `json:"break_type"`
	Description     string    `json:"description"`
	PreviousEventID string    `json:"previous_event_id,omitempty"`
}

// BreakType categorizes the type of chain break
type BreakType string

const (
	BreakTypeHashMismatch     BreakType = "hash_mismatch"
	BreakTypeTampered         BreakType = "tampered"
	BreakTypeSequenceGap      BreakType = "sequence_gap"
	BreakTypeTimestampReverse BreakType = "timestamp_reverse"
)

// VerifySequential verifies hash chain integrity for a sequence of events.
// The first event is trusted to link to whatever PreviousHash it carries so
// that a window of the log can be verified on its own.
func (v *HashChainVerifier) VerifySequential(events []*Event) (*ChainVerificationResult, error) {
	startTime := time.Now()

	result := &ChainVerificationResult{
		IsValid:           true,
		ChainBreaks:       make([]*ChainBreak, 0),
		ErrorsEncountered: make([]string, 0),
	}

	if len(events) == 0 {
		if v.rejectEmpty {
			return nil, errors.NewValidationError("EMPTY_CHAIN", "empty event chain not allowed")
		}
		result.VerificationTime = time.Since(startTime)
		return result, nil
	}

	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNum < sorted[j].SequenceNum
	})
	events = sorted

	result.StartSequence = events[0].SequenceNum
	result.EndSequence = events[len(events)-1].SequenceNum

	previousHash := events[0].PreviousHash
	var previousTimestamp time.Time

	for i, event := range events {
		result.EventsVerified++

		if err := event.Validate(); err != nil {
			result.IsValid = false
			result.ErrorsEncountered = append(result.ErrorsEncountered,
				fmt.Sprintf("event %s validation failed: %v", event.ID, err))
			continue
		}

		if i > 0 {
			expectedSeq := events[i-1].SequenceNum + 1
			if event.SequenceNum != expectedSeq {
				result.IsValid = false
				result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
					EventID:     event.ID.String(),
					SequenceNum: event.SequenceNum,
					BreakType:   BreakTypeSequenceGap,
					Description: fmt.Sprintf("expected sequence %d, got %d", expectedSeq, event.SequenceNum),
				})
			}
		}

		if !v.ignoreTimestamps && i > 0 && event.Timestamp.Before(previousTimestamp) {
			result.IsValid = false
			result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
				EventID:     event.ID.String(),
				SequenceNum: event.SequenceNum,
				BreakType:   BreakTypeTimestampReverse,
				Description: "event timestamp is before previous event",
			})
		}

		if event.PreviousHash != previousHash {
			result.IsValid = false
			result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
				EventID:         event.ID.String(),
				SequenceNum:     event.SequenceNum,
				ExpectedHash:    previousHash,
				ActualHash:      event.PreviousHash,
				BreakType:       BreakTypeHashMismatch,
				Description:     "hash chain break detected",
				PreviousEventID: getPreviousEventID(events, i),
			})
		} else {
			ok, err := v.VerifyEvent(event, previousHash)
			if err != nil {
				result.IsValid = false
				result.ErrorsEncountered = append(result.ErrorsEncountered,
					fmt.Sprintf("hash verification error for event %s: %v", event.ID, err))
			} else if !ok {
				result.IsValid = false
				result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
					EventID:     event.ID.String(),
					SequenceNum: event.SequenceNum,
					ActualHash:  event.EventHash,
					BreakType:   BreakTypeTampered,
					Description: "event content does not match its hash",
				})
			}
		}

		previousHash = event.EventHash
		previousTimestamp = event.Timestamp
	}

	aggregateHash, err := v.ComputeChainHash(events)
	if err != nil {
		result.ErrorsEncountered = append(result.ErrorsEncountered,
			fmt.Sprintf("failed to compute aggregate hash: %v", err))
	} else {
		result.AggregateHash = aggregateHash
	}

	result.VerificationTime = time.Since(startTime)
	return result, nil
}

// VerifyEvent verifies a single event's hash chain integrity
func (v *HashChainVerifier) VerifyEvent(event *Event, expectedPreviousHash string) (bool, error) {
	if event == nil {
		return false, errors.NewValidationError("NIL_EVENT", "event cannot be nil")
	}
	if !event.IsSealed() {
		return false, errors.NewValidationError("EVENT_NOT_HASHED", "event must be sealed with a computed hash")
	}
	if event.PreviousHash != expectedPreviousHash {
		return false, nil
	}

	computed, err := event.ComputeHash()
	if err != nil {
		return false, errors.NewInternalError("failed to recompute hash").WithCause(err)
	}
	return computed == event.EventHash, nil
}

// ComputeChainHash computes an aggregate hash for the entire chain
func (v *HashChainVerifier) ComputeChainHash(events []*Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	chainData := make([]string, len(events))
	for i, event := range events {
		chainData[i] = fmt.Sprintf("%020d:%s:%s", event.SequenceNum, event.ID.String(), event.EventHash)
	}
	sort.Strings(chainData)

	hash := sha256.Sum256([]byte(strings.Join(chainData, "|")))
	return hex.EncodeToString(hash[:]), nil
}

func getPreviousEventID(events []*Event, currentIndex int) string {
	if currentIndex == 0 || currentIndex >= len(events) {
		return ""
	}
	return events[currentIndex-1].ID.String()
}

// VerifyChainIntegrity is a convenience function for full chain verification
func VerifyChainIntegrity(events []*Event) (*ChainVerificationResult, error) {
	return NewHashChainVerifier().VerifySequential(events)
}
