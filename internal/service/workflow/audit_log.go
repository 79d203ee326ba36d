package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

var _ AuditLog = (*auditLog)(nil)

// verifyPageSize bounds how many events VerifyChain holds in memory at once
const verifyPageSize = 1000

type auditLog struct {
	*core
}

// GetAuditTrail returns the events recorded against an entity and, for a
// cycle or assignment, against everything it owns, in sequence order
func (s *auditLog) GetAuditTrail(ctx context.Context, entityID string, filter audit.Filter) ([]*audit.Event, error) {
	if entityID == "" {
		return nil, errors.NewValidationError("MISSING_ENTITY_ID", "entity ID is required")
	}
	return s.store.AuditTrail(ctx, entityID, filter)
}

func (s *auditLog) Events(ctx context.Context, fromSequence int64, limit int) ([]*audit.Event, error) {
	if limit <= 0 || limit > verifyPageSize {
		limit = verifyPageSize
	}
	return s.store.AuditLog(ctx, fromSequence, limit)
}

// VerifyChain walks the whole log page by page. Each page is verified
// against the last hash of the page before it.
func (s *auditLog) VerifyChain(ctx context.Context) (*audit.ChainVerificationResult, error) {
	started := time.Now()
	verifier := audit.NewHashChainVerifier()
	total := &audit.ChainVerificationResult{IsValid: true}

	var (
		next     int64 = 1
		lastHash string
		lastSeq  int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.store.AuditLog(ctx, next, verifyPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		first := page[0]
		if total.EventsVerified == 0 {
			total.StartSequence = first.SequenceNum
			if first.SequenceNum != 1 || first.PreviousHash != "" {
				total.IsValid = false
				total.ChainBreaks = append(total.ChainBreaks, &audit.ChainBreak{
					EventID:     first.ID.String(),
					SequenceNum: first.SequenceNum,
					ActualHash:  first.PreviousHash,
					BreakType:   audit.BreakTypeHashMismatch,
					Description: "log does not start at the genesis event",
				})
			}
		} else {
			if first.SequenceNum != lastSeq+1 {
				total.IsValid = false
				total.ChainBreaks = append(total.ChainBreaks, &audit.ChainBreak{
					EventID:     first.ID.String(),
					SequenceNum: first.SequenceNum,
					BreakType:   audit.BreakTypeSequenceGap,
					Description: "sequence gap between pages",
				})
			}
			if first.PreviousHash != lastHash {
				total.IsValid = false
				total.ChainBreaks = append(total.ChainBreaks, &audit.ChainBreak{
					EventID:      first.ID.String(),
					SequenceNum:  first.SequenceNum,
					ExpectedHash: lastHash,
					ActualHash:   first.PreviousHash,
					BreakType:    audit.BreakTypeHashMismatch,
					Description:  "hash chain break between pages",
				})
			}
		}

		result, err := verifier.VerifySequential(page)
		if err != nil {
			return nil, err
		}
		total.EventsVerified += result.EventsVerified
		total.ChainBreaks = append(total.ChainBreaks, result.ChainBreaks...)
		total.ErrorsEncountered = append(total.ErrorsEncountered, result.ErrorsEncountered...)
		if !result.IsValid {
			total.IsValid = false
		}

		last := page[len(page)-1]
		lastHash, lastSeq = last.EventHash, last.SequenceNum
		total.EndSequence = lastSeq
		total.AggregateHash = lastHash
		next = lastSeq + 1
		if len(page) < verifyPageSize {
			break
		}
	}

	total.VerificationTime = time.Since(started)
	if !total.IsValid {
		s.logger.Error("audit chain verification failed",
			zap.Int("events", total.EventsVerified),
			zap.Int("breaks", len(total.ChainBreaks)))
	}
	return total, nil
}
