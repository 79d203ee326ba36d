package querybuilder

import (
	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
)

// AuditEventQueryBuilder builds queries over the audit_events table
type AuditEventQueryBuilder struct {
	*QueryBuilder
}

// NewAuditEventQuery selects the stored event bodies in chain order
func NewAuditEventQuery() *AuditEventQueryBuilder {
	q := &AuditEventQueryBuilder{QueryBuilder: New()}
	q.Select("body").From("audit_events")
	return q
}

// WhereConcerns restricts to events recorded against entityID or against
// a child it owns
func (q *AuditEventQueryBuilder) WhereConcerns(entityID string) *AuditEventQueryBuilder {
	q.WhereAnyEqual([]string{"entity_id", "aggregate_id", "cycle_id"}, entityID)
	return q
}

// WhereSequenceFrom starts the page at a chain position
func (q *AuditEventQueryBuilder) WhereSequenceFrom(seq int64) *AuditEventQueryBuilder {
	q.Where("sequence_num", GreaterThanOrEqual, seq)
	return q
}

// WhereFilter applies the audit filter predicates and limit
func (q *AuditEventQueryBuilder) WhereFilter(f audit.Filter) *AuditEventQueryBuilder {
	if f.EntityType != "" {
		q.WhereEqual("entity_type", string(f.EntityType))
	}
	if f.Actor != "" {
		q.WhereEqual("actor", f.Actor)
	}
	if f.Result != "" {
		q.WhereEqual("result", string(f.Result))
	}
	if !f.From.IsZero() {
		q.Where("occurred_at", GreaterThanOrEqual, f.From)
	}
	if !f.To.IsZero() {
		q.Where("occurred_at", LessThanOrEqual, f.To)
	}
	if len(f.Actions) > 0 {
		actions := make([]interface{}, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		q.WhereIn("action", actions)
	}
	q.OrderByAsc("sequence_num")
	if f.Limit > 0 {
		q.Limit(f.Limit)
	}
	return q
}

// FindingQueryBuilder builds queries over the findings table
type FindingQueryBuilder struct {
	*QueryBuilder
}

// NewFindingQuery selects finding documents
func NewFindingQuery() *FindingQueryBuilder {
	q := &FindingQueryBuilder{QueryBuilder: New()}
	q.Select("doc").From("findings")
	return q
}

// WhereFilter applies the finding filter and orders by creation
func (q *FindingQueryBuilder) WhereFilter(f finding.Filter) *FindingQueryBuilder {
	if f.Severity != "" {
		q.WhereEqual("severity", string(f.Severity))
	}
	if f.CycleID != uuid.Nil {
		q.WhereEqual("cycle_id", f.CycleID)
	}
	if f.Status != "" {
		q.WhereEqual("status", string(f.Status))
	}
	q.OrderByAsc("created_at").OrderByAsc("id")
	return q
}

// EvidenceRequestQueryBuilder builds queries over the evidence_requests table
type EvidenceRequestQueryBuilder struct {
	*QueryBuilder
}

// NewEvidenceRequestQuery selects request documents in number order
func NewEvidenceRequestQuery() *EvidenceRequestQueryBuilder {
	q := &EvidenceRequestQueryBuilder{QueryBuilder: New()}
	q.Select("doc").From("evidence_requests").OrderByAsc("number")
	return q
}

func (q *EvidenceRequestQueryBuilder) WhereAssignment(id uuid.UUID) *EvidenceRequestQueryBuilder {
	q.WhereEqual("assignment_id", id)
	return q
}

func (q *EvidenceRequestQueryBuilder) WhereCycle(id uuid.UUID) *EvidenceRequestQueryBuilder {
	q.WhereEqual("cycle_id", id)
	return q
}

// WhereOpen keeps requests that have not completed or been cancelled
func (q *EvidenceRequestQueryBuilder) WhereOpen() *EvidenceRequestQueryBuilder {
	q.Where("open", Equal, true)
	return q
}

// NewChainHeadLock reads the audit chain head and holds its row lock until
// the transaction ends, serialising appends across writers
func NewChainHeadLock() *QueryBuilder {
	return New().Select("sequence_num", "event_hash").
		From("audit_chain_head").
		WhereEqual("singleton", true).
		ForUpdate()
}
