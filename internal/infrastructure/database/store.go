package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/querybuilder"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.Store = (*Store)(nil)

// Store persists workflow aggregates as JSONB documents and appends the
// audit chain in the same transaction
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a postgres-backed workflow store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// column is an extra lookup column written next to a document
type column struct {
	name  string
	value interface{}
}

// record is one aggregate row to insert or update
type record struct {
	entity    audit.EntityType
	table     string
	keyColumn string
	key       interface{}
	version   int64
	doc       interface{}
	extras    []column
}

// Commit applies the changeset in one transaction. Versions are checked by
// the UPDATE predicates, then the chain head is locked and the events are
// sealed onto it.
func (s *Store) Commit(ctx context.Context, cs *workflow.Changeset) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTransientPersistenceError("commit cancelled").WithCause(err)
	}

	records := changesetRecords(cs)
	sealed := make([]*audit.Event, len(cs.Events))
	err := Transaction(ctx, s.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, r := range records {
			if err := s.save(ctx, tx, r); err != nil {
				return err
			}
		}
		return s.appendEvents(ctx, tx, cs.Events, sealed)
	})
	if err != nil {
		return classify(err)
	}

	for i, e := range cs.Events {
		e.SequenceNum = sealed[i].SequenceNum
		e.PreviousHash = sealed[i].PreviousHash
		e.EventHash = sealed[i].EventHash
	}
	for _, x := range cs.Cycles {
		x.Version++
	}
	for _, x := range cs.Controls {
		x.Version++
	}
	for _, x := range cs.Assignments {
		x.Version++
	}
	for _, x := range cs.Requests {
		x.Version++
	}
	for _, x := range cs.Executions {
		x.Version++
	}
	for _, x := range cs.Findings {
		x.Version++
	}
	return nil
}

// changesetRecords builds the rows in foreign key order. Documents carry
// the version they will have once the commit succeeds.
func changesetRecords(cs *workflow.Changeset) []record {
	var records []record
	for _, x := range cs.Cycles {
		doc := x.Clone()
		doc.Version++
		records = append(records, record{
			entity: audit.EntityCycle, table: "cycles", keyColumn: "id", key: x.ID,
			version: x.Version, doc: doc,
			extras: []column{
				{"status", string(x.Status)},
				{"created_at", x.CreatedAt},
				{"updated_at", x.UpdatedAt},
			},
		})
	}
	for _, x := range cs.Controls {
		doc := x.Clone()
		doc.Version++
		records = append(records, record{
			entity: audit.EntityControl, table: "controls", keyColumn: "ref", key: x.Ref,
			version: x.Version, doc: doc,
			extras: []column{
				{"created_at", x.CreatedAt},
				{"updated_at", x.UpdatedAt},
			},
		})
	}
	for _, x := range cs.Assignments {
		doc := x.Clone()
		doc.Version++
		records = append(records, record{
			entity: audit.EntityAssignment, table: "assignments", keyColumn: "id", key: x.ID,
			version: x.Version, doc: doc,
			extras: []column{
				{"cycle_id", x.CycleID},
				{"control_ref", x.ControlRef},
				{"status", string(x.Status)},
				{"created_at", x.CreatedAt},
				{"updated_at", x.UpdatedAt},
			},
		})
	}
	for _, x := range cs.Requests {
		doc := x.Clone()
		doc.Version++
		records = append(records, record{
			entity: audit.EntityEvidenceRequest, table: "evidence_requests", keyColumn: "id", key: x.ID,
			version: x.Version, doc: doc,
			extras: []column{
				{"number", x.Number},
				{"assignment_id", x.AssignmentID},
				{"cycle_id", x.CycleID},
				{"status", string(x.Status)},
				{"open", x.IsOpen()},
				{"created_at", x.CreatedAt},
				{"updated_at", x.UpdatedAt},
			},
		})
	}
	for _, x := range cs.Executions {
		doc := x.Clone()
		doc.Version++
		records = append(records, record{
			entity: audit.EntityTestExecution, table: "test_executions", keyColumn: "assignment_id", key: x.AssignmentID,
			version: x.Version, doc: doc,
			extras: []column{
				{"id", x.ID},
				{"status", string(x.Status)},
				{"created_at", x.CreatedAt},
				{"updated_at", x.UpdatedAt},
			},
		})
	}
	for _, x := range cs.Findings {
		doc := x.Clone()
		doc.Version++
		records = append(records, record{
			entity: audit.EntityFinding, table: "findings", keyColumn: "id", key: x.ID,
			version: x.Version, doc: doc,
			extras: []column{
				{"execution_id", x.ExecutionID},
				{"assignment_id", x.AssignmentID},
				{"cycle_id", x.CycleID},
				{"severity", string(x.Severity)},
				{"status", string(x.Status)},
				{"created_at", x.CreatedAt},
				{"updated_at", x.UpdatedAt},
			},
		})
	}
	return records
}

// save inserts a new aggregate or updates an existing one guarded by its
// version. Zero affected rows means another writer got there first.
func (s *Store) save(ctx context.Context, tx pgx.Tx, r record) error {
	doc, err := json.Marshal(r.doc)
	if err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to marshal %s", r.entity)).WithCause(err)
	}

	args := []interface{}{r.key, r.version + 1, doc}
	for _, c := range r.extras {
		args = append(args, c.value)
	}

	var query string
	if r.version == 0 {
		cols := []string{r.keyColumn, "version", "doc"}
		placeholders := []string{"$1", "$2", "$3"}
		for i, c := range r.extras {
			cols = append(cols, c.name)
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+4))
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			r.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), r.keyColumn)
	} else {
		sets := []string{"version = $2", "doc = $3"}
		for i, c := range r.extras {
			sets = append(sets, fmt.Sprintf("%s = $%d", c.name, i+4))
		}
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1 AND version = $2 - 1",
			r.table, strings.Join(sets, ", "), r.keyColumn)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if r.version == 0 && r.entity == audit.EntityTestExecution {
			return errors.NewConflictError("DUPLICATE_EXECUTION", "assignment already has a test execution")
		}
		return errors.NewVersionConflictError(string(r.entity), fmt.Sprint(r.key))
	}
	return nil
}

func (s *Store) appendEvents(ctx context.Context, tx pgx.Tx, events []*audit.Event, sealed []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	head, args, err := querybuilder.NewChainHeadLock().ToSQL()
	if err != nil {
		return errors.NewInternalError("failed to build chain head query").WithCause(err)
	}
	var seq int64
	var previous string
	if err := tx.QueryRow(ctx, head, args...).Scan(&seq, &previous); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, e := range events {
		c := e.Clone()
		seq++
		if err := c.Seal(seq, previous); err != nil {
			return err
		}
		body, err := json.Marshal(c)
		if err != nil {
			return errors.NewInternalError("failed to marshal audit event").WithCause(err)
		}
		batch.Queue(`
			INSERT INTO audit_events (
				sequence_num, id, occurred_at, entity_type, entity_id, aggregate_id, cycle_id,
				actor, action, result, previous_hash, event_hash, body
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.SequenceNum, c.ID, c.Timestamp, string(c.EntityType), c.EntityID, c.AggregateID, c.CycleID,
			c.Actor, string(c.Action), string(c.Result), c.PreviousHash, c.EventHash, string(body),
		)
		previous = c.EventHash
		sealed[i] = c
	}
	batch.Queue(`UPDATE audit_chain_head SET sequence_num = $1, event_hash = $2 WHERE singleton`, seq, previous)

	return tx.SendBatch(ctx, batch).Close()
}

// NextRequestNumber allocates ER-000001, ER-000002, ... from a sequence
func (s *Store) NextRequestNumber(ctx context.Context) (string, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('evidence_request_number_seq')`).Scan(&n); err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("ER-%06d", n), nil
}

func getDoc[T any](ctx context.Context, pool *pgxpool.Pool, resource, query string, args ...interface{}) (*T, error) {
	var raw []byte
	if err := pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError(resource)
		}
		return nil, classify(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("failed to decode %s", resource)).WithCause(err)
	}
	return &out, nil
}

func listDocs[T any](ctx context.Context, pool *pgxpool.Pool, resource, query string, args ...interface{}) ([]*T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.NewInternalError(fmt.Sprintf("failed to decode %s", resource)).WithCause(err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) GetCycle(ctx context.Context, id uuid.UUID) (*cycle.TestingCycle, error) {
	return getDoc[cycle.TestingCycle](ctx, s.pool, "testing cycle",
		`SELECT doc FROM cycles WHERE id = $1`, id)
}

func (s *Store) GetControl(ctx context.Context, ref string) (*control.Control, error) {
	return getDoc[control.Control](ctx, s.pool, "control",
		`SELECT doc FROM controls WHERE ref = $1`, ref)
}

func (s *Store) GetAssignment(ctx context.Context, id uuid.UUID) (*assignment.ControlAssignment, error) {
	return getDoc[assignment.ControlAssignment](ctx, s.pool, "control assignment",
		`SELECT doc FROM assignments WHERE id = $1`, id)
}

func (s *Store) FindAssignment(ctx context.Context, cycleID uuid.UUID, controlRef string) (*assignment.ControlAssignment, error) {
	return getDoc[assignment.ControlAssignment](ctx, s.pool, "control assignment",
		`SELECT doc FROM assignments WHERE cycle_id = $1 AND control_ref = $2`, cycleID, controlRef)
}

func (s *Store) ListAssignmentsByCycle(ctx context.Context, cycleID uuid.UUID) ([]*assignment.ControlAssignment, error) {
	return listDocs[assignment.ControlAssignment](ctx, s.pool, "control assignment",
		`SELECT doc FROM assignments WHERE cycle_id = $1 ORDER BY created_at, control_ref`, cycleID)
}

func (s *Store) GetEvidenceRequest(ctx context.Context, id uuid.UUID) (*evidence.Request, error) {
	return getDoc[evidence.Request](ctx, s.pool, "evidence request",
		`SELECT doc FROM evidence_requests WHERE id = $1`, id)
}

func (s *Store) ListEvidenceRequests(ctx context.Context, assignmentID uuid.UUID) ([]*evidence.Request, error) {
	return s.listRequests(ctx, querybuilder.NewEvidenceRequestQuery().WhereAssignment(assignmentID))
}

func (s *Store) ListEvidenceRequestsByCycle(ctx context.Context, cycleID uuid.UUID) ([]*evidence.Request, error) {
	return s.listRequests(ctx, querybuilder.NewEvidenceRequestQuery().WhereCycle(cycleID))
}

func (s *Store) ListOpenEvidenceRequests(ctx context.Context) ([]*evidence.Request, error) {
	return s.listRequests(ctx, querybuilder.NewEvidenceRequestQuery().WhereOpen())
}

func (s *Store) listRequests(ctx context.Context, q *querybuilder.EvidenceRequestQueryBuilder) ([]*evidence.Request, error) {
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, errors.NewInternalError("failed to build request query").WithCause(err)
	}
	return listDocs[evidence.Request](ctx, s.pool, "evidence request", query, args...)
}

func (s *Store) GetExecution(ctx context.Context, assignmentID uuid.UUID) (*testexec.Execution, error) {
	return getDoc[testexec.Execution](ctx, s.pool, "test execution",
		`SELECT doc FROM test_executions WHERE assignment_id = $1`, assignmentID)
}

func (s *Store) GetFinding(ctx context.Context, id uuid.UUID) (*finding.Finding, error) {
	return getDoc[finding.Finding](ctx, s.pool, "finding",
		`SELECT doc FROM findings WHERE id = $1`, id)
}

func (s *Store) GetFindingByExecution(ctx context.Context, executionID uuid.UUID) (*finding.Finding, error) {
	return getDoc[finding.Finding](ctx, s.pool, "finding",
		`SELECT doc FROM findings WHERE execution_id = $1 ORDER BY created_at DESC LIMIT 1`, executionID)
}

func (s *Store) ListFindings(ctx context.Context, filter finding.Filter) ([]*finding.Finding, error) {
	query, args, err := querybuilder.NewFindingQuery().WhereFilter(filter).ToSQL()
	if err != nil {
		return nil, errors.NewInternalError("failed to build finding query").WithCause(err)
	}
	return listDocs[finding.Finding](ctx, s.pool, "finding", query, args...)
}

// AuditTrail returns the events concerning entityID in sequence order
func (s *Store) AuditTrail(ctx context.Context, entityID string, filter audit.Filter) ([]*audit.Event, error) {
	query, args, err := querybuilder.NewAuditEventQuery().
		WhereConcerns(entityID).
		WhereFilter(filter).
		ToSQL()
	if err != nil {
		return nil, errors.NewInternalError("failed to build audit query").WithCause(err)
	}
	return s.queryEvents(ctx, query, args...)
}

// AuditLog pages through the chain starting at fromSequence
func (s *Store) AuditLog(ctx context.Context, fromSequence int64, limit int) ([]*audit.Event, error) {
	if fromSequence < 1 {
		fromSequence = 1
	}
	q := querybuilder.NewAuditEventQuery().WhereSequenceFrom(fromSequence)
	q.OrderByAsc("sequence_num")
	if limit > 0 {
		q.Limit(limit)
	}
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, errors.NewInternalError("failed to build audit query").WithCause(err)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*audit.Event, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}

	events := make([]*audit.Event, 0, len(bodies))
	for _, body := range bodies {
		var e audit.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, errors.NewInternalError("failed to decode audit event").WithCause(err)
		}
		events = append(events, &e)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		s.logger.Warn("slow audit query", zap.Duration("elapsed", elapsed), zap.Int("events", len(events)))
	}
	return events, nil
}
