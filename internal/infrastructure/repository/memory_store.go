package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.Store = (*MemoryStore)(nil)

// MemoryStore is the in-process workflow store. Every read and write goes
// through deep copies so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	cycles      map[uuid.UUID]*cycle.TestingCycle
	controls    map[string]*control.Control
	assignments map[uuid.UUID]*assignment.ControlAssignment
	requests    map[uuid.UUID]*evidence.Request
	executions  map[uuid.UUID]*testexec.Execution // by assignment ID
	findings    map[uuid.UUID]*finding.Finding
	events      []*audit.Event

	requestSeq int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles:      make(map[uuid.UUID]*cycle.TestingCycle),
		controls:    make(map[string]*control.Control),
		assignments: make(map[uuid.UUID]*assignment.ControlAssignment),
		requests:    make(map[uuid.UUID]*evidence.Request),
		executions:  make(map[uuid.UUID]*testexec.Execution),
		findings:    make(map[uuid.UUID]*finding.Finding),
	}
}

// Commit checks every aggregate version, seals the events onto the chain and
// applies the aggregates. Nothing is applied unless everything succeeds.
func (s *MemoryStore) Commit(ctx context.Context, cs *workflow.Changeset) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTransientPersistenceError("commit cancelled").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersions(cs); err != nil {
		return err
	}

	sealed := make([]*audit.Event, len(cs.Events))
	seq, previous := s.head()
	for i, e := range cs.Events {
		c := e.Clone()
		seq++
		if err := c.Seal(seq, previous); err != nil {
			return err
		}
		previous = c.EventHash
		sealed[i] = c
	}

	s.events = append(s.events, sealed...)
	for i, e := range cs.Events {
		e.SequenceNum = sealed[i].SequenceNum
		e.PreviousHash = sealed[i].PreviousHash
		e.EventHash = sealed[i].EventHash
	}

	for _, x := range cs.Cycles {
		x.Version++
		s.cycles[x.ID] = x.Clone()
	}
	for _, x := range cs.Controls {
		x.Version++
		s.controls[x.Ref] = x.Clone()
	}
	for _, x := range cs.Assignments {
		x.Version++
		s.assignments[x.ID] = x.Clone()
	}
	for _, x := range cs.Requests {
		x.Version++
		s.requests[x.ID] = x.Clone()
	}
	for _, x := range cs.Executions {
		x.Version++
		s.executions[x.AssignmentID] = x.Clone()
	}
	for _, x := range cs.Findings {
		x.Version++
		s.findings[x.ID] = x.Clone()
	}
	return nil
}

func (s *MemoryStore) head() (int64, string) {
	if len(s.events) == 0 {
		return 0, ""
	}
	last := s.events[len(s.events)-1]
	return last.SequenceNum, last.EventHash
}

func (s *MemoryStore) checkVersions(cs *workflow.Changeset) error {
	check := func(entity, id string, stored *int64, version int64) error {
		switch {
		case stored == nil && version == 0:
			return nil
		case stored != nil && *stored == version:
			return nil
		default:
			return errors.NewVersionConflictError(entity, id)
		}
	}
	for _, x := range cs.Cycles {
		var stored *int64
		if cur, ok := s.cycles[x.ID]; ok {
			stored = &cur.Version
		}
		if err := check(string(audit.EntityCycle), x.ID.String(), stored, x.Version); err != nil {
			return err
		}
	}
	for _, x := range cs.Controls {
		var stored *int64
		if cur, ok := s.controls[x.Ref]; ok {
			stored = &cur.Version
		}
		if err := check(string(audit.EntityControl), x.Ref, stored, x.Version); err != nil {
			return err
		}
	}
	for _, x := range cs.Assignments {
		var stored *int64
		if cur, ok := s.assignments[x.ID]; ok {
			stored = &cur.Version
		} else if s.hasAssignment(x.CycleID, x.ControlRef) {
			return errors.NewDuplicateAssignmentError(
				fmt.Sprintf("control %s is already assigned in cycle %s", x.ControlRef, x.CycleID))
		}
		if err := check(string(audit.EntityAssignment), x.ID.String(), stored, x.Version); err != nil {
			return err
		}
	}
	for _, x := range cs.Requests {
		var stored *int64
		if cur, ok := s.requests[x.ID]; ok {
			stored = &cur.Version
		}
		if err := check(string(audit.EntityEvidenceRequest), x.ID.String(), stored, x.Version); err != nil {
			return err
		}
	}
	for _, x := range cs.Executions {
		var stored *int64
		if cur, ok := s.executions[x.AssignmentID]; ok {
			if cur.ID != x.ID {
				return errors.NewConflictError("DUPLICATE_EXECUTION", "assignment already has a test execution")
			}
			stored = &cur.Version
		}
		if err := check(string(audit.EntityTestExecution), x.ID.String(), stored, x.Version); err != nil {
			return err
		}
	}
	for _, x := range cs.Findings {
		var stored *int64
		if cur, ok := s.findings[x.ID]; ok {
			stored = &cur.Version
		}
		if err := check(string(audit.EntityFinding), x.ID.String(), stored, x.Version); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) hasAssignment(cycleID uuid.UUID, ref string) bool {
	for _, a := range s.assignments {
		if a.CycleID == cycleID && a.ControlRef == ref {
			return true
		}
	}
	return false
}

// NextRequestNumber allocates ER-000001, ER-000002, ...
func (s *MemoryStore) NextRequestNumber(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestSeq++
	return fmt.Sprintf("ER-%06d", s.requestSeq), nil
}

func (s *MemoryStore) GetCycle(ctx context.Context, id uuid.UUID) (*cycle.TestingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, errors.NewNotFoundError("testing cycle")
	}
	return c.Clone(), nil
}

func (s *MemoryStore) GetControl(ctx context.Context, ref string) (*control.Control, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.controls[ref]
	if !ok {
		return nil, errors.NewNotFoundError("control")
	}
	return c.Clone(), nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, id uuid.UUID) (*assignment.ControlAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, errors.NewNotFoundError("control assignment")
	}
	return a.Clone(), nil
}

func (s *MemoryStore) FindAssignment(ctx context.Context, cycleID uuid.UUID, controlRef string) (*assignment.ControlAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.CycleID == cycleID && a.ControlRef == controlRef {
			return a.Clone(), nil
		}
	}
	return nil, errors.NewNotFoundError("control assignment")
}

// ListAssignmentsByCycle returns assignments in the order they were added
func (s *MemoryStore) ListAssignmentsByCycle(ctx context.Context, cycleID uuid.UUID) ([]*assignment.ControlAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*assignment.ControlAssignment
	for _, a := range s.assignments {
		if a.CycleID == cycleID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ControlRef < out[j].ControlRef
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetEvidenceRequest(ctx context.Context, id uuid.UUID) (*evidence.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, errors.NewNotFoundError("evidence request")
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListEvidenceRequests(ctx context.Context, assignmentID uuid.UUID) ([]*evidence.Request, error) {
	return s.listRequests(func(r *evidence.Request) bool { return r.AssignmentID == assignmentID }), nil
}

func (s *MemoryStore) ListEvidenceRequestsByCycle(ctx context.Context, cycleID uuid.UUID) ([]*evidence.Request, error) {
	return s.listRequests(func(r *evidence.Request) bool { return r.CycleID == cycleID }), nil
}

func (s *MemoryStore) ListOpenEvidenceRequests(ctx context.Context) ([]*evidence.Request, error) {
	return s.listRequests(func(r *evidence.Request) bool { return r.IsOpen() }), nil
}

func (s *MemoryStore) listRequests(match func(*evidence.Request) bool) []*evidence.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evidence.Request
	for _, r := range s.requests {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *MemoryStore) GetExecution(ctx context.Context, assignmentID uuid.UUID) (*testexec.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[assignmentID]
	if !ok {
		return nil, errors.NewNotFoundError("test execution")
	}
	return e.Clone(), nil
}

func (s *MemoryStore) GetFinding(ctx context.Context, id uuid.UUID) (*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.findings[id]
	if !ok {
		return nil, errors.NewNotFoundError("finding")
	}
	return f.Clone(), nil
}

func (s *MemoryStore) GetFindingByExecution(ctx context.Context, executionID uuid.UUID) (*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *finding.Finding
	for _, f := range s.findings {
		if f.ExecutionID != executionID {
			continue
		}
		if latest == nil || f.CreatedAt.After(latest.CreatedAt) {
			latest = f
		}
	}
	if latest == nil {
		return nil, errors.NewNotFoundError("finding")
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListFindings(ctx context.Context, filter finding.Filter) ([]*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*finding.Finding
	for _, f := range s.findings {
		if filter.Matches(f) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AuditTrail returns the events concerning entityID in sequence order
func (s *MemoryStore) AuditTrail(ctx context.Context, entityID string, filter audit.Filter) ([]*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Event
	for _, e := range s.events {
		if !e.Concerns(entityID) || !filter.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// AuditLog pages through the chain starting at fromSequence
func (s *MemoryStore) AuditLog(ctx context.Context, fromSequence int64, limit int) ([]*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fromSequence < 1 {
		fromSequence = 1
	}
	var out []*audit.Event
	for i := int(fromSequence - 1); i < len(s.events); i++ {
		out = append(out, s.events[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TamperEvent overwrites a sealed event in place. It exists so integrity
// checks can be exercised against a corrupted log.
func (s *MemoryStore) TamperEvent(sequence int64, mutate func(*audit.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence < 1 || int(sequence) > len(s.events) {
		return false
	}
	mutate(s.events[sequence-1])
	return true
}
