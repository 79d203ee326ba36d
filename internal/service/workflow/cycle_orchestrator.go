package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

var _ CycleOrchestrator = (*cycleOrchestrator)(nil)

type cycleOrchestrator struct {
	*core
	assignments *assignmentEngine
}

// CreateCycle opens a cycle in Planning managed by the actor
func (s *cycleOrchestrator) CreateCycle(ctx context.Context, actor Actor, cmd CreateCycleCommand) (_ *cycle.TestingCycle, err error) {
	ctx, span := s.startSpan(ctx, "CycleOrchestrator.CreateCycle", attribute.String("name", cmd.Name))
	defer func() { s.finish(span, audit.ActionCycleCreated, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceCycle, PermCreate, Scope{EntityID: cmd.Name},
		target{entityType: audit.EntityCycle, entityID: "new:" + cmd.Name}); err != nil {
		return nil, err
	}

	now := s.now()
	c, err := cycle.NewCycle(cmd.Name, cmd.Framework, actor.ID, cmd.StartDate.UTC(), cmd.EndDate.UTC(), now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Cycles: []*cycle.TestingCycle{c}}
	ev, err := s.record(cs, now, actor, cycleTargetOf(c.ID), audit.ActionCycleCreated, "", string(c.Status), nil, c)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("framework", c.Framework)

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)

	s.logger.Info("testing cycle created",
		zap.String("cycle_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("manager", c.Manager))
	return c, nil
}

// RegisterControl adds an entry to the control catalog. References are
// unique and entries are immutable once registered.
func (s *cycleOrchestrator) RegisterControl(ctx context.Context, actor Actor, cmd RegisterControlCommand) (_ *control.Control, err error) {
	ctx, span := s.startSpan(ctx, "CycleOrchestrator.RegisterControl", attribute.String("control_ref", cmd.Ref))
	defer func() { s.finish(span, audit.ActionControlRegistered, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(controlKey(cmd.Ref))
	defer unlock()

	if err := s.authorize(ctx, actor, ResourceControl, PermRegister, Scope{EntityID: cmd.Ref},
		controlTargetOf(cmd.Ref)); err != nil {
		return nil, err
	}

	existing, err := s.store.GetControl(ctx, cmd.Ref)
	switch {
	case err == nil && existing != nil:
		return nil, errors.NewConflictError("DUPLICATE_CONTROL", fmt.Sprintf("control %s is already registered", cmd.Ref)).
			WithDetails(map[string]interface{}{"control_ref": cmd.Ref})
	case err != nil && !errors.IsNotFound(err):
		return nil, err
	}

	now := s.now()
	ctl, err := control.NewControl(cmd.Ref, cmd.Title, cmd.Framework, cmd.EvidenceRequirements, now)
	if err != nil {
		return nil, err
	}
	ctl.Description = cmd.Description

	cs := &Changeset{Controls: []*control.Control{ctl}}
	ev, err := s.record(cs, now, actor, controlTargetOf(ctl.Ref), audit.ActionControlRegistered, "", "", nil, ctl)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("evidence_requirements", fmt.Sprint(len(ctl.EvidenceRequirements)))

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return ctl, nil
}

// AddControlToCycle creates the assignment binding a control to the cycle
func (s *cycleOrchestrator) AddControlToCycle(ctx context.Context, actor Actor, cmd CreateAssignmentCommand) (*assignment.ControlAssignment, error) {
	return s.assignments.Create(ctx, actor, cmd)
}

// TransitionCycle moves a cycle along its lifecycle. Completion requires
// every assignment to be completed.
func (s *cycleOrchestrator) TransitionCycle(ctx context.Context, actor Actor, cmd TransitionCycleCommand) (_ *cycle.TestingCycle, err error) {
	ctx, span := s.startSpan(ctx, "CycleOrchestrator.TransitionCycle",
		attribute.String("cycle_id", cmd.CycleID.String()),
		attribute.String("target", string(cmd.Target)))
	defer func() { s.finish(span, audit.ActionCycleTransitioned, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if !cmd.Target.IsValid() {
		return nil, errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("unknown cycle status %q", cmd.Target))
	}

	unlock := s.locks.Lock(cycleKey(cmd.CycleID))
	defer unlock()

	c, err := s.store.GetCycle(ctx, cmd.CycleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceCycle, PermTransition,
		Scope{CycleID: c.ID, EntityID: c.ID.String(), Owner: actor.ID == c.Manager}, cycleTargetOf(c.ID)); err != nil {
		return nil, err
	}

	if cmd.Target == cycle.StatusCompleted && cycle.CanTransition(c.Status, cmd.Target) {
		assignments, err := s.store.ListAssignmentsByCycle(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		incomplete := 0
		for _, a := range assignments {
			if a.Status != assignment.StatusCompleted {
				incomplete++
			}
		}
		if incomplete > 0 {
			return nil, errors.NewPrerequisiteError(
				fmt.Sprintf("%d of %d assignments are not completed", incomplete, len(assignments))).
				WithDetails(map[string]interface{}{
					"entity_type":   string(audit.EntityCycle),
					"entity_id":     c.ID.String(),
					"current_state": string(c.Status),
					"attempted":     string(cmd.Target),
					"incomplete":    incomplete,
				})
		}
	}

	now := s.now()
	before := c.Clone()
	if err := c.Transition(cmd.Target, now); err != nil {
		return nil, err
	}

	cs := &Changeset{Cycles: []*cycle.TestingCycle{c}}
	if _, err := s.record(cs, now, actor, cycleTargetOf(c.ID), audit.ActionCycleTransitioned,
		string(before.Status), string(c.Status), before, c); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)

	s.logger.Info("testing cycle transitioned",
		zap.String("cycle_id", c.ID.String()),
		zap.String("from", string(before.Status)),
		zap.String("to", string(c.Status)))
	return c, nil
}

// ArchiveCycle freezes a completed or cancelled cycle
func (s *cycleOrchestrator) ArchiveCycle(ctx context.Context, actor Actor, cycleID uuid.UUID) (_ *cycle.TestingCycle, err error) {
	ctx, span := s.startSpan(ctx, "CycleOrchestrator.ArchiveCycle", attribute.String("cycle_id", cycleID.String()))
	defer func() { s.finish(span, audit.ActionCycleArchived, err) }()

	unlock := s.locks.Lock(cycleKey(cycleID))
	defer unlock()

	c, err := s.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceCycle, PermArchive,
		Scope{CycleID: c.ID, EntityID: c.ID.String(), Owner: actor.ID == c.Manager}, cycleTargetOf(c.ID)); err != nil {
		return nil, err
	}

	now := s.now()
	before := c.Clone()
	if err := c.Archive(now); err != nil {
		return nil, err
	}

	cs := &Changeset{Cycles: []*cycle.TestingCycle{c}}
	if _, err := s.record(cs, now, actor, cycleTargetOf(c.ID), audit.ActionCycleArchived,
		string(before.Status), string(c.Status), before, c); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return c, nil
}

func (s *cycleOrchestrator) GetCycle(ctx context.Context, id uuid.UUID) (*cycle.TestingCycle, error) {
	return s.store.GetCycle(ctx, id)
}

func (s *cycleOrchestrator) GetControl(ctx context.Context, ref string) (*control.Control, error) {
	return s.store.GetControl(ctx, ref)
}

// ComputeProgress aggregates from the current assignment and request state
// and refreshes the cache. The cache is left alone when a commit touched the
// cycle while the aggregation was running.
func (s *cycleOrchestrator) ComputeProgress(ctx context.Context, cycleID uuid.UUID) (*cycle.Progress, error) {
	gen := s.progress.current(cycleID)
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	assignments, err := s.store.ListAssignmentsByCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	requests, err := s.store.ListEvidenceRequestsByCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	overdue := 0
	for _, r := range requests {
		if r.IsOpen() && r.Overdue() {
			overdue++
		}
	}

	p := cycle.ComputeProgress(cycleID, assignments, overdue, s.now())
	if s.progress.current(cycleID) != gen {
		return &p, nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	if err := s.cache.Set(cacheCtx, &p); err != nil {
		s.logger.Warn("failed to cache cycle progress", zap.String("cycle_id", cycleID.String()), zap.Error(err))
		return &p, nil
	}
	// a commit between the check and the write may have been invalidated
	// before the write landed
	if s.progress.current(cycleID) != gen {
		if err := s.cache.Invalidate(cacheCtx, cycleID); err != nil {
			s.logger.Warn("failed to drop stale cycle progress", zap.String("cycle_id", cycleID.String()), zap.Error(err))
		}
	}
	return &p, nil
}

// GetCycleProgress serves a cached aggregation when one is fresh. Cache
// failures fall back to computing.
func (s *cycleOrchestrator) GetCycleProgress(ctx context.Context, cycleID uuid.UUID) (*cycle.Progress, error) {
	cacheCtx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	p, ok, err := s.cache.Get(cacheCtx, cycleID)
	cancel()
	if err != nil {
		s.logger.Warn("progress cache read failed", zap.String("cycle_id", cycleID.String()), zap.Error(err))
	}
	if ok && err == nil {
		return p, nil
	}
	return s.ComputeProgress(ctx, cycleID)
}
