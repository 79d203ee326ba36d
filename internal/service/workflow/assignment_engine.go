package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
)

var _ AssignmentEngine = (*assignmentEngine)(nil)

type assignmentEngine struct {
	*core
	evidence *evidenceCoordinator
}

// Create binds a control to an auditor. The (cycle, control) pair is unique.
func (s *assignmentEngine) Create(ctx context.Context, actor Actor, cmd CreateAssignmentCommand) (_ *assignment.ControlAssignment, err error) {
	ctx, span := s.startSpan(ctx, "AssignmentEngine.Create",
		attribute.String("cycle_id", cmd.CycleID.String()),
		attribute.String("control_ref", cmd.ControlRef))
	defer func() { s.finish(span, audit.ActionAssignmentCreated, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(cycleKey(cmd.CycleID))
	defer unlock()

	cyc, err := s.store.GetCycle(ctx, cmd.CycleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceAssignment, PermCreate,
		Scope{CycleID: cyc.ID, EntityID: cmd.ControlRef}, cycleTargetOf(cyc.ID)); err != nil {
		return nil, err
	}

	ctl, err := s.store.GetControl(ctx, cmd.ControlRef)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindAssignment(ctx, cyc.ID, ctl.Ref)
	switch {
	case err == nil && existing != nil:
		return nil, errors.NewDuplicateAssignmentError(
			fmt.Sprintf("control %s is already assigned in cycle %s", ctl.Ref, cyc.Name)).
			WithDetails(map[string]interface{}{
				"entity_type":   string(audit.EntityCycle),
				"entity_id":     cyc.ID.String(),
				"current_state": string(cyc.Status),
				"attempted":     "add_control",
				"assignment_id": existing.ID.String(),
			})
	case err != nil && !errors.IsNotFound(err):
		return nil, err
	}

	now := s.now()
	due := cmd.DueDate
	if due.IsZero() {
		due = cyc.EndDate
	}
	manager := cmd.Manager
	if manager == "" {
		manager = cyc.Manager
	}

	a, err := assignment.NewAssignment(cyc.ID, ctl.Ref, cmd.Assignee, actor.ID, manager, due, cmd.Priority, now)
	if err != nil {
		return nil, err
	}
	before := cyc.Clone()
	if err := cyc.AddAssignment(a.ID, now); err != nil {
		return nil, err
	}

	cs := &Changeset{
		Assignments: []*assignment.ControlAssignment{a},
		Cycles:      []*cycle.TestingCycle{cyc},
	}
	if _, err := s.record(cs, now, actor, assignmentTargetOf(a.ID, cyc.ID), audit.ActionAssignmentCreated,
		"", string(a.Status), nil, a); err != nil {
		return nil, err
	}
	ev, err := s.record(cs, now, actor, cycleTargetOf(cyc.ID), audit.ActionControlAddedToCycle,
		string(before.Status), string(cyc.Status), before, cyc)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("assignment_id", a.ID.String()).WithMetadata("control_ref", ctl.Ref)

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, []notification{{
		userID:    a.Assignee,
		eventType: NotifyAssignmentAssigned,
		payload: map[string]string{
			"assignment_id": a.ID.String(),
			"control_ref":   a.ControlRef,
			"due_date":      a.DueDate.Format("2006-01-02"),
		},
	}})

	s.logger.Info("assignment created",
		zap.String("assignment_id", a.ID.String()),
		zap.String("cycle_id", cyc.ID.String()),
		zap.String("control_ref", a.ControlRef),
		zap.String("assignee", a.Assignee))
	return a, nil
}

// Transition moves an assignment along the transition table. Entering
// InProgress for the first time raises one evidence request per evidence
// requirement of the control in the same commit. Completed requires the
// test execution to be approved.
func (s *assignmentEngine) Transition(ctx context.Context, actor Actor, cmd TransitionAssignmentCommand) (_ *assignment.ControlAssignment, err error) {
	ctx, span := s.startSpan(ctx, "AssignmentEngine.Transition",
		attribute.String("assignment_id", cmd.AssignmentID.String()),
		attribute.String("target", string(cmd.Target)))
	defer func() { s.finish(span, audit.ActionAssignmentTransitioned, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if !cmd.Target.IsValid() {
		return nil, errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("unknown assignment status %q", cmd.Target))
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	a, err := s.store.GetAssignment(ctx, cmd.AssignmentID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		zap.String("assignment_id", a.ID.String()),
		zap.String("actor", actor.ID),
		zap.String("from", string(a.Status)),
		zap.String("to", string(cmd.Target)))

	if err := s.authorize(ctx, actor, ResourceAssignment, PermTransition,
		scopeOfAssignment(a, actor.ID == a.Assignee), assignmentTargetOf(a.ID, a.CycleID)); err != nil {
		return nil, err
	}
	if err := s.requireOpenCycle(ctx, a, string(cmd.Target)); err != nil {
		return nil, err
	}

	if !assignment.CanTransition(a.Status, cmd.Target, a.ResumeStatus) {
		return nil, errors.NewInvalidTransitionError(string(audit.EntityAssignment), a.ID.String(),
			string(a.Status), string(cmd.Target))
	}
	if cmd.Target == assignment.StatusCompleted {
		if err := s.requireApprovedExecution(ctx, a); err != nil {
			return nil, err
		}
	}
	if cmd.Target == assignment.StatusBlocked && cmd.Note == "" {
		return nil, errors.NewValidationError("MISSING_BLOCK_REASON", "a reason is required to block an assignment")
	}

	now := s.now()
	if a.BlockedForEvidence() {
		blocker, err := s.evidence.overdueBlocker(ctx, a.ID, uuid.Nil, now)
		if err != nil {
			return nil, err
		}
		if blocker != nil {
			return nil, errors.NewPrerequisiteError(
				fmt.Sprintf("assignment stays blocked until overdue request %s is resolved", blocker.Number)).
				WithDetails(map[string]interface{}{
					"entity_type":   string(audit.EntityAssignment),
					"entity_id":     a.ID.String(),
					"current_state": string(a.Status),
					"attempted":     string(cmd.Target),
					"request_id":    blocker.ID.String(),
				})
		}
	}

	before := a.Clone()
	action := audit.ActionAssignmentTransitioned
	switch {
	case cmd.Target == assignment.StatusBlocked:
		action = audit.ActionAssignmentBlocked
		err = a.Block(cmd.Note, now)
	case before.Status == assignment.StatusBlocked:
		action = audit.ActionAssignmentUnblocked
		err = a.Unblock(now)
	default:
		err = a.Transition(cmd.Target, now)
	}
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Assignments: []*assignment.ControlAssignment{a}}
	ev, err := s.record(cs, now, actor, assignmentTargetOf(a.ID, a.CycleID), action,
		string(before.Status), string(a.Status), before, a)
	if err != nil {
		return nil, err
	}
	ev.WithNote(cmd.Note)

	var notes []notification
	if before.Status == assignment.StatusNotStarted && a.Status == assignment.StatusInProgress {
		notes, err = s.evidence.autoRequests(ctx, cs, actor, a, now)
		if err != nil {
			return nil, err
		}
	}
	if a.Status == assignment.StatusReview {
		notes = append(notes, notification{
			userID:    a.Manager,
			eventType: NotifyAssignmentReview,
			payload:   map[string]string{"assignment_id": a.ID.String(), "control_ref": a.ControlRef},
		})
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, notes)

	logger.Info("assignment transitioned", zap.Int("requests_created", len(cs.Requests)))
	return a, nil
}

// Reassign transfers the assignment. The prior assignee is kept in the
// audit record rather than overwritten in history.
func (s *assignmentEngine) Reassign(ctx context.Context, actor Actor, cmd ReassignCommand) (_ *assignment.ControlAssignment, err error) {
	ctx, span := s.startSpan(ctx, "AssignmentEngine.Reassign",
		attribute.String("assignment_id", cmd.AssignmentID.String()))
	defer func() { s.finish(span, audit.ActionAssignmentReassigned, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	a, err := s.store.GetAssignment(ctx, cmd.AssignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceAssignment, PermReassign,
		scopeOfAssignment(a, false), assignmentTargetOf(a.ID, a.CycleID)); err != nil {
		return nil, err
	}
	if err := s.requireOpenCycle(ctx, a, "reassign"); err != nil {
		return nil, err
	}

	now := s.now()
	before := a.Clone()
	previous, err := a.Reassign(cmd.NewAssignee, now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Assignments: []*assignment.ControlAssignment{a}}
	ev, err := s.record(cs, now, actor, assignmentTargetOf(a.ID, a.CycleID), audit.ActionAssignmentReassigned,
		string(before.Status), string(a.Status), before, a)
	if err != nil {
		return nil, err
	}
	ev.WithNote(cmd.Reason).
		WithMetadata("previous_assignee", previous).
		WithMetadata("new_assignee", a.Assignee)

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, []notification{{
		userID:    a.Assignee,
		eventType: NotifyAssignmentAssigned,
		payload: map[string]string{
			"assignment_id":     a.ID.String(),
			"control_ref":       a.ControlRef,
			"previous_assignee": previous,
		},
	}})
	return a, nil
}

func (s *assignmentEngine) GetAssignment(ctx context.Context, id uuid.UUID) (*assignment.ControlAssignment, error) {
	return s.store.GetAssignment(ctx, id)
}

func (s *assignmentEngine) ListAssignments(ctx context.Context, cycleID uuid.UUID) ([]*assignment.ControlAssignment, error) {
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	return s.store.ListAssignmentsByCycle(ctx, cycleID)
}

// requireOpenCycle rejects work on assignments of finished or archived cycles
func (c *core) requireOpenCycle(ctx context.Context, a *assignment.ControlAssignment, attempted string) error {
	cyc, err := c.store.GetCycle(ctx, a.CycleID)
	if err != nil {
		return err
	}
	if cyc.Archived || cyc.Status.IsTerminal() {
		return errors.NewPrerequisiteError(fmt.Sprintf("cycle %s is %s", cyc.Name, cyc.Status)).
			WithDetails(map[string]interface{}{
				"entity_type":   string(audit.EntityAssignment),
				"entity_id":     a.ID.String(),
				"current_state": string(a.Status),
				"attempted":     attempted,
				"cycle_status":  string(cyc.Status),
			})
	}
	return nil
}

func (s *assignmentEngine) requireApprovedExecution(ctx context.Context, a *assignment.ControlAssignment) error {
	exec, err := s.store.GetExecution(ctx, a.ID)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	state := "none"
	if exec != nil {
		if exec.Status == testexec.StatusApproved {
			return nil
		}
		state = string(exec.Status)
	}
	return errors.NewPrerequisiteError("the test execution must be approved before the assignment can complete").
		WithDetails(map[string]interface{}{
			"entity_type":     string(audit.EntityAssignment),
			"entity_id":       a.ID.String(),
			"current_state":   string(a.Status),
			"attempted":       string(assignment.StatusCompleted),
			"execution_state": state,
		})
}

func scopeOfAssignment(a *assignment.ControlAssignment, owner bool) Scope {
	return Scope{CycleID: a.CycleID, AssignmentID: a.ID, EntityID: a.ID.String(), Owner: owner}
}
