package workflow

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
)

var _ TestExecutionEngine = (*testExecutionEngine)(nil)

type testExecutionEngine struct {
	*core
}

// DefineMethodology sets the sampling parameters of an assignment's test.
// Unset parameters take the configured defaults. Redefining is allowed until
// the first item conclusion is recorded.
func (s *testExecutionEngine) DefineMethodology(ctx context.Context, actor Actor, cmd DefineMethodologyCommand) (_ *testexec.Execution, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.DefineMethodology",
		attribute.String("assignment_id", cmd.AssignmentID.String()),
		attribute.Int("population", cmd.PopulationSize))
	defer func() { s.finish(span, audit.ActionMethodologyDefined, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	a, err := s.store.GetAssignment(ctx, cmd.AssignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceTestExecution, PermDefine,
		scopeOfAssignment(a, actor.ID == a.Assignee), assignmentTargetOf(a.ID, a.CycleID)); err != nil {
		return nil, err
	}
	if err := s.requireOpenCycle(ctx, a, "define_methodology"); err != nil {
		return nil, err
	}
	if a.Status != assignment.StatusInProgress && a.Status != assignment.StatusReview {
		return nil, errors.NewPrerequisiteError("testing can only be planned while the assignment is in progress").
			WithDetails(map[string]interface{}{
				"entity_type":   string(audit.EntityAssignment),
				"entity_id":     a.ID.String(),
				"current_state": string(a.Status),
				"attempted":     "define_methodology",
			})
	}

	confidence, tolerable, expected := s.cfg.DefaultConfidence, s.cfg.DefaultTolerableRate, s.cfg.DefaultExpectedRate
	if cmd.ConfidenceLevel != nil {
		confidence = *cmd.ConfidenceLevel
	}
	if cmd.TolerableRate != nil {
		tolerable = *cmd.TolerableRate
	}
	if cmd.ExpectedRate != nil {
		expected = *cmd.ExpectedRate
	}

	now := s.now()
	m, err := testexec.NewMethodology(cmd.PopulationSize, confidence, tolerable, expected,
		cmd.SampleSizeOverride, cmd.OverrideNote, actor.ID, now)
	if err != nil {
		return nil, err
	}

	exec, err := s.store.GetExecution(ctx, a.ID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	var before *testexec.Execution
	previousState := ""
	if exec == nil {
		exec, err = testexec.NewExecution(a.ID, a.CycleID, a.ControlRef, *m, now)
		if err != nil {
			return nil, err
		}
	} else {
		before = exec.Clone()
		previousState = string(before.Status)
		if err := exec.Redefine(*m, now); err != nil {
			return nil, err
		}
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	ev, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionMethodologyDefined,
		previousState, string(exec.Status), snapshotOf(before), exec)
	if err != nil {
		return nil, err
	}
	ev.WithNote(m.OverrideNote).
		WithMetadata("population_size", strconv.Itoa(m.PopulationSize)).
		WithMetadata("recommended_sample_size", strconv.Itoa(m.RecommendedSampleSize)).
		WithMetadata("sample_size", strconv.Itoa(m.SampleSize)).
		WithMetadata("overridden", strconv.FormatBool(m.IsOverridden()))

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return exec, nil
}

// SelectSample draws the sample items. Without a caller seed one is drawn
// from the seed source; the seed is stored so the draw can be reproduced.
func (s *testExecutionEngine) SelectSample(ctx context.Context, actor Actor, cmd SelectSampleCommand) (_ *testexec.Execution, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.SelectSample",
		attribute.String("assignment_id", cmd.AssignmentID.String()),
		attribute.String("method", string(cmd.Method)))
	defer func() { s.finish(span, audit.ActionSampleSelected, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	a, exec, err := s.load(ctx, actor, cmd.AssignmentID, PermSelectSample)
	if err != nil {
		return nil, err
	}

	var seed uint64
	if cmd.Seed != nil {
		seed = *cmd.Seed
	} else if seed, err = s.seeds.Seed(); err != nil {
		return nil, err
	}

	now := s.now()
	before := exec.Clone()
	if err := exec.SelectSample(cmd.Method, seed, actor.ID, now); err != nil {
		return nil, err
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	ev, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionSampleSelected,
		string(before.Status), string(exec.Status), before, exec)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("method", string(cmd.Method)).
		WithMetadata("seed", strconv.FormatUint(seed, 10)).
		WithMetadata("sample_size", strconv.Itoa(len(exec.Items)))

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)

	s.logger.Debug("sample selected",
		zap.String("assignment_id", a.ID.String()),
		zap.String("method", string(cmd.Method)),
		zap.Int("items", len(exec.Items)))
	return exec, nil
}

// RecordItemConclusion sets or replaces the conclusion of one sample item
func (s *testExecutionEngine) RecordItemConclusion(ctx context.Context, actor Actor, cmd RecordConclusionCommand) (_ *testexec.Execution, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.RecordItemConclusion",
		attribute.String("assignment_id", cmd.AssignmentID.String()),
		attribute.String("item_id", cmd.ItemID))
	defer func() { s.finish(span, audit.ActionItemConcluded, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	_, exec, err := s.load(ctx, actor, cmd.AssignmentID, PermRecordConclusion)
	if err != nil {
		return nil, err
	}

	now := s.now()
	before := exec.Clone()
	previous, err := exec.RecordItemConclusion(cmd.ItemID, cmd.Conclusion, cmd.Note, cmd.Catastrophic, actor.ID, now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	ev, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionItemConcluded,
		string(before.Status), string(exec.Status), before, exec)
	if err != nil {
		return nil, err
	}
	ev.WithNote(cmd.Note).
		WithMetadata("item_id", cmd.ItemID).
		WithMetadata("conclusion", string(cmd.Conclusion))
	if previous.IsConcluded() {
		ev.WithMetadata("replaced_conclusion", string(previous.Conclusion))
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return exec, nil
}

// Finalize derives the overall conclusion. A deficient conclusion opens a
// finding owned by the assignee in the same commit.
func (s *testExecutionEngine) Finalize(ctx context.Context, actor Actor, assignmentID uuid.UUID) (_ *FinalizeResult, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.Finalize", attribute.String("assignment_id", assignmentID.String()))
	defer func() { s.finish(span, audit.ActionExecutionFinalized, err) }()

	unlock := s.locks.Lock(assignmentKey(assignmentID))
	defer unlock()

	a, exec, err := s.load(ctx, actor, assignmentID, PermFinalize)
	if err != nil {
		return nil, err
	}

	now := s.now()
	before := exec.Clone()
	conclusion, err := exec.Finalize(s.cfg.Bands, actor.ID, now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	ev, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionExecutionFinalized,
		string(before.Status), string(exec.Status), before, exec)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("conclusion", string(conclusion)).
		WithMetadata("exception_rate", exec.ExceptionRate.String()).
		WithMetadata("exceptions", strconv.Itoa(exec.Exceptions)).
		WithMetadata("tested", strconv.Itoa(exec.Tested))

	var notes []notification
	var f *finding.Finding
	if conclusion.IsDeficient() {
		f, notes, err = s.raiseFinding(cs, actor, a, exec, now)
		if err != nil {
			return nil, err
		}
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, notes)

	s.logger.Info("test execution finalized",
		zap.String("assignment_id", a.ID.String()),
		zap.String("conclusion", string(conclusion)),
		zap.String("exception_rate", exec.ExceptionRate.String()),
		zap.Bool("finding_raised", f != nil))
	return &FinalizeResult{Execution: exec, Finding: f}, nil
}

func (s *testExecutionEngine) SubmitForReview(ctx context.Context, actor Actor, assignmentID uuid.UUID) (_ *testexec.Execution, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.SubmitForReview", attribute.String("assignment_id", assignmentID.String()))
	defer func() { s.finish(span, audit.ActionExecutionSubmitted, err) }()

	unlock := s.locks.Lock(assignmentKey(assignmentID))
	defer unlock()

	a, exec, err := s.load(ctx, actor, assignmentID, PermSubmitForReview)
	if err != nil {
		return nil, err
	}

	now := s.now()
	before := exec.Clone()
	if err := exec.SubmitForReview(actor.ID, now); err != nil {
		return nil, err
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	if _, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionExecutionSubmitted,
		string(before.Status), string(exec.Status), before, exec); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, []notification{{
		userID:    a.Manager,
		eventType: NotifyExecutionReview,
		payload: map[string]string{
			"assignment_id": a.ID.String(),
			"control_ref":   a.ControlRef,
			"conclusion":    string(exec.Conclusion),
		},
	}})
	return exec, nil
}

// Approve records the reviewer's sign-off. A reviewer who tested any item
// is rejected before any other rule is checked.
func (s *testExecutionEngine) Approve(ctx context.Context, actor Actor, assignmentID uuid.UUID) (_ *testexec.Execution, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.Approve", attribute.String("assignment_id", assignmentID.String()))
	defer func() { s.finish(span, audit.ActionExecutionApproved, err) }()

	unlock := s.locks.Lock(assignmentKey(assignmentID))
	defer unlock()

	_, exec, err := s.load(ctx, actor, assignmentID, PermApprove)
	if err != nil {
		return nil, err
	}

	now := s.now()
	before := exec.Clone()
	if err := exec.Approve(actor.ID, now); err != nil {
		return nil, err
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	ev, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionExecutionApproved,
		string(before.Status), string(exec.Status), before, exec)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("conclusion", string(exec.Conclusion))

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return exec, nil
}

// OverrideConclusion replaces the derived conclusion and keeps the linked
// finding consistent with the new value in the same commit.
func (s *testExecutionEngine) OverrideConclusion(ctx context.Context, actor Actor, cmd OverrideConclusionCommand) (_ *FinalizeResult, err error) {
	ctx, span := s.startSpan(ctx, "TestExecutionEngine.OverrideConclusion",
		attribute.String("assignment_id", cmd.AssignmentID.String()),
		attribute.String("conclusion", string(cmd.Conclusion)))
	defer func() { s.finish(span, audit.ActionConclusionOverridden, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	a, exec, err := s.load(ctx, actor, cmd.AssignmentID, PermOverride)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetFindingByExecution(ctx, exec.ID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.Status != finding.StatusOpen && existing.Status != finding.StatusWithdrawn &&
		(!cmd.Conclusion.IsDeficient() || existing.Status == finding.StatusClosed) {
		return nil, errors.NewPrerequisiteError("the finding for this test has progressed past the point of override").
			WithDetails(map[string]interface{}{
				"entity_type":   string(audit.EntityFinding),
				"entity_id":     existing.ID.String(),
				"current_state": string(existing.Status),
				"attempted":     "override_conclusion",
			})
	}

	now := s.now()
	before := exec.Clone()
	previous, err := exec.OverrideConclusion(cmd.Conclusion, cmd.Note, actor.ID, now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Executions: []*testexec.Execution{exec}}
	ev, err := s.record(cs, now, actor, executionTargetOf(exec), audit.ActionConclusionOverridden,
		string(before.Status), string(exec.Status), before, exec)
	if err != nil {
		return nil, err
	}
	ev.WithNote(cmd.Note).
		WithMetadata("previous_conclusion", string(previous)).
		WithMetadata("conclusion", string(exec.Conclusion)).
		WithMetadata("derived_conclusion", string(exec.Override.Derived))

	var notes []notification
	f := existing
	active := existing != nil && !existing.Status.IsTerminal()
	switch {
	case exec.Conclusion.IsDeficient() && !active:
		f, notes, err = s.raiseFinding(cs, actor, a, exec, now)
	case exec.Conclusion.IsDeficient():
		err = s.updateFinding(cs, actor, f, func(x *finding.Finding) error {
			return x.UpdateSeverity(exec.Conclusion, now)
		}, audit.ActionFindingUpdated, now)
	case active:
		err = s.updateFinding(cs, actor, f, func(x *finding.Finding) error {
			return x.Withdraw("conclusion overridden to "+string(exec.Conclusion), now)
		}, audit.ActionFindingWithdrawn, now)
	}
	if err != nil {
		return nil, err
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, notes)
	return &FinalizeResult{Execution: exec, Finding: f}, nil
}

func (s *testExecutionEngine) GetExecution(ctx context.Context, assignmentID uuid.UUID) (*testexec.Execution, error) {
	return s.store.GetExecution(ctx, assignmentID)
}

// load fetches the assignment and its execution and checks the permission.
// The caller holds the assignment lock.
func (s *testExecutionEngine) load(ctx context.Context, actor Actor, assignmentID uuid.UUID, perm string) (*assignment.ControlAssignment, *testexec.Execution, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	exec, err := s.store.GetExecution(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(ctx, actor, ResourceTestExecution, perm,
		Scope{CycleID: a.CycleID, AssignmentID: a.ID, EntityID: exec.ID.String(), Owner: actor.ID == a.Assignee},
		executionTargetOf(exec)); err != nil {
		return nil, nil, err
	}
	if err := s.requireOpenCycle(ctx, a, perm); err != nil {
		return nil, nil, err
	}
	return a, exec, nil
}

// snapshotOf avoids recording a typed nil as a "null" snapshot
func snapshotOf(e *testexec.Execution) interface{} {
	if e == nil {
		return nil
	}
	return e
}

func executionTargetOf(e *testexec.Execution) target {
	return childTarget(audit.EntityTestExecution, e.ID, e.AssignmentID, e.CycleID)
}
