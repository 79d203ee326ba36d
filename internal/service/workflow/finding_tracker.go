package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
)

var _ FindingTracker = (*findingTracker)(nil)

type findingTracker struct {
	*core
}

// findingChange is what a finding mutation adds to its audit event
type findingChange struct {
	note     string
	metadata map[string]string
	notes    []notification
}

func (s *findingTracker) AddRemediationActivity(ctx context.Context, actor Actor, cmd AddActivityCommand) (*finding.Finding, error) {
	return s.apply(ctx, actor, cmd, cmd.FindingID, PermAddActivity, audit.ActionRemediationAdded,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			activity, err := f.AddActivity(cmd.Description, cmd.Owner, cmd.TargetDate, now)
			if err != nil {
				return findingChange{}, err
			}
			return findingChange{
				note: cmd.Description,
				metadata: map[string]string{
					"activity_id": activity.ID.String(),
					"owner":       activity.Owner,
					"target_date": activity.TargetDate.Format(time.RFC3339),
				},
				notes: []notification{{
					userID:    activity.Owner,
					eventType: NotifyRemediationAssigned,
					payload: map[string]string{
						"finding_id":  f.ID.String(),
						"activity_id": activity.ID.String(),
						"control_ref": f.ControlRef,
						"target_date": activity.TargetDate.Format(time.RFC3339),
					},
				}},
			}, nil
		})
}

// CompleteRemediationActivity may be performed by the activity owner as
// well as the finding owner
func (s *findingTracker) CompleteRemediationActivity(ctx context.Context, actor Actor, cmd CompleteActivityCommand) (*finding.Finding, error) {
	owns := func(f *finding.Finding) bool {
		activity, ok := f.Activity(cmd.ActivityID)
		return actor.ID == f.Owner || (ok && actor.ID == activity.Owner)
	}
	return s.applyOwned(ctx, actor, cmd, cmd.FindingID, PermCompleteActivity, audit.ActionRemediationCompleted, owns,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			allDone, err := f.CompleteActivity(cmd.ActivityID, actor.ID, cmd.Note, now)
			if err != nil {
				return findingChange{}, err
			}
			return findingChange{
				note: cmd.Note,
				metadata: map[string]string{
					"activity_id":  cmd.ActivityID.String(),
					"all_complete": strconv.FormatBool(allDone),
				},
			}, nil
		})
}

func (s *findingTracker) SetRootCause(ctx context.Context, actor Actor, cmd SetRootCauseCommand) (*finding.Finding, error) {
	return s.apply(ctx, actor, cmd, cmd.FindingID, PermSetRootCause, audit.ActionRootCauseSet,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			if err := f.SetRootCause(cmd.RootCause, cmd.Note, now); err != nil {
				return findingChange{}, err
			}
			return findingChange{note: cmd.Note, metadata: map[string]string{"root_cause": string(cmd.RootCause)}}, nil
		})
}

func (s *findingTracker) ScheduleFollowUp(ctx context.Context, actor Actor, cmd ScheduleFollowUpCommand) (*finding.Finding, error) {
	return s.apply(ctx, actor, cmd, cmd.FindingID, PermFollowUp, audit.ActionFollowUpScheduled,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			if err := f.ScheduleFollowUp(cmd.Date, now); err != nil {
				return findingChange{}, err
			}
			return findingChange{metadata: map[string]string{"follow_up_date": cmd.Date.Format(time.RFC3339)}}, nil
		})
}

func (s *findingTracker) RecordFollowUpResult(ctx context.Context, actor Actor, cmd RecordFollowUpCommand) (*finding.Finding, error) {
	return s.apply(ctx, actor, cmd, cmd.FindingID, PermFollowUp, audit.ActionFollowUpRecorded,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			if err := f.RecordFollowUpResult(cmd.Passed, cmd.Note, actor.ID, now); err != nil {
				return findingChange{}, err
			}
			return findingChange{note: cmd.Note, metadata: map[string]string{"passed": strconv.FormatBool(cmd.Passed)}}, nil
		})
}

// Close requires every remediation activity complete and, when a follow-up
// test is required, a passing follow-up result.
func (s *findingTracker) Close(ctx context.Context, actor Actor, findingID uuid.UUID) (*finding.Finding, error) {
	return s.apply(ctx, actor, nil, findingID, PermClose, audit.ActionFindingClosed,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			if err := f.Close(actor.ID, now); err != nil {
				return findingChange{}, err
			}
			return findingChange{}, nil
		})
}

func (s *findingTracker) Withdraw(ctx context.Context, actor Actor, cmd WithdrawFindingCommand) (*finding.Finding, error) {
	return s.apply(ctx, actor, cmd, cmd.FindingID, PermWithdraw, audit.ActionFindingWithdrawn,
		func(f *finding.Finding, now time.Time) (findingChange, error) {
			if err := f.Withdraw(cmd.Reason, now); err != nil {
				return findingChange{}, err
			}
			return findingChange{note: cmd.Reason}, nil
		})
}

func (s *findingTracker) GetFinding(ctx context.Context, id uuid.UUID) (*finding.Finding, error) {
	return s.store.GetFinding(ctx, id)
}

func (s *findingTracker) GetFindingsBySeverity(ctx context.Context, severity finding.Severity, cycleID uuid.UUID) ([]*finding.Finding, error) {
	if !severity.IsValid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY", fmt.Sprintf("unknown severity %q", severity))
	}
	return s.store.ListFindings(ctx, finding.Filter{Severity: severity, CycleID: cycleID})
}

// apply runs one audited finding mutation under the owning assignment's lock
func (s *findingTracker) apply(ctx context.Context, actor Actor, cmd interface{}, findingID uuid.UUID, perm string, action audit.Action, mutate func(*finding.Finding, time.Time) (findingChange, error)) (*finding.Finding, error) {
	owns := func(f *finding.Finding) bool { return actor.ID == f.Owner }
	return s.applyOwned(ctx, actor, cmd, findingID, perm, action, owns, mutate)
}

func (s *findingTracker) applyOwned(ctx context.Context, actor Actor, cmd interface{}, findingID uuid.UUID, perm string, action audit.Action, owns func(*finding.Finding) bool, mutate func(*finding.Finding, time.Time) (findingChange, error)) (_ *finding.Finding, err error) {
	ctx, span := s.startSpan(ctx, "FindingTracker."+perm, attribute.String("finding_id", findingID.String()))
	defer func() { s.finish(span, action, err) }()

	if cmd != nil {
		if err := s.validateCommand(cmd); err != nil {
			return nil, err
		}
	}

	f, err := s.store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(assignmentKey(f.AssignmentID))
	defer unlock()
	if f, err = s.store.GetFinding(ctx, findingID); err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, actor, ResourceFinding, perm,
		Scope{CycleID: f.CycleID, AssignmentID: f.AssignmentID, EntityID: f.ID.String(), Owner: owns(f)},
		findingTargetOf(f)); err != nil {
		return nil, err
	}

	now := s.now()
	before := f.Clone()
	change, err := mutate(f, now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Findings: []*finding.Finding{f}}
	ev, err := s.record(cs, now, actor, findingTargetOf(f), action, string(before.Status), string(f.Status), before, f)
	if err != nil {
		return nil, err
	}
	ev.WithNote(change.note)
	for k, v := range change.metadata {
		ev.WithMetadata(k, v)
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, change.notes)

	s.logger.Debug("finding updated",
		zap.String("finding_id", f.ID.String()),
		zap.String("action", string(action)),
		zap.String("status", string(f.Status)))
	return f, nil
}

// raiseFinding opens a finding for a deficient execution inside the
// caller's changeset. The assignee owns it until reassigned.
func (c *core) raiseFinding(cs *Changeset, actor Actor, a *assignment.ControlAssignment, exec *testexec.Execution, now time.Time) (*finding.Finding, []notification, error) {
	f, err := finding.NewFinding(exec, a.Assignee, now)
	if err != nil {
		return nil, nil, err
	}
	cs.Findings = append(cs.Findings, f)
	ev, err := c.record(cs, now, actor, findingTargetOf(f), audit.ActionFindingCreated, "", string(f.Status), nil, f)
	if err != nil {
		return nil, nil, err
	}
	ev.WithMetadata("severity", string(f.Severity)).
		WithMetadata("execution_id", exec.ID.String()).
		WithMetadata("exception_rate", f.ExceptionRate.String())

	payload := map[string]string{
		"finding_id":  f.ID.String(),
		"control_ref": f.ControlRef,
		"severity":    string(f.Severity),
	}
	return f, []notification{
		{userID: f.Owner, eventType: NotifyFindingRaised, payload: payload},
		{userID: a.Manager, eventType: NotifyFindingRaised, payload: payload},
	}, nil
}

// updateFinding applies fn to f inside the caller's changeset
func (c *core) updateFinding(cs *Changeset, actor Actor, f *finding.Finding, fn func(*finding.Finding) error, action audit.Action, now time.Time) error {
	before := f.Clone()
	if err := fn(f); err != nil {
		return err
	}
	cs.Findings = append(cs.Findings, f)
	ev, err := c.record(cs, now, actor, findingTargetOf(f), action, string(before.Status), string(f.Status), before, f)
	if err != nil {
		return err
	}
	ev.WithMetadata("severity", string(f.Severity))
	return nil
}

func findingTargetOf(f *finding.Finding) target {
	return childTarget(audit.EntityFinding, f.ID, f.AssignmentID, f.CycleID)
}
