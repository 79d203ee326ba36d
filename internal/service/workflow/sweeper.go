package workflow

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
)

// Sweeper is the periodic job that flags overdue evidence requests and
// remediation activities, escalates them on the policy schedule and blocks
// assignments whose mandatory evidence is past the grace period. Each
// assignment is committed independently; sweeping twice at the same
// instant changes nothing the second time.
type Sweeper struct {
	*core
	evidence *evidenceCoordinator
	findings *findingTracker
}

// Run sweeps immediately and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("overdue sweeper started", zap.Duration("interval", s.cfg.SweepInterval))
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("overdue sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("overdue sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce performs one pass. Failures on individual assignments or
// findings are logged and counted; they never abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	started := time.Now()
	now := s.now()
	var report SweepReport

	open, err := s.store.ListOpenEvidenceRequests(ctx)
	if err != nil {
		return report, err
	}
	assignments := make(map[uuid.UUID]struct{})
	for _, r := range open {
		assignments[r.AssignmentID] = struct{}{}
	}
	remediating, err := s.store.ListFindings(ctx, finding.Filter{Status: finding.StatusInRemediation})
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	merge := func(part SweepReport, err error, logger *zap.Logger) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failures++
			logger.Warn("sweep item failed", zap.Error(err))
			return
		}
		report.AssignmentsSwept += part.AssignmentsSwept
		report.RequestsMarkedOverdue += part.RequestsMarkedOverdue
		report.RequestsEscalated += part.RequestsEscalated
		report.AssignmentsBlocked += part.AssignmentsBlocked
		report.FindingsSwept += part.FindingsSwept
		report.ActivitiesMarkedOverdue += part.ActivitiesMarkedOverdue
		report.ActivitiesEscalated += part.ActivitiesEscalated
	}

	var g errgroup.Group
	g.SetLimit(max(s.cfg.SweepConcurrency, 1))

	for id := range assignments {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			part, err := s.sweepAssignment(ctx, id, now)
			merge(part, err, s.logger.With(zap.String("assignment_id", id.String())))
			return nil
		})
	}
	for _, f := range remediating {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			part, err := s.sweepFinding(ctx, f.ID, f.AssignmentID, now)
			merge(part, err, s.logger.With(zap.String("finding_id", f.ID.String())))
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	s.metrics.SweepCompleted(report.Duration, report.Failures)
	s.logger.Info("overdue sweep completed",
		zap.Int("assignments", report.AssignmentsSwept),
		zap.Int("requests_overdue", report.RequestsMarkedOverdue),
		zap.Int("requests_escalated", report.RequestsEscalated),
		zap.Int("assignments_blocked", report.AssignmentsBlocked),
		zap.Int("findings", report.FindingsSwept),
		zap.Int("activities_overdue", report.ActivitiesMarkedOverdue),
		zap.Int("activities_escalated", report.ActivitiesEscalated),
		zap.Int("failures", report.Failures),
		zap.Duration("duration", report.Duration))
	return report, ctx.Err()
}

func (s *Sweeper) sweepAssignment(ctx context.Context, assignmentID uuid.UUID, now time.Time) (SweepReport, error) {
	var part SweepReport

	unlock := s.locks.Lock(assignmentKey(assignmentID))
	defer unlock()

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return part, err
	}
	c, err := s.store.GetCycle(ctx, a.CycleID)
	if err != nil {
		return part, err
	}
	if c.Archived || c.Status.IsTerminal() {
		return part, nil
	}
	requests, err := s.store.ListEvidenceRequests(ctx, a.ID)
	if err != nil {
		return part, err
	}

	cs := &Changeset{}
	var notes []notification
	var blocking []string
	for _, r := range requests {
		if !r.IsOpen() {
			continue
		}
		before := r.Clone()
		if r.MarkOverdue(now) {
			cs.Requests = appendRequest(cs.Requests, r)
			ev, err := s.record(cs, now, SystemActor, requestTargetOf(r), audit.ActionRequestOverdue,
				string(before.Status), string(r.Status), before, r)
			if err != nil {
				return part, err
			}
			ev.WithMetadata("due_date", r.DueDate.Format(time.RFC3339))
			s.metrics.OverdueMarked(audit.EntityEvidenceRequest)
			part.RequestsMarkedOverdue++
		}

		escalations, fired, err := s.evidence.escalate(cs, SystemActor, a, r, now)
		if err != nil {
			return part, err
		}
		if fired {
			part.RequestsEscalated++
			notes = append(notes, escalations...)
		}

		if s.evidence.blocksAssignment(r, now) {
			blocking = append(blocking, r.Number)
		}
	}

	if len(blocking) > 0 && a.Status != assignment.StatusBlocked && a.Status != assignment.StatusCompleted {
		before := a.Clone()
		if err := a.Block(assignment.ReasonEvidenceOverdue, now); err != nil {
			return part, err
		}
		cs.Assignments = append(cs.Assignments, a)
		ev, err := s.record(cs, now, SystemActor, assignmentTargetOf(a.ID, a.CycleID), audit.ActionAssignmentBlocked,
			string(before.Status), string(a.Status), before, a)
		if err != nil {
			return part, err
		}
		ev.WithNote("mandatory evidence overdue past grace period").
			WithMetadata("requests", strings.Join(blocking, ","))
		payload := map[string]string{
			"assignment_id": a.ID.String(),
			"control_ref":   a.ControlRef,
			"requests":      strings.Join(blocking, ","),
		}
		notes = append(notes,
			notification{userID: a.Assignee, eventType: NotifyAssignmentBlocked, payload: payload},
			notification{userID: a.Manager, eventType: NotifyAssignmentBlocked, payload: payload})
		part.AssignmentsBlocked++
	}

	part.AssignmentsSwept = 1
	if cs.IsEmpty() {
		return part, nil
	}
	if err := s.commit(ctx, cs); err != nil {
		return SweepReport{}, err
	}
	s.afterCommit(ctx, cs, notes)
	return part, nil
}

func (s *Sweeper) sweepFinding(ctx context.Context, findingID, assignmentID uuid.UUID, now time.Time) (SweepReport, error) {
	var part SweepReport

	unlock := s.locks.Lock(assignmentKey(assignmentID))
	defer unlock()

	f, err := s.store.GetFinding(ctx, findingID)
	if err != nil {
		return part, err
	}

	cs := &Changeset{}
	before := f.Clone()
	marked := f.MarkOverdueActivities(now)
	if len(marked) > 0 {
		ev, err := s.record(cs, now, SystemActor, findingTargetOf(f), audit.ActionRemediationOverdue,
			string(before.Status), string(f.Status), before, f)
		if err != nil {
			return part, err
		}
		ev.WithMetadata("activities", joinIDs(marked))
		for range marked {
			s.metrics.OverdueMarked(audit.EntityFinding)
		}
		part.ActivitiesMarkedOverdue = len(marked)
		before = f.Clone()
	}

	var notes []notification
	fired := f.EscalateActivities(s.cfg.Escalation, now)
	if len(fired) > 0 {
		ev, err := s.record(cs, now, SystemActor, findingTargetOf(f), audit.ActionRemediationEscalated,
			string(before.Status), string(f.Status), before, f)
		if err != nil {
			return part, err
		}
		for _, e := range fired {
			ev.WithMetadata("tier_"+e.ActivityID.String(), strconv.Itoa(e.Tier))
			s.metrics.Escalated(audit.EntityFinding, e.Tier)
			payload := map[string]string{
				"finding_id":  f.ID.String(),
				"activity_id": e.ActivityID.String(),
				"tier":        strconv.Itoa(e.Tier),
			}
			notes = append(notes,
				notification{userID: e.Owner, eventType: NotifyRemediationEscalated, payload: payload},
				notification{userID: f.Owner, eventType: NotifyRemediationEscalated, payload: payload})
		}
		part.ActivitiesEscalated = len(fired)
	}

	part.FindingsSwept = 1
	if cs.IsEmpty() {
		return part, nil
	}
	cs.Findings = []*finding.Finding{f}
	if err := s.commit(ctx, cs); err != nil {
		return SweepReport{}, err
	}
	s.afterCommit(ctx, cs, notes)
	return part, nil
}
