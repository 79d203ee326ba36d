package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
)

var _ EvidenceCoordinator = (*evidenceCoordinator)(nil)

type evidenceCoordinator struct {
	*core
}

// CreateRequest asks a provider for one or more evidence types. An evidence
// type may be open on at most one request per assignment.
func (s *evidenceCoordinator) CreateRequest(ctx context.Context, actor Actor, cmd CreateRequestCommand) (_ *evidence.Request, err error) {
	ctx, span := s.startSpan(ctx, "EvidenceCoordinator.CreateRequest",
		attribute.String("assignment_id", cmd.AssignmentID.String()),
		attribute.Int("specs", len(cmd.Specs)))
	defer func() { s.finish(span, audit.ActionRequestCreated, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(assignmentKey(cmd.AssignmentID))
	defer unlock()

	a, err := s.store.GetAssignment(ctx, cmd.AssignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, ResourceEvidenceRequest, PermCreate,
		scopeOfAssignment(a, actor.ID == a.Assignee), assignmentTargetOf(a.ID, a.CycleID)); err != nil {
		return nil, err
	}
	if err := s.requireOpenCycle(ctx, a, "create_evidence_request"); err != nil {
		return nil, err
	}
	switch a.Status {
	case assignment.StatusInProgress, assignment.StatusReview, assignment.StatusBlocked:
	default:
		return nil, errors.NewPrerequisiteError("evidence can only be requested once work on the assignment has started").
			WithDetails(map[string]interface{}{
				"entity_type":   string(audit.EntityAssignment),
				"entity_id":     a.ID.String(),
				"current_state": string(a.Status),
				"attempted":     "create_evidence_request",
			})
	}

	existing, err := s.store.ListEvidenceRequests(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	open := openTypes(existing)
	for _, spec := range cmd.Specs {
		if holder, ok := open[spec.Type]; ok {
			return nil, errors.NewConflictingRequestError(
				fmt.Sprintf("evidence type %s is already requested by %s", spec.Type, holder.Number)).
				WithDetails(map[string]interface{}{
					"evidence_type": string(spec.Type),
					"request_id":    holder.ID.String(),
					"request_state": string(holder.Status),
				})
		}
	}

	provider := cmd.RequestedFrom
	if provider == "" {
		provider, err = s.resolveProvider(ctx, a.ControlRef, cmd.Specs[0].Type)
		if err != nil {
			return nil, err
		}
	}

	// the assignment rides along so its version guards the open-type check
	// against writers in other processes
	now := s.now()
	cs := &Changeset{Assignments: []*assignment.ControlAssignment{a}}
	r, note, err := s.newRequest(ctx, cs, actor, a, cmd.Specs, provider, s.requestDue(a, cmd.DueDate, now), now)
	if err != nil {
		return nil, err
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, []notification{note})

	s.logger.Info("evidence request created",
		zap.String("request_id", r.ID.String()),
		zap.String("number", r.Number),
		zap.String("assignment_id", a.ID.String()),
		zap.String("requested_from", r.RequestedFrom))
	return r, nil
}

// Acknowledge records that the provider has seen the request. A repeated
// acknowledgement changes nothing and is not audited.
func (s *evidenceCoordinator) Acknowledge(ctx context.Context, actor Actor, requestID uuid.UUID) (_ *evidence.Request, err error) {
	ctx, span := s.startSpan(ctx, "EvidenceCoordinator.Acknowledge", attribute.String("request_id", requestID.String()))
	defer func() { s.finish(span, audit.ActionRequestAcknowledged, err) }()

	r, unlock, err := s.lockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.authorize(ctx, actor, ResourceEvidenceRequest, PermAcknowledge,
		scopeOfRequest(r, actor.ID == r.RequestedFrom), requestTargetOf(r)); err != nil {
		return nil, err
	}

	now := s.now()
	before := r.Clone()
	changed, err := r.Acknowledge(now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return r, nil
	}

	cs := &Changeset{Requests: []*evidence.Request{r}}
	if _, err := s.record(cs, now, actor, requestTargetOf(r), audit.ActionRequestAcknowledged,
		string(before.Status), string(r.Status), before, r); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return r, nil
}

// SubmitEvidence appends file references to the request. The request
// completes once every mandatory evidence type has an active submission.
func (s *evidenceCoordinator) SubmitEvidence(ctx context.Context, actor Actor, cmd SubmitEvidenceCommand) (_ *SubmitEvidenceResult, err error) {
	ctx, span := s.startSpan(ctx, "EvidenceCoordinator.SubmitEvidence",
		attribute.String("request_id", cmd.RequestID.String()),
		attribute.Int("files", len(cmd.Files)))
	defer func() { s.finish(span, audit.ActionEvidenceSubmitted, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	r, unlock, err := s.lockRequest(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.authorize(ctx, actor, ResourceEvidenceRequest, PermSubmit,
		scopeOfRequest(r, actor.ID == r.RequestedFrom), requestTargetOf(r)); err != nil {
		return nil, err
	}

	now := s.now()
	before := r.Clone()
	res, err := r.Submit(cmd.Files, actor.ID, now)
	if err != nil {
		return nil, err
	}

	cs := &Changeset{Requests: []*evidence.Request{r}}
	ev, err := s.record(cs, now, actor, requestTargetOf(r), audit.ActionEvidenceSubmitted,
		string(before.Status), string(r.Status), before, r)
	if err != nil {
		return nil, err
	}
	ev.WithMetadata("outcome", string(res.Outcome)).
		WithMetadata("accepted", joinIDs(res.Accepted))
	if len(res.Superseded) > 0 {
		ev.WithMetadata("superseded", joinIDs(res.Superseded))
	}
	if len(res.Unsatisfied) > 0 {
		ev.WithMetadata("unsatisfied", joinTypes(res.Unsatisfied))
	}
	for i, n := range res.IntegrityNotices {
		ev.WithMetadata("integrity_notice_"+strconv.Itoa(i),
			fmt.Sprintf("%s:%s->%s", n.FileID, n.PreviousHash, n.NewHash))
	}

	if !r.IsOpen() {
		if err := s.unblockIfResolved(ctx, cs, actor, r, now); err != nil {
			return nil, err
		}
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, []notification{{
		userID:    r.RequestedBy,
		eventType: NotifyEvidenceSubmitted,
		payload: map[string]string{
			"request_id":     r.ID.String(),
			"request_number": r.Number,
			"outcome":        string(res.Outcome),
		},
	}})

	refs := make([]evidence.FileRef, len(cmd.Files))
	for i, f := range cmd.Files {
		refs[i] = f.File
	}
	s.verifyFiles(r.ID, refs)

	if len(res.IntegrityNotices) > 0 {
		s.logger.Warn("evidence file resubmitted with different content",
			zap.String("request_id", r.ID.String()),
			zap.Int("notices", len(res.IntegrityNotices)))
	}
	return &SubmitEvidenceResult{Request: r, Outcome: res.Outcome, Details: res}, nil
}

// CancelRequest withdraws an open request, freeing its evidence types for a
// new request.
func (s *evidenceCoordinator) CancelRequest(ctx context.Context, actor Actor, cmd CancelRequestCommand) (_ *evidence.Request, err error) {
	ctx, span := s.startSpan(ctx, "EvidenceCoordinator.CancelRequest", attribute.String("request_id", cmd.RequestID.String()))
	defer func() { s.finish(span, audit.ActionRequestCancelled, err) }()

	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	r, unlock, err := s.lockRequest(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.authorize(ctx, actor, ResourceEvidenceRequest, PermCancel,
		scopeOfRequest(r, actor.ID == r.RequestedBy), requestTargetOf(r)); err != nil {
		return nil, err
	}

	now := s.now()
	before := r.Clone()
	if err := r.Cancel(cmd.Reason, now); err != nil {
		return nil, err
	}

	cs := &Changeset{Requests: []*evidence.Request{r}}
	ev, err := s.record(cs, now, actor, requestTargetOf(r), audit.ActionRequestCancelled,
		string(before.Status), string(r.Status), before, r)
	if err != nil {
		return nil, err
	}
	ev.WithNote(cmd.Reason)

	if err := s.unblockIfResolved(ctx, cs, actor, r, now); err != nil {
		return nil, err
	}

	if err := s.commit(ctx, cs); err != nil {
		return nil, err
	}
	s.afterCommit(ctx, cs, nil)
	return r, nil
}

// Escalate fires the next escalation tier of an overdue request when the
// policy says one is due.
func (s *evidenceCoordinator) Escalate(ctx context.Context, actor Actor, requestID uuid.UUID) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "EvidenceCoordinator.Escalate", attribute.String("request_id", requestID.String()))
	defer func() { s.finish(span, audit.ActionRequestEscalated, err) }()

	r, unlock, err := s.lockRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := s.authorize(ctx, actor, ResourceEvidenceRequest, PermEscalate,
		scopeOfRequest(r, false), requestTargetOf(r)); err != nil {
		return false, err
	}
	a, err := s.store.GetAssignment(ctx, r.AssignmentID)
	if err != nil {
		return false, err
	}

	now := s.now()
	cs := &Changeset{}
	notes, fired, err := s.escalate(cs, actor, a, r, now)
	if err != nil || !fired {
		return false, err
	}
	if err := s.commit(ctx, cs); err != nil {
		return false, err
	}
	s.afterCommit(ctx, cs, notes)
	return true, nil
}

func (s *evidenceCoordinator) GetRequest(ctx context.Context, id uuid.UUID) (*evidence.Request, error) {
	return s.store.GetEvidenceRequest(ctx, id)
}

func (s *evidenceCoordinator) ListRequests(ctx context.Context, assignmentID uuid.UUID) ([]*evidence.Request, error) {
	if _, err := s.store.GetAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}
	return s.store.ListEvidenceRequests(ctx, assignmentID)
}

// autoRequests raises one request per evidence requirement of the control
// that is not already open on the assignment. Called when work starts.
func (s *evidenceCoordinator) autoRequests(ctx context.Context, cs *Changeset, actor Actor, a *assignment.ControlAssignment, now time.Time) ([]notification, error) {
	ctl, err := s.store.GetControl(ctx, a.ControlRef)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListEvidenceRequests(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	open := openTypes(existing)
	due := s.requestDue(a, time.Time{}, now)

	var notes []notification
	for _, req := range ctl.EvidenceRequirements {
		if _, ok := open[req.Type]; ok {
			continue
		}
		provider, err := s.resolveProvider(ctx, a.ControlRef, req.Type)
		if err != nil {
			return nil, err
		}
		spec := evidence.Spec{
			Type:        req.Type,
			Format:      req.Format,
			Mandatory:   req.Mandatory,
			Description: req.Description,
		}
		r, note, err := s.newRequest(ctx, cs, actor, a, []evidence.Spec{spec}, provider, due, now)
		if err != nil {
			return nil, err
		}
		cs.Events[len(cs.Events)-1].WithMetadata("auto", "true")
		open[req.Type] = r
		notes = append(notes, note)
	}
	return notes, nil
}

// newRequest builds a request, appends it and its creation event to cs and
// returns the provider notification
func (s *evidenceCoordinator) newRequest(ctx context.Context, cs *Changeset, actor Actor, a *assignment.ControlAssignment, specs []evidence.Spec, provider string, due, now time.Time) (*evidence.Request, notification, error) {
	number, err := s.store.NextRequestNumber(ctx)
	if err != nil {
		return nil, notification{}, err
	}
	r, err := evidence.NewRequest(number, a.ID, a.CycleID, a.ControlRef, specs, provider, a.Assignee, due, now)
	if err != nil {
		return nil, notification{}, err
	}

	cs.Requests = append(cs.Requests, r)
	ev, err := s.record(cs, now, actor, requestTargetOf(r), audit.ActionRequestCreated,
		"", string(r.Status), nil, r)
	if err != nil {
		return nil, notification{}, err
	}
	ev.WithMetadata("number", r.Number).
		WithMetadata("evidence_types", joinTypes(r.Types())).
		WithMetadata("requested_from", r.RequestedFrom)

	return r, notification{
		userID:    r.RequestedFrom,
		eventType: NotifyEvidenceRequested,
		payload: map[string]string{
			"request_id":     r.ID.String(),
			"request_number": r.Number,
			"control_ref":    r.ControlRef,
			"due_date":       r.DueDate.Format(time.RFC3339),
		},
	}, nil
}

// escalate records the next tier when one is due. The caller holds the
// assignment lock and commits cs.
func (s *evidenceCoordinator) escalate(cs *Changeset, actor Actor, a *assignment.ControlAssignment, r *evidence.Request, now time.Time) ([]notification, bool, error) {
	if !r.IsOpen() || !r.Escalation.EscalationDue(s.cfg.Escalation, now) {
		return nil, false, nil
	}
	before := r.Clone()
	tier := r.Escalation.RecordEscalation(now)
	r.UpdatedAt = now

	cs.Requests = appendRequest(cs.Requests, r)
	ev, err := s.record(cs, now, actor, requestTargetOf(r), audit.ActionRequestEscalated,
		string(before.Status), string(r.Status), before, r)
	if err != nil {
		return nil, false, err
	}
	ev.WithMetadata("tier", strconv.Itoa(tier))
	s.metrics.Escalated(audit.EntityEvidenceRequest, tier)

	payload := map[string]string{
		"request_id":     r.ID.String(),
		"request_number": r.Number,
		"tier":           strconv.Itoa(tier),
	}
	return []notification{
		{userID: a.Assigner, eventType: NotifyEvidenceEscalated, payload: payload},
		{userID: a.Manager, eventType: NotifyEvidenceEscalated, payload: payload},
	}, true, nil
}

// unblockIfResolved lifts an evidence-overdue block once no other mandatory
// request of the assignment is still past its grace period
func (s *evidenceCoordinator) unblockIfResolved(ctx context.Context, cs *Changeset, actor Actor, resolved *evidence.Request, now time.Time) error {
	a, err := s.store.GetAssignment(ctx, resolved.AssignmentID)
	if err != nil {
		return err
	}
	if !a.BlockedForEvidence() {
		return nil
	}
	blocker, err := s.overdueBlocker(ctx, a.ID, resolved.ID, now)
	if err != nil || blocker != nil {
		return err
	}

	before := a.Clone()
	if err := a.Unblock(now); err != nil {
		return err
	}
	cs.Assignments = append(cs.Assignments, a)
	ev, err := s.record(cs, now, actor, assignmentTargetOf(a.ID, a.CycleID), audit.ActionAssignmentUnblocked,
		string(before.Status), string(a.Status), before, a)
	if err != nil {
		return err
	}
	ev.WithMetadata("resolved_request", resolved.ID.String())
	return nil
}

// overdueBlocker returns a request other than skip that still holds the
// assignment blocked, or nil when none does
func (s *evidenceCoordinator) overdueBlocker(ctx context.Context, assignmentID, skip uuid.UUID, now time.Time) (*evidence.Request, error) {
	requests, err := s.store.ListEvidenceRequests(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	for _, r := range requests {
		if r.ID != skip && s.blocksAssignment(r, now) {
			return r, nil
		}
	}
	return nil, nil
}

// blocksAssignment reports whether an open mandatory request is past its
// due date plus the block grace period
func (s *evidenceCoordinator) blocksAssignment(r *evidence.Request, now time.Time) bool {
	return r.IsOpen() && r.HasMandatory() && now.After(r.DueDate.Add(s.cfg.BlockGrace))
}

// lockRequest takes the owning assignment's lock and reloads the request
// under it
func (s *evidenceCoordinator) lockRequest(ctx context.Context, id uuid.UUID) (*evidence.Request, func(), error) {
	r, err := s.store.GetEvidenceRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(assignmentKey(r.AssignmentID))
	r, err = s.store.GetEvidenceRequest(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return r, unlock, nil
}

func (s *evidenceCoordinator) resolveProvider(ctx context.Context, controlRef string, t control.EvidenceType) (string, error) {
	provider, err := s.providers.ResolveProvider(ctx, controlRef, t)
	if err != nil {
		return "", errors.NewPrerequisiteError(fmt.Sprintf("no evidence provider for %s on control %s", t, controlRef)).
			WithCause(err)
	}
	return provider, nil
}

// requestDue picks the requested due date, or the response window capped
// by the assignment due date
func (s *evidenceCoordinator) requestDue(a *assignment.ControlAssignment, requested, now time.Time) time.Time {
	if !requested.IsZero() {
		return requested
	}
	due := now.Add(s.cfg.EvidenceResponseWindow)
	if a.DueDate.Before(due) {
		due = a.DueDate
	}
	return due
}

func openTypes(requests []*evidence.Request) map[control.EvidenceType]*evidence.Request {
	open := make(map[control.EvidenceType]*evidence.Request)
	for _, r := range requests {
		if !r.IsOpen() {
			continue
		}
		for _, t := range r.Types() {
			open[t] = r
		}
	}
	return open
}

func appendRequest(list []*evidence.Request, r *evidence.Request) []*evidence.Request {
	for _, x := range list {
		if x == r {
			return list
		}
	}
	return append(list, r)
}

func requestTargetOf(r *evidence.Request) target {
	return childTarget(audit.EntityEvidenceRequest, r.ID, r.AssignmentID, r.CycleID)
}

func scopeOfRequest(r *evidence.Request, owner bool) Scope {
	return Scope{CycleID: r.CycleID, AssignmentID: r.AssignmentID, EntityID: r.ID.String(), Owner: owner}
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func joinTypes(types []control.EvidenceType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
