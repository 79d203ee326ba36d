package workflow

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/clock"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
)

// core carries the collaborators and mechanics shared by every engine:
// validation, permission checks, audited commits with retry, and the
// fire-and-forget work that follows a commit.
type core struct {
	store     Store
	authz     Authorizer
	notifier  Notifier
	providers ProviderDirectory
	files     FileStore
	cache     ProgressCache
	publisher AuditPublisher
	seeds     SeedSource
	clock     clock.Clock
	logger    *zap.Logger
	metrics   Recorder
	tracer    trace.Tracer
	locks     *keyedLocker
	progress  *generations
	validate  *validator.Validate
	cfg       Config
}

// target identifies the entity an audit event is recorded against
type target struct {
	entityType  audit.EntityType
	entityID    string
	aggregateID string
	cycleID     string
}

// notification is dispatched after a successful commit
type notification struct {
	userID    string
	eventType string
	payload   map[string]string
}

func (c *core) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Microsecond)
}

func (c *core) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

// finish ends a command span and counts rejections
func (c *core) finish(span trace.Span, action audit.Action, err error) {
	if err != nil {
		c.metrics.CommandRejected(action, errorCode(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func errorCode(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return errors.CodeInternal
}

// validateCommand runs struct tag validation and maps failures to a
// ValidationError listing the offending fields
func (c *core) validateCommand(cmd interface{}) error {
	err := c.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewValidationError(errors.CodeValidation, "invalid command").WithCause(err)
	}
	fields := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	return errors.NewValidationError(errors.CodeValidation, "command failed validation").
		WithDetails(map[string]interface{}{"fields": fields})
}

// authorize consults the permission collaborator. A denial is itself
// committed to the audit log before Forbidden is returned.
func (c *core) authorize(ctx context.Context, actor Actor, resource Resource, perm string, scope Scope, t target) error {
	if actor.ID == "" {
		return errors.NewValidationError("MISSING_ACTOR", "actor identity is required")
	}
	if c.authz.HasPermission(ctx, actor, resource, perm, scope) {
		return nil
	}

	forbidden := errors.NewForbiddenError(fmt.Sprintf("%s may not %s %s", actor.ID, perm, resource)).
		WithDetails(map[string]interface{}{
			"entity_type": string(t.entityType),
			"entity_id":   t.entityID,
			"attempted":   perm,
		})

	event, err := audit.NewEvent(t.entityType, t.entityID, actor.ID, audit.ActionPermissionDenied, c.now())
	if err != nil {
		c.logger.Error("failed to build denial audit event", zap.Error(err))
		return forbidden
	}
	event.WithAggregate(t.aggregateID, t.cycleID).
		WithMetadata("resource", string(resource)).
		WithMetadata("permission", perm).
		Denied(forbidden.Message)

	cs := &Changeset{Events: []*audit.Event{event}}
	if err := c.commit(ctx, cs); err != nil {
		c.logger.Error("failed to record permission denial",
			zap.String("actor", actor.ID), zap.String("permission", perm), zap.Error(err))
		return forbidden
	}
	c.publisher.Publish(ctx, cs.Events)
	return forbidden
}

// record appends a success event for t to the changeset
func (c *core) record(cs *Changeset, now time.Time, actor Actor, t target, action audit.Action, previousState, newState string, previous, next interface{}) (*audit.Event, error) {
	event, err := audit.NewEvent(t.entityType, t.entityID, actor.ID, action, now)
	if err != nil {
		return nil, err
	}
	event.WithAggregate(t.aggregateID, t.cycleID).WithTransition(previousState, newState)
	if err := event.SetSnapshots(previous, next); err != nil {
		return nil, err
	}
	cs.Events = append(cs.Events, event)
	return event, nil
}

// commit persists the changeset, retrying transient failures with
// exponential backoff. When retries are exhausted nothing has been applied
// and a PersistenceError is returned.
func (c *core) commit(ctx context.Context, cs *Changeset) error {
	if cs.IsEmpty() {
		return errors.NewInternalError("refusing to commit a changeset without audit events")
	}

	attempts := c.cfg.CommitAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.CommitInitialInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.store.Commit(ctx, cs)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempt < attempts {
			c.metrics.CommitRetried()
			c.logger.Warn("transient audit commit failure, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, b)
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && !appErr.Retryable && appErr.Type != errors.ErrorTypePersistence {
		return err
	}
	c.metrics.CommitFailed()
	c.logger.Error("audit commit failed", zap.Int("attempts", attempt), zap.Error(err))
	return errors.NewPersistenceError(fmt.Sprintf("audit commit failed after %d attempts", attempt)).WithCause(err)
}

// afterCommit runs the best-effort work that follows a durable commit.
// Failures are logged and never undo the command.
func (c *core) afterCommit(ctx context.Context, cs *Changeset, notes []notification) {
	for _, e := range cs.Events {
		c.metrics.CommandCompleted(e.EntityType, e.Action)
	}
	c.publisher.Publish(ctx, cs.Events)

	for cycleID := range affectedCycles(cs) {
		c.progress.bump(cycleID)
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CacheTimeout)
		if err := c.cache.Invalidate(cacheCtx, cycleID); err != nil {
			c.logger.Warn("failed to invalidate progress cache",
				zap.String("cycle_id", cycleID.String()), zap.Error(err))
		}
		cancel()
	}

	for _, n := range notes {
		if n.userID == "" {
			continue
		}
		if err := c.notifier.Notify(context.WithoutCancel(ctx), n.userID, n.eventType, n.payload); err != nil {
			c.logger.Warn("notification dispatch failed",
				zap.String("user_id", n.userID),
				zap.String("event_type", n.eventType),
				zap.Error(err))
		}
	}
}

func affectedCycles(cs *Changeset) map[uuid.UUID]struct{} {
	ids := make(map[uuid.UUID]struct{})
	add := func(id uuid.UUID) {
		if id != uuid.Nil {
			ids[id] = struct{}{}
		}
	}
	for _, x := range cs.Cycles {
		add(x.ID)
	}
	for _, x := range cs.Assignments {
		add(x.CycleID)
	}
	for _, x := range cs.Requests {
		add(x.CycleID)
	}
	for _, x := range cs.Executions {
		add(x.CycleID)
	}
	for _, x := range cs.Findings {
		add(x.CycleID)
	}
	return ids
}

// verifyFiles checks submitted file references against the file store in
// the background. Missing files are integrity warnings only.
func (c *core) verifyFiles(requestID uuid.UUID, files []evidence.FileRef) {
	if c.files == nil || len(files) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FileCheckTimeout)
		defer cancel()
		for _, f := range files {
			ok, err := c.files.Exists(ctx, f)
			switch {
			case err != nil:
				c.logger.Warn("file reference check failed",
					zap.String("request_id", requestID.String()), zap.String("file_id", f.ID), zap.Error(err))
			case !ok:
				c.logger.Warn("submitted file reference not found in file store",
					zap.String("request_id", requestID.String()), zap.String("file_id", f.ID), zap.String("hash", f.Hash))
			}
		}
	}()
}

func assignmentTargetOf(id, cycleID uuid.UUID) target {
	return target{
		entityType:  audit.EntityAssignment,
		entityID:    id.String(),
		aggregateID: id.String(),
		cycleID:     cycleID.String(),
	}
}

func cycleTargetOf(id uuid.UUID) target {
	return target{entityType: audit.EntityCycle, entityID: id.String(), cycleID: id.String()}
}

func controlTargetOf(ref string) target {
	return target{entityType: audit.EntityControl, entityID: ref}
}

func childTarget(t audit.EntityType, id, assignmentID, cycleID uuid.UUID) target {
	return target{
		entityType:  t,
		entityID:    id.String(),
		aggregateID: assignmentID.String(),
		cycleID:     cycleID.String(),
	}
}

// Defaults for optional collaborators

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, map[string]string) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, []*audit.Event) {}

type nopCache struct{}

func (nopCache) Get(context.Context, uuid.UUID) (*cycle.Progress, bool, error) { return nil, false, nil }
func (nopCache) Set(context.Context, *cycle.Progress) error                    { return nil }
func (nopCache) Invalidate(context.Context, uuid.UUID) error                   { return nil }

type nopRecorder struct{}

func (nopRecorder) CommandCompleted(audit.EntityType, audit.Action) {}
func (nopRecorder) CommandRejected(audit.Action, string)            {}
func (nopRecorder) CommitRetried()                                  {}
func (nopRecorder) CommitFailed()                                   {}
func (nopRecorder) OverdueMarked(audit.EntityType)                  {}
func (nopRecorder) Escalated(audit.EntityType, int)                 {}
func (nopRecorder) SweepCompleted(time.Duration, int)               {}

type noDirectory struct{}

func (noDirectory) ResolveProvider(_ context.Context, controlRef string, t control.EvidenceType) (string, error) {
	return "", errors.NewNotFoundError(fmt.Sprintf("evidence provider for %s/%s", controlRef, t))
}

// cryptoSeeds draws sampling seeds from the operating system
type cryptoSeeds struct{}

func (cryptoSeeds) Seed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.NewInternalError("failed to generate sampling seed").WithCause(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

