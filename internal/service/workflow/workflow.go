package workflow

import (
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/clock"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// Dependencies are the collaborators the workflow consumes. Store and
// Authorizer are required; the rest fall back to no-op implementations.
type Dependencies struct {
	Store      Store
	Authorizer Authorizer
	Notifier   Notifier
	Providers  ProviderDirectory
	Files      FileStore
	Cache      ProgressCache
	Publisher  AuditPublisher
	Seeds      SeedSource
	Clock      clock.Clock
	Logger     *zap.Logger
	Recorder   Recorder
}

// Workflow groups the engines that share one store, lock table and audit log
type Workflow struct {
	Cycles      CycleOrchestrator
	Assignments AssignmentEngine
	Evidence    EvidenceCoordinator
	Tests       TestExecutionEngine
	Findings    FindingTracker
	Audit       AuditLog
	Sweeper     *Sweeper
}

// New wires the workflow engines
func New(deps Dependencies, cfg Config) (*Workflow, error) {
	if deps.Store == nil {
		return nil, errors.NewValidationError("MISSING_STORE", "workflow store is required")
	}
	if deps.Authorizer == nil {
		return nil, errors.NewValidationError("MISSING_AUTHORIZER", "workflow authorizer is required")
	}
	if err := cfg.Bands.Validate(); err != nil {
		return nil, err
	}

	c := &core{
		store:     deps.Store,
		authz:     deps.Authorizer,
		notifier:  deps.Notifier,
		providers: deps.Providers,
		files:     deps.Files,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		seeds:     deps.Seeds,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Recorder,
		tracer:    otel.Tracer("workflow"),
		locks:     newKeyedLocker(),
		progress:  newGenerations(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		cfg:       cfg,
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.providers == nil {
		c.providers = noDirectory{}
	}
	if c.cache == nil {
		c.cache = nopCache{}
	}
	if c.publisher == nil {
		c.publisher = nopPublisher{}
	}
	if c.seeds == nil {
		c.seeds = cryptoSeeds{}
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = nopRecorder{}
	}

	evidenceCoord := &evidenceCoordinator{core: c}
	assignments := &assignmentEngine{core: c, evidence: evidenceCoord}
	tests := &testExecutionEngine{core: c}
	findings := &findingTracker{core: c}

	return &Workflow{
		Cycles:      &cycleOrchestrator{core: c, assignments: assignments},
		Assignments: assignments,
		Evidence:    evidenceCoord,
		Tests:       tests,
		Findings:    findings,
		Audit:       &auditLog{core: c},
		Sweeper:     &Sweeper{core: c, evidence: evidenceCoord, findings: findings},
	}, nil
}
