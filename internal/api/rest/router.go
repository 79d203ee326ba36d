package rest

import (
	"context"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/cache"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/events"
	"github.com/davidleathers/control-assurance-backend/internal/metrics"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// FileUploader stores evidence bytes ahead of a submission
type FileUploader interface {
	Put(ctx context.Context, r io.Reader) (evidence.FileRef, error)
}

// Dependencies are the collaborators the API serves from. Files, Metrics,
// SharedLimiter and Checks are optional.
type Dependencies struct {
	Workflow      *workflow.Workflow
	Tokens        TokenValidator
	Stream        *events.AuditStream
	Files         FileUploader
	Metrics       *metrics.Registry
	SharedLimiter cache.RateLimiter
	Checks        map[string]HealthCheck
	Logger        *zap.Logger
}

// Config tunes the transport
type Config struct {
	RequestsPerSecond int
	Burst             int
	RequestTimeout    time.Duration
	// MaxUploadBytes bounds one evidence file
	MaxUploadBytes int64
	// StreamBuffer is the per-connection event backlog
	StreamBuffer int
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		Burst:             200,
		RequestTimeout:    30 * time.Second,
		MaxUploadBytes:    64 << 20,
		StreamBuffer:      events.DefaultSubscriberBuffer,
	}
}

// NewRouter builds the HTTP API
func NewRouter(deps Dependencies, cfg Config) http.Handler {
	defaults := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaults.StreamBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "api"))

	var lim limiter = newLocalLimiter(cfg.RequestsPerSecond, cfg.Burst)
	if deps.SharedLimiter != nil {
		lim = &sharedLimiter{backend: deps.SharedLimiter, limit: cfg.RequestsPerSecond, window: time.Second, logger: logger}
	}

	h := &handler{
		wf:       deps.Workflow,
		stream:   deps.Stream,
		files:    deps.Files,
		validate: newValidator(),
		logger:   logger,
		buffer:   cfg.StreamBuffer,
		upload:   cfg.MaxUploadBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(logger))
	r.Use(tracing(otel.Tracer("api.rest")))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.InstrumentHTTP)
	}
	r.Use(requestLogger(logger))

	r.Get("/healthz", healthz(deps.Checks))
	r.Get("/openapi.yaml", serveOpenAPI)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate(deps.Tokens, logger))
		r.Use(rateLimit(lim))

		// The audit stream is long-lived and must not inherit the request timeout
		r.Get("/audit/stream", h.streamAudit)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			h.register(r)
		})
	})

	return r
}

func (h *handler) register(r chi.Router) {
	r.Route("/cycles", func(r chi.Router) {
		r.Post("/", h.createCycle)
		r.Route("/{cycleID}", func(r chi.Router) {
			r.Get("/", h.getCycle)
			r.Post("/transition", h.transitionCycle)
			r.Post("/archive", h.archiveCycle)
			r.Get("/progress", h.getCycleProgress)
			r.Get("/assignments", h.listAssignments)
			r.Post("/assignments", h.addControlToCycle)
			r.Get("/findings", h.listFindings)
		})
	})

	r.Route("/controls", func(r chi.Router) {
		r.Post("/", h.registerControl)
		r.Get("/{ref}", h.getControl)
	})

	r.Route("/assignments", func(r chi.Router) {
		r.Post("/", h.createAssignment)
		r.Route("/{assignmentID}", func(r chi.Router) {
			r.Get("/", h.getAssignment)
			r.Post("/transition", h.transitionAssignment)
			r.Post("/reassign", h.reassign)
			r.Get("/requests", h.listRequests)
			r.Post("/requests", h.createRequest)

			r.Route("/execution", func(r chi.Router) {
				r.Get("/", h.getExecution)
				r.Post("/methodology", h.defineMethodology)
				r.Post("/sample", h.selectSample)
				r.Post("/conclusions", h.recordConclusion)
				r.Post("/finalize", h.finalize)
				r.Post("/submit", h.submitForReview)
				r.Post("/approve", h.approve)
				r.Post("/override", h.overrideConclusion)
			})
		})
	})

	r.Post("/files", h.uploadFile)

	r.Route("/requests/{requestID}", func(r chi.Router) {
		r.Get("/", h.getRequest)
		r.Post("/acknowledge", h.acknowledge)
		r.Post("/submissions", h.submitEvidence)
		r.Post("/cancel", h.cancelRequest)
		r.Post("/escalate", h.escalate)
	})

	r.Route("/findings/{findingID}", func(r chi.Router) {
		r.Get("/", h.getFinding)
		r.Post("/activities", h.addActivity)
		r.Post("/activities/{activityID}/complete", h.completeActivity)
		r.Post("/root-cause", h.setRootCause)
		r.Post("/follow-up", h.scheduleFollowUp)
		r.Post("/follow-up/result", h.recordFollowUp)
		r.Post("/close", h.closeFinding)
		r.Post("/withdraw", h.withdrawFinding)
	})

	r.Route("/audit", func(r chi.Router) {
		r.Get("/trail/{entityID}", h.auditTrail)
		r.Get("/events", h.auditEvents)
		r.Get("/verify", h.verifyChain)
	})
}

// handler serves the workflow over HTTP
type handler struct {
	wf       *workflow.Workflow
	stream   *events.AuditStream
	files    FileUploader
	validate *validator.Validate
	logger   *zap.Logger
	buffer   int
	upload   int64
}

// newValidator reports failing fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// actor returns the authenticated actor. The authenticate middleware
// guarantees one is present on every /api/v1 route.
func actor(r *http.Request) workflow.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthz(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := healthReport{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			report.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				report.Checks[name] = err.Error()
				report.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}
		writeJSON(w, r, status, ResponseEnvelope{Success: status == http.StatusOK, Data: report})
	}
}
