package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

const namespace = "cab"

var _ workflow.Recorder = (*Registry)(nil)

// Registry holds the workflow, notification and HTTP collectors on a
// dedicated prometheus registry
type Registry struct {
	reg *prometheus.Registry

	// Workflow
	commandsTotal    *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	commitRetries    prometheus.Counter
	commitFailures   prometheus.Counter
	overdueTotal     *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepFailures    prometheus.Counter

	// Notifications
	notificationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with every collector registered, plus the
// Go runtime and process collectors
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "commands_total",
				Help:      "Committed workflow commands",
			},
			[]string{"entity", "action"},
		),
		rejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "rejections_total",
				Help:      "Rejected workflow commands by error code",
			},
			[]string{"action", "code"},
		),
		commitRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "commit_retries_total",
				Help:      "Audit commit attempts retried after a transient failure",
			},
		),
		commitFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "commit_failures_total",
				Help:      "Audit commits that failed permanently",
			},
		),
		overdueTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "overdue_total",
				Help:      "Entities flagged overdue by the sweeper",
			},
			[]string{"entity"},
		),
		escalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "escalations_total",
				Help:      "Escalations fired by tier",
			},
			[]string{"entity", "tier"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "duration_seconds",
				Help:      "Duration of one overdue sweep",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
		),
		sweepFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "failures_total",
				Help:      "Per-entity sweep failures",
			},
		),
		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "dispatched_total",
				Help:      "Notification outcomes by event type and transport",
			},
			[]string{"event_type", "transport", "outcome"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the registry in the prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RegisterPool exports pgx connection pool statistics
func (r *Registry) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, value func(*pgxpool.Stat) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(pool.Stat()) })
	}
	r.reg.MustRegister(
		gauge("acquired_conns", "Connections currently in use", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("idle_conns", "Idle connections", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("total_conns", "Open connections", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("max_conns", "Maximum pool size", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
	)
}

func (r *Registry) CommandCompleted(entity audit.EntityType, action audit.Action) {
	r.commandsTotal.WithLabelValues(string(entity), string(action)).Inc()
}

func (r *Registry) CommandRejected(action audit.Action, code string) {
	r.rejectionsTotal.WithLabelValues(string(action), code).Inc()
}

func (r *Registry) CommitRetried() {
	r.commitRetries.Inc()
}

func (r *Registry) CommitFailed() {
	r.commitFailures.Inc()
}

func (r *Registry) OverdueMarked(entity audit.EntityType) {
	r.overdueTotal.WithLabelValues(string(entity)).Inc()
}

func (r *Registry) Escalated(entity audit.EntityType, tier int) {
	r.escalationsTotal.WithLabelValues(string(entity), strconv.Itoa(tier)).Inc()
}

func (r *Registry) SweepCompleted(duration time.Duration, failures int) {
	r.sweepDuration.Observe(duration.Seconds())
	r.sweepFailures.Add(float64(failures))
}

// NotificationDispatched records a notification delivery outcome
func (r *Registry) NotificationDispatched(eventType, transport, outcome string) {
	if transport == "" {
		transport = "none"
	}
	r.notificationsTotal.WithLabelValues(eventType, transport, outcome).Inc()
}
