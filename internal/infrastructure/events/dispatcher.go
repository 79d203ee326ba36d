package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.Notifier = (*Dispatcher)(nil)

// Delivery outcomes reported to the DispatchRecorder
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeThrottled = "throttled"
	OutcomeDropped   = "dropped"
)

// Notification is a single message addressed to one user
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Transport delivers notifications to an external channel
type Transport interface {
	Deliver(ctx context.Context, n Notification) error
	Name() string
}

// DispatchRecorder observes delivery outcomes
type DispatchRecorder interface {
	NotificationDispatched(eventType, transport, outcome string)
}

// DispatcherConfig tunes the worker pool and the per-recipient storm guard
type DispatcherConfig struct {
	QueueSize         int
	Workers           int
	PerRecipientRate  float64
	PerRecipientBurst int
	DeliveryTimeout   time.Duration
	// IdleLimiterTTL is how long an unused recipient limiter is kept
	IdleLimiterTTL time.Duration
}

// DefaultDispatcherConfig returns the configuration used when none is given
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:         1024,
		Workers:           4,
		PerRecipientRate:  1,
		PerRecipientBurst: 10,
		DeliveryTimeout:   5 * time.Second,
		IdleLimiterTTL:    10 * time.Minute,
	}
}

type recipientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Dispatcher queues notifications and delivers them asynchronously through
// every configured transport. Notify never blocks on delivery: a full queue
// or a throttled recipient drops the notification and reports it.
type Dispatcher struct {
	transports []Transport
	config     DispatcherConfig
	recorder   DispatchRecorder
	logger     *zap.Logger

	queue chan Notification

	limitersMu sync.Mutex
	limiters   map[string]*recipientLimiter

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start to launch the workers.
func NewDispatcher(config DispatcherConfig, logger *zap.Logger, recorder DispatchRecorder, transports ...Transport) (*Dispatcher, error) {
	if logger == nil {
		return nil, errors.NewValidationError("MISSING_LOGGER", "logger is required")
	}
	if len(transports) == 0 {
		return nil, errors.NewValidationError("MISSING_TRANSPORT", "at least one transport is required")
	}

	defaults := DefaultDispatcherConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PerRecipientRate <= 0 {
		config.PerRecipientRate = defaults.PerRecipientRate
	}
	if config.PerRecipientBurst <= 0 {
		config.PerRecipientBurst = defaults.PerRecipientBurst
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.IdleLimiterTTL <= 0 {
		config.IdleLimiterTTL = defaults.IdleLimiterTTL
	}
	if recorder == nil {
		recorder = nopDispatchRecorder{}
	}

	return &Dispatcher{
		transports: transports,
		config:     config,
		recorder:   recorder,
		logger:     logger.With(zap.String("component", "notification_dispatcher")),
		queue:      make(chan Notification, config.QueueSize),
		limiters:   make(map[string]*recipientLimiter),
	}, nil
}

// Start launches the delivery workers
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(workerCtx, i)
	}
	d.logger.Info("notification dispatcher started",
		zap.Int("workers", d.config.Workers),
		zap.Int("queue_size", d.config.QueueSize))
}

// Notify enqueues a notification for asynchronous delivery
func (d *Dispatcher) Notify(ctx context.Context, userID, eventType string, payload map[string]string) error {
	if userID == "" {
		return errors.NewValidationError("MISSING_RECIPIENT", "notification recipient is required")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.NewInternalError("notification dispatcher is closed")
	}

	if !d.allow(userID, time.Now()) {
		d.recorder.NotificationDispatched(eventType, "", OutcomeThrottled)
		d.logger.Warn("notification throttled",
			zap.String("user_id", userID),
			zap.String("event_type", eventType))
		return nil
	}

	n := Notification{
		ID:        uuid.New(),
		UserID:    userID,
		EventType: eventType,
		Payload:   copyPayload(payload),
		CreatedAt: time.Now().UTC(),
	}

	select {
	case d.queue <- n:
		return nil
	default:
		d.recorder.NotificationDispatched(eventType, "", OutcomeDropped)
		return errors.NewTransientPersistenceError("notification queue is full").WithDetails(map[string]interface{}{
			"user_id":    userID,
			"event_type": eventType,
		})
	}
}

// Close stops accepting notifications, drains the queue and waits for the
// workers. Pending deliveries are abandoned when ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// QueueDepth returns the number of notifications awaiting delivery
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.With(zap.Int("worker", id))

	for n := range d.queue {
		for _, transport := range d.transports {
			d.deliver(ctx, logger, transport, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, logger *zap.Logger, transport Transport, n Notification) {
	deliverCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	if err := transport.Deliver(deliverCtx, n); err != nil {
		d.recorder.NotificationDispatched(n.EventType, transport.Name(), OutcomeFailed)
		logger.Warn("notification delivery failed",
			zap.String("transport", transport.Name()),
			zap.String("notification_id", n.ID.String()),
			zap.String("user_id", n.UserID),
			zap.String("event_type", n.EventType),
			zap.Error(err))
		return
	}
	d.recorder.NotificationDispatched(n.EventType, transport.Name(), OutcomeDelivered)
}

// allow consults the recipient's token bucket, pruning idle buckets
func (d *Dispatcher) allow(userID string, now time.Time) bool {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()

	rl, ok := d.limiters[userID]
	if !ok {
		if len(d.limiters) >= d.config.QueueSize {
			d.pruneLimiters(now)
		}
		rl = &recipientLimiter{
			limiter: rate.NewLimiter(rate.Limit(d.config.PerRecipientRate), d.config.PerRecipientBurst),
		}
		d.limiters[userID] = rl
	}
	rl.lastSeen = now
	return rl.limiter.AllowN(now, 1)
}

func (d *Dispatcher) pruneLimiters(now time.Time) {
	for userID, rl := range d.limiters {
		if now.Sub(rl.lastSeen) > d.config.IdleLimiterTTL {
			delete(d.limiters, userID)
		}
	}
}

func copyPayload(payload map[string]string) map[string]string {
	if payload == nil {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

type nopDispatchRecorder struct{}

func (nopDispatchRecorder) NotificationDispatched(string, string, string) {}
