package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.AuditPublisher = (*AuditStream)(nil)

// DefaultSubscriberBuffer is the per-subscriber backlog before it is cut off
const DefaultSubscriberBuffer = 256

// StreamFilter selects which committed events a subscriber receives
type StreamFilter struct {
	// EntityID matches events about the entity or any of its children
	EntityID string
	Filter   audit.Filter
}

func (f StreamFilter) matches(e *audit.Event) bool {
	if f.EntityID != "" && !e.Concerns(f.EntityID) {
		return false
	}
	return f.Filter.Matches(e)
}

// Subscription is a live feed of committed audit events. Events arrives
// closed when the subscriber falls too far behind or the stream shuts down.
type Subscription struct {
	ID     uuid.UUID
	Events <-chan *audit.Event

	ch     chan *audit.Event
	filter StreamFilter
	lagged bool
}

// Lagged reports whether the subscription was cut off for falling behind
func (s *Subscription) Lagged() bool {
	return s.lagged
}

// AuditStream fans committed events out to live subscribers. It never
// blocks the committing command.
type AuditStream struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	logger *zap.Logger
}

func NewAuditStream(logger *zap.Logger) *AuditStream {
	return &AuditStream{
		subs:   make(map[uuid.UUID]*Subscription),
		logger: logger.With(zap.String("component", "audit_stream")),
	}
}

// Subscribe registers a subscriber with the given backlog size
func (s *AuditStream) Subscribe(filter StreamFilter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan *audit.Event, buffer)
	sub := &Subscription{ID: uuid.New(), Events: ch, ch: ch, filter: filter}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return sub
	}
	s.subs[sub.ID] = sub
	s.logger.Debug("audit stream subscriber added",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("entity_id", filter.EntityID))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (s *AuditStream) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Publish delivers events in sequence order. A subscriber whose backlog is
// full is dropped rather than slowing the writer.
func (s *AuditStream) Publish(_ context.Context, events []*audit.Event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for id, sub := range s.subs {
		for _, e := range events {
			if !sub.filter.matches(e) {
				continue
			}
			select {
			case sub.ch <- e.Clone():
			default:
				sub.lagged = true
				delete(s.subs, id)
				close(sub.ch)
				s.logger.Warn("audit stream subscriber lagged, disconnecting",
					zap.String("subscription_id", id.String()),
					zap.Int64("sequence_num", e.SequenceNum))
			}
			if sub.lagged {
				break
			}
		}
	}
}

// Subscribers returns the number of live subscriptions
func (s *AuditStream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close disconnects every subscriber
func (s *AuditStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}
