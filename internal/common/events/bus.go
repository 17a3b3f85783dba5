// Package events provides an in-process publish/subscribe bus. Producers
// hand events to the bus without knowing who consumes them; consumers are
// the secondary audit sinks and the live stream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger event types
const (
	EventDecision         = "audit.decision"
	EventPolicyPublished  = "audit.policy.published"
	EventPolicyRolledBack = "audit.policy.rolled_back"
	EventChainBroken      = "audit.chain.broken"
)

// ErrClosed is returned when publishing to a bus that has been shut down
var ErrClosed = errors.New("event bus is closed")

var (
	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policygate",
			Name:      "events_dropped_total",
			Help:      "Events discarded because the async queue was full",
		},
		[]string{"type"},
	)

	handlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policygate",
			Name:      "event_handler_errors_total",
			Help:      "Errors returned by event subscribers",
		},
		[]string{"subscriber"},
	)
)

// Event is an envelope around an already serialized payload
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	TraceID   string            `json:"trace_id,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, payload json.RawMessage) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithTraceID adds a trace ID to the event
func (e Event) WithTraceID(traceID string) Event {
	e.TraceID = traceID
	return e
}

// WithMetadata adds metadata to the event
func (e Event) WithMetadata(key, value string) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// EventHandler processes events
type EventHandler func(ctx context.Context, event Event) error

// Subscription represents an event subscription
type Subscription struct {
	ID        string
	Name      string
	EventType string
	Handler   EventHandler
}

// Bus is the event bus interface
type Bus interface {
	// Publish delivers an event to all subscribers before returning
	Publish(ctx context.Context, event Event) error

	// PublishAsync enqueues an event and never blocks; it reports false when the event was dropped
	PublishAsync(event Event) bool

	// Subscribe subscribes to events of a specific type, or "*" for all
	Subscribe(name, eventType string, handler EventHandler) *Subscription

	// Unsubscribe removes a subscription
	Unsubscribe(sub *Subscription)

	// Close drains queued events and stops the dispatcher
	Close() error
}

// MemoryBus is an in-memory bus with a bounded async queue drained by a
// single dispatcher goroutine, so delivery order matches enqueue order.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*Subscription
	errorHandler  func(sub *Subscription, err error)

	// sendMu orders enqueues against Close so a send never hits a closed channel
	sendMu  sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewMemoryBus creates a bus whose async queue holds queueSize events
func NewMemoryBus(queueSize int) *MemoryBus {
	if queueSize <= 0 {
		queueSize = 1
	}
	b := &MemoryBus{
		queue:        make(chan Event, queueSize),
		done:         make(chan struct{}),
		errorHandler: func(*Subscription, error) {},
	}
	go b.dispatch()
	return b
}

// SetErrorHandler sets the callback for subscriber errors
func (b *MemoryBus) SetErrorHandler(handler func(sub *Subscription, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandler = handler
}

// Publish delivers an event synchronously and returns the last subscriber error
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.sendMu.RLock()
	closed := b.closed
	b.sendMu.RUnlock()
	if closed {
		return ErrClosed
	}
	return b.deliver(ctx, event)
}

// PublishAsync enqueues the event for the dispatcher. A full queue drops the event.
func (b *MemoryBus) PublishAsync(event Event) bool {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- event:
		return true
	default:
		b.dropped.Add(1)
		eventsDroppedTotal.WithLabelValues(event.Type).Inc()
		return false
	}
}

// Dropped reports how many async events were discarded
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemoryBus) dispatch() {
	defer close(b.done)
	for event := range b.queue {
		_ = b.deliver(context.Background(), event)
	}
}

func (b *MemoryBus) deliver(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]*Subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.EventType == "*" || sub.EventType == event.Type {
			handlers = append(handlers, sub)
		}
	}
	onError := b.errorHandler
	b.mu.RUnlock()

	var lastErr error
	for _, sub := range handlers {
		if err := sub.Handler(ctx, event); err != nil {
			handlerErrorsTotal.WithLabelValues(sub.Name).Inc()
			onError(sub, err)
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe registers a handler for eventType; "*" matches every event
func (b *MemoryBus) Subscribe(name, eventType string, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Name:      name,
		EventType: eventType,
		Handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, sub)

	return sub
}

// Unsubscribe removes a subscription
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscriptions {
		if s.ID == sub.ID {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (b *MemoryBus) Close() error {
	b.sendMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.sendMu.Unlock()
	<-b.done
	return nil
}
