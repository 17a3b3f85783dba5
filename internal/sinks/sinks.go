// Package sinks forwards ledger entries to secondary consumers. Sinks are
// fed from the event bus after an entry is durable; a slow or failing sink
// never holds up an append.
package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/events"
)

// DefaultTimeout bounds a single delivery
const DefaultTimeout = 5 * time.Second

// Sink receives ledger events
type Sink interface {
	Name() string
	Handle(ctx context.Context, event events.Event) error
}

// Attach subscribes each sink to every event on bus. Failures are logged
// through the bus error handler; nothing is retried.
func Attach(bus events.Bus, logger *zap.Logger, sinks ...Sink) []*events.Subscription {
	subs := make([]*events.Subscription, 0, len(sinks))
	for _, s := range sinks {
		sink := s
		subs = append(subs, bus.Subscribe(sink.Name(), "*", func(ctx context.Context, e events.Event) error {
			ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()
			return sink.Handle(ctx, e)
		}))
		logger.Info("Audit sink attached", zap.String("sink", sink.Name()))
	}
	return subs
}
