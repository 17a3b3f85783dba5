package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishDeliversByType(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	var decisions, all int
	bus.Subscribe("decisions", EventDecision, func(ctx context.Context, e Event) error {
		decisions++
		return nil
	})
	bus.Subscribe("all", "*", func(ctx context.Context, e Event) error {
		all++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventDecision, "test", json.RawMessage(`{}`))))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventPolicyPublished, "test", json.RawMessage(`{}`))))

	assert.Equal(t, 1, decisions)
	assert.Equal(t, 2, all)
}

func TestMemoryBus_PublishAsyncPreservesOrder(t *testing.T) {
	bus := NewMemoryBus(64)

	var mu sync.Mutex
	var got []string
	bus.Subscribe("collector", "*", func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.TraceID)
		return nil
	})

	want := []string{"a", "b", "c", "d"}
	for _, id := range want {
		assert.True(t, bus.PublishAsync(NewEvent(EventDecision, "test", nil).WithTraceID(id)))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, want, got)
}

func TestMemoryBus_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := NewMemoryBus(1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe("slow", "*", func(ctx context.Context, e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	// first event occupies the dispatcher, second fills the queue
	require.True(t, bus.PublishAsync(NewEvent(EventDecision, "test", nil)))
	<-started
	require.True(t, bus.PublishAsync(NewEvent(EventDecision, "test", nil)))

	done := make(chan bool)
	go func() { done <- bus.PublishAsync(NewEvent(EventDecision, "test", nil)) }()

	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("PublishAsync blocked on a full queue")
	}
	assert.Equal(t, uint64(1), bus.Dropped())

	close(release)
	require.NoError(t, bus.Close())
}

func TestMemoryBus_HandlerErrorsReported(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	var reported string
	bus.SetErrorHandler(func(sub *Subscription, err error) { reported = sub.Name })
	bus.Subscribe("failing", "*", func(ctx context.Context, e Event) error {
		return errors.New("sink down")
	})

	err := bus.Publish(context.Background(), NewEvent(EventDecision, "test", nil))
	assert.Error(t, err)
	assert.Equal(t, "failing", reported)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	calls := 0
	sub := bus.Subscribe("once", "*", func(ctx context.Context, e Event) error {
		calls++
		return nil
	})
	_ = bus.Publish(context.Background(), NewEvent(EventDecision, "test", nil))
	bus.Unsubscribe(sub)
	_ = bus.Publish(context.Background(), NewEvent(EventDecision, "test", nil))

	assert.Equal(t, 1, calls)
}

func TestMemoryBus_ClosedRejects(t *testing.T) {
	bus := NewMemoryBus(4)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), NewEvent(EventDecision, "test", nil)), ErrClosed)
	assert.False(t, bus.PublishAsync(NewEvent(EventDecision, "test", nil)))
}
