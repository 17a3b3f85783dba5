package sinks

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/policygate/policygate/internal/common/events"
)

// RedisStreamSink appends each entry to a Redis stream with XADD
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink writes to stream, trimming it to roughly maxLen
// entries; maxLen <= 0 disables trimming
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink
func (s *RedisStreamSink) Name() string { return "redis_stream" }

// Handle implements Sink
func (s *RedisStreamSink) Handle(ctx context.Context, e events.Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event_id": e.ID,
			"type":     e.Type,
			"trace_id": e.TraceID,
			"index":    e.Metadata["index"],
			"entry":    string(e.Payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
