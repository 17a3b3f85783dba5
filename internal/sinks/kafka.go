package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/policygate/policygate/internal/common/events"
)

// MessageWriter is the part of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each entry to a topic keyed by trace id, so all
// entries of one trace land on the same partition
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter builds a synchronous writer for brokers and topic
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaSink wraps w
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Name implements Sink
func (s *KafkaSink) Name() string { return "kafka" }

// Handle implements Sink
func (s *KafkaSink) Handle(ctx context.Context, e events.Event) error {
	key := e.TraceID
	if key == "" {
		key = e.ID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: e.Payload,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "ledger_index", Value: []byte(e.Metadata["index"])},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
