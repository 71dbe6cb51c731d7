package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields consumers need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc processes a single Kafka message. Return nil to commit the
// offset; return an error to skip the commit (the message is re-delivered).
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewHintConsumer creates a consumer for the advisory hint topic. Each
// engine instance passes its own groupID so every instance sees every
// hint, and reading starts at the latest offset: replaying stale hints to
// freshly connected workers would only trigger claim attempts that lose.
func NewHintConsumer(brokers []string, groupID string, logger *slog.Logger) Consumer {
	return newConsumer(brokers, TopicAvailable, groupID, kafka.LastOffset, logger)
}

// NewFailureConsumer creates a consumer for the terminal-failure feed.
// Unlike hints, failure events are worth reading from the beginning: an
// external notifier that was down should still report what it missed.
func NewFailureConsumer(brokers []string, groupID string, logger *slog.Logger) Consumer {
	return NewConsumer(brokers, TopicFailed, groupID, logger)
}

// NewConsumer creates a consumer for an arbitrary topic, reading from the
// earliest uncommitted offset.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	return newConsumer(brokers, topic, groupID, kafka.FirstOffset, logger)
}

func newConsumer(brokers []string, topic, groupID string, startOffset int64, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1e6, // hints are tiny
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    startOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe reads messages in a loop until ctx is cancelled. Offsets commit
// only after the handler returns nil (at-least-once delivery; duplicates
// are fine for advisory hints).
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}

		// Continue the trace the producer started.
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if err := handler(msgCtx, msg); err != nil {
			c.logger.Error("message handler failed, skipping commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
