// Package kafka publishes journaled execution events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Config configures the producer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Producer implements domain.EventPublisher. Messages are keyed by symbol
// so each symbol's events stay ordered within one partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a synchronous producer that waits for all in-sync
// replicas.
func NewProducer(cfg Config) *Producer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: cfg.BatchTimeout,
		},
	}
}

// Publish writes entries in order and returns once all are acknowledged.
func (p *Producer) Publish(ctx context.Context, entries []domain.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, Messages(entries)...); err != nil {
		return fmt.Errorf("kafka: write %d messages to %s: %w", len(entries), p.writer.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Messages converts outbox entries to Kafka messages. The sequence number
// travels as a header so consumers can discard redeliveries.
func Messages(entries []domain.OutboxEntry) []kafka.Message {
	msgs := make([]kafka.Message, len(entries))
	for i, e := range entries {
		msgs[i] = kafka.Message{
			Key:   []byte(e.Symbol),
			Value: e.Payload,
			Headers: []kafka.Header{
				{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
			},
		}
	}
	return msgs
}
