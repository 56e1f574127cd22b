package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka stream backend.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaPublisher writes records to a Kafka topic. Hash balancing on the
// partition key keeps each dataset on a single Kafka partition, which is
// what gives the per-dataset ordering guarantee.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given topic.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 20 * time.Millisecond,
		},
		log: slog.With("component", "kafka-publisher", "topic", cfg.Topic),
	}
}

// Publish writes one record, retrying transient broker errors with capped
// exponential backoff.
func (p *KafkaPublisher) Publish(ctx context.Context, rec Record) error {
	msg := kafka.Message{
		Key:   []byte(rec.PartitionKey),
		Value: rec.Payload,
	}

	policy := backoff.WithContext(newPublishBackoff(), ctx)
	err := backoff.Retry(func() error {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if kerr, ok := err.(kafka.Error); ok && kerr.Temporary() {
			p.log.Warn("temporary write error, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return fmt.Errorf("write to %s: %w", rec.PartitionKey, err)
	}
	return nil
}

func newPublishBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads records from a Kafka consumer group.
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer creates a consumer-group reader for the given topic.
func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
	}
}

// Fetch blocks until a message arrives.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Record, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("fetch message: %w", err)
	}
	return Record{
		PartitionKey: string(msg.Key),
		Payload:      msg.Value,
		origin:       msg,
	}, nil
}

// Commit acknowledges a fetched record's offset.
func (c *KafkaConsumer) Commit(ctx context.Context, rec Record) error {
	msg, ok := rec.origin.(kafka.Message)
	if !ok {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
