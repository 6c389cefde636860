package kafka

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Consumer wraps kafka-go Reader with explicit commit control so callers
// decide when a message counts as handled.
type Consumer struct {
	reader *kafkago.Reader
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewConsumer constructs a Consumer joined to the given consumer group.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	return &Consumer{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			CommitInterval: 0, // synchronous commits only
			MaxWait:        time.Second,
		}),
	}
}

// Fetch blocks until a message is available or the context is cancelled.
// The message is not committed; pass it to Commit once handled.
func (c *Consumer) Fetch(ctx context.Context) (kafkago.Message, error) {
	return c.reader.FetchMessage(ctx)
}

// Commit marks the message as consumed for the group.
func (c *Consumer) Commit(ctx context.Context, msg kafkago.Message) error {
	return c.reader.CommitMessages(ctx, msg)
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
