package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/your-org/jobflow/pkg/kafka"
)

// KafkaNotifier publishes alert transitions on the alerts topic, keyed by
// function name so transitions for one function stay ordered.
type KafkaNotifier struct {
	producer *kafka.Producer
}

// NewKafkaNotifier constructs a notifier on the given producer.
func NewKafkaNotifier(producer *kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

// Notify publishes one notification.
func (n *KafkaNotifier) Notify(ctx context.Context, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal alert notification: %w", err)
	}

	headers := map[string]string{
		"event_type": "alert." + notification.State,
	}
	if err := n.producer.Publish(ctx, []byte(notification.Function), payload, headers); err != nil {
		return fmt.Errorf("publish alert notification: %w", err)
	}
	return nil
}
