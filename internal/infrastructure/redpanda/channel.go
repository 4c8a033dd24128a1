package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/internal/dispatch"
)

// Channel adapts the producer to the dispatcher's delivery channel
// contract: each notification becomes one record, keyed by user so a
// user's reminders stay ordered. Due and missed notifications route to
// their own topics.
type Channel struct {
	producer *Producer
}

// NewChannel creates a Kafka-backed delivery channel.
func NewChannel(producer *Producer) *Channel {
	return &Channel{producer: producer}
}

// Name implements dispatch.Channel.
func (c *Channel) Name() string { return "kafka" }

// Deliver implements dispatch.Channel.
func (c *Channel) Deliver(ctx context.Context, n dispatch.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.producer.Produce(ctx, notificationTopic(n), n.User, payload)
}

func notificationTopic(n dispatch.Notification) string {
	if n.Kind == dispatch.KindMissed {
		return TopicRemindersMissed
	}
	return TopicRemindersDue
}

// HubFeed returns a message handler that decodes notification records and
// broadcasts them through hub. API instances run a consumer with this
// handler so reminders raised by the dispatcher process reach their
// connected clients.
func HubFeed(hub *dispatch.Hub, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *ConsumedMessage) error {
		var n dispatch.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			// Bad record; dropping it beats wedging the partition.
			logger.Warn("discarding malformed notification",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		return hub.Deliver(ctx, n)
	}
}
