package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medbuddy/medtrack/internal/api/handlers"
	"github.com/medbuddy/medtrack/internal/infrastructure/redpanda"
)

// doseEventPublisher publishes accepted intakes to the doses-tracked
// topic, keyed by user.
type doseEventPublisher struct {
	producer *redpanda.Producer
}

func (p *doseEventPublisher) DoseTracked(ctx context.Context, ev handlers.DoseEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dose event: %w", err)
	}
	return p.producer.Produce(ctx, redpanda.TopicDosesTracked, ev.User, payload)
}
