// Package dispatch implements the notification dispatcher: a recurring
// scan that materializes reminders for arrived dosage times, emits due
// notifications to subscribed delivery channels, and drives the reminder
// state machine's time-based transitions.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// Kind classifies a notification: a dose that is due now, or one whose
// tolerance window elapsed untaken.
type Kind string

const (
	KindDue    Kind = "due"
	KindMissed Kind = "missed"
)

// Notification is the dose event pushed to delivery channels.
type Notification struct {
	Kind        Kind                `json:"kind"`
	ReminderID  string              `json:"reminder_id"`
	User        string              `json:"user"`
	Medicine    string              `json:"medicine"`
	Time        timeofday.TimeOfDay `json:"time"`
	Date        string              `json:"date"`
	ScheduledAt time.Time           `json:"scheduled_at"`
}

// Channel delivers notifications to one kind of subscriber. Delivery
// failures are isolated per channel: the dispatcher logs and continues.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Hub is an in-process fanout channel for connected clients (the SSE
// stream endpoint subscribes here). Slow subscribers are dropped-from, not
// waited on.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan Notification
	buffer int
	logger *zap.Logger
}

// NewHub creates a subscriber hub. buffer is the per-subscriber queue
// depth (16 if <= 0).
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]chan Notification),
		buffer: 16,
		logger: logger,
	}
}

// Name implements Channel.
func (h *Hub) Name() string { return "hub" }

// Subscribe registers a client and returns its notification stream and a
// cancel function. cancel is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	id := uuid.NewString()
	ch := make(chan Notification, h.buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver broadcasts to every subscriber without blocking. A subscriber
// with a full queue misses this notification; that never fails the scan.
func (h *Hub) Deliver(ctx context.Context, n Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("subscriber queue full, dropping notification",
				zap.String("subscriber", id),
				zap.String("reminder_id", n.ReminderID))
		}
	}
	return nil
}

// LogChannel writes notifications to the structured log. Used as a
// delivery channel in local development and as a durable trace alongside
// real channels.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log-backed delivery channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Deliver implements Channel.
func (c *LogChannel) Deliver(_ context.Context, n Notification) error {
	payload, _ := json.Marshal(n)
	msg := "dose due"
	if n.Kind == KindMissed {
		msg = "dose missed"
	}
	c.logger.Info(msg,
		zap.String("user", n.User),
		zap.String("medicine", n.Medicine),
		zap.String("time", n.Time.String()),
		zap.ByteString("notification", payload))
	return nil
}
