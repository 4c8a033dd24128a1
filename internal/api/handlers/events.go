package handlers

import (
	"context"
	"time"
)

// DoseEvent records one accepted intake for downstream consumers
// (adherence dashboards, caregiver integrations).
type DoseEvent struct {
	User       string    `json:"user"`
	Medicine   string    `json:"medicine"`
	Date       string    `json:"date"`
	Sequence   int       `json:"sequence"`
	TotalDoses int       `json:"total_doses"`
	TakenAt    time.Time `json:"taken_at"`
}

// EventSink publishes dose events. Publishing is best-effort: a sink
// failure never rolls back the tracked dose.
type EventSink interface {
	DoseTracked(ctx context.Context, ev DoseEvent) error
}
