package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/internal/api/middleware"
	"github.com/medbuddy/medtrack/internal/dispatch"
	"github.com/medbuddy/medtrack/internal/observability/metrics"
)

// StreamHandler pushes due-dose notifications to clients over
// server-sent events.
type StreamHandler struct {
	hub     *dispatch.Hub
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStreamHandler creates the SSE handler. m may be nil.
func NewStreamHandler(hub *dispatch.Hub, m *metrics.Metrics, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{hub: hub, metrics: m, logger: logger}
}

// Stream handles GET /notifications/stream. The connection stays open
// until the client disconnects; each due reminder arrives as one
// "reminder" event.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.hub.Subscribe()
	defer cancel()

	if h.metrics != nil {
		h.metrics.ConnectedSubscribers.Inc()
		defer h.metrics.ConnectedSubscribers.Dec()
	}

	h.logger.Info("notification subscriber connected",
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Int("subscribers", h.hub.Subscribers()))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("notification subscriber disconnected",
				zap.String("request_id", middleware.GetRequestID(ctx)))
			return
		case n, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: reminder\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
