package handler

import (
	"net/http"
	"time"
)

// StatusSource exposes pipeline counters.
type StatusSource interface {
	Processed() uint64
	Symbols() []string
}

// QueueDepth reports a queue's current length and capacity.
type QueueDepth func() (length, capacity int)

// StatusHandler serves process-level status for the dashboard.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	source    StatusSource
	queues    map[string]QueueDepth
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, source StatusSource, queues map[string]QueueDepth) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, source: source, queues: queues}
}

// GetStatus responds with mode, uptime, throughput counters and queue
// depths.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]map[string]int, len(h.queues))
	for name, depth := range h.queues {
		l, c := depth()
		queues[name] = map[string]int{"length": l, "capacity": c}
	}
	uptime := time.Since(h.startedAt)
	processed := h.source.Processed()

	var rate float64
	if secs := uptime.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":              h.mode,
		"started_at":        h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds":    int64(uptime.Seconds()),
		"orders_processed":  processed,
		"orders_per_second": rate,
		"books":             len(h.source.Symbols()),
		"queues":            queues,
	})
}
