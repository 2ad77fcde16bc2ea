package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// EventReplayer reads the execution stream.
type EventReplayer interface {
	Replay(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler lets a client catch up on execution events it missed.
type EventHandler struct {
	events EventReplayer
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventReplayer, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

type streamEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// Replay returns execution events after a stream id.
// GET /api/events?after=0&count=100
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n > 0 && n <= 1000 {
		count = n
	}

	msgs, err := h.events.Replay(r.Context(), after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: replay failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "cannot read events after "+after)
		return
	}
	entries := make([]streamEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		entries = append(entries, streamEntry{ID: m.ID, Event: json.RawMessage(m.Payload)})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "next": next})
}
