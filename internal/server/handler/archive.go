package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// ArchiveLister lists archived objects.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ArchiveHandler lists cold-storage archives and triggers archive runs.
type ArchiveHandler struct {
	blobs   ArchiveLister
	trigger func() bool
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. trigger requests an
// immediate archive run and reports whether it was queued.
func NewArchiveHandler(blobs ArchiveLister, trigger func() bool, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, trigger: trigger, logger: logger}
}

type archiveView struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchives lists archive files, optionally under one kind.
// GET /api/archives?kind=trades
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := "archive/"
	if kind := r.URL.Query().Get("kind"); kind != "" {
		prefix += kind + "/"
	}
	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}
	views := make([]archiveView, 0, len(infos))
	for _, info := range infos {
		views = append(views, archiveView{Path: info.Path, Size: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": views})
}

// TriggerArchive queues one archive run.
// POST /api/archives/run
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: archive run requested")
	queued := h.trigger()
	msg := "archive run queued"
	if !queued {
		msg = "archive run already pending"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"message":      msg,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
