package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

const (
	defaultDepth = 10
	maxDepth     = 500
)

// writeJSON writes v with the given status, falling back to a plain 500
// when v cannot be encoded.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts reads limit (default 50, max 500), offset, since and until
// (RFC 3339) from the query string.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	opts := domain.ListOpts{Limit: limit}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		opts.Until = &t
	}
	return opts
}

// parseDepth reads ?depth=, clamped to [1, maxDepth].
func parseDepth(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("depth"))
	if err != nil || n < 1 {
		return defaultDepth
	}
	if n > maxDepth {
		return maxDepth
	}
	return n
}

func normalizeSymbol(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
