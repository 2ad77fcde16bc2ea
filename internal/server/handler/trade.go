package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

// TradeLister reads trade history.
type TradeLister interface {
	ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Trade, error)
}

// TradeHandler serves trade history.
type TradeHandler struct {
	trades TradeLister
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. A nil lister answers 503.
func NewTradeHandler(trades TradeLister, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// ListTrades returns a symbol's trades, newest first.
// GET /api/trades?symbol=AAPL&limit=50&since=2024-01-01T00:00:00Z
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade history is not enabled")
		return
	}
	sym := normalizeSymbol(r.URL.Query().Get("symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	trades, err := h.trades.ListBySymbol(r.Context(), sym, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("symbol", sym),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	views := make([]protocol.TradeEvent, 0, len(trades))
	for _, t := range trades {
		views = append(views, protocol.NewTradeEvent(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "trades": views})
}
