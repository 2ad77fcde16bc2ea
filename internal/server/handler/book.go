package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

// BookReader is what the book endpoints need from the service layer.
type BookReader interface {
	Snapshot(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error)
	Stats() []domain.BookStats
	Symbols(ctx context.Context) []string
}

// BookHandler serves order book and statistics endpoints.
type BookHandler struct {
	books  BookReader
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(books BookReader, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, logger: logger}
}

type statsView struct {
	Symbol        string  `json:"symbol"`
	BestBid       *string `json:"best_bid"`
	BestAsk       *string `json:"best_ask"`
	Spread        *string `json:"spread"`
	LastPrice     *string `json:"last_price"`
	BidLevels     int     `json:"bid_levels"`
	AskLevels     int     `json:"ask_levels"`
	RestingOrders int     `json:"resting_orders"`
	TotalVolume   int64   `json:"total_volume"`
	TotalTrades   int64   `json:"total_trades"`
	Halted        bool    `json:"halted"`
}

func newStatsView(s domain.BookStats) statsView {
	v := statsView{
		Symbol:        s.Symbol,
		BestBid:       nullString(s.BestBid),
		BestAsk:       nullString(s.BestAsk),
		LastPrice:     nullString(s.LastPrice),
		BidLevels:     s.BidLevels,
		AskLevels:     s.AskLevels,
		RestingOrders: s.RestingOrders,
		TotalVolume:   s.TotalVolume,
		TotalTrades:   s.TotalTrades,
		Halted:        s.Halted,
	}
	if s.BestBid.Valid && s.BestAsk.Valid {
		spread := s.BestAsk.Decimal.Sub(s.BestBid.Decimal).String()
		v.Spread = &spread
	}
	return v
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// Statistics returns per-symbol statistics plus totals.
// GET /api/statistics
func (h *BookHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats := h.books.Stats()
	views := make([]statsView, 0, len(stats))
	var volume, trades int64
	resting := 0
	for _, s := range stats {
		views = append(views, newStatsView(s))
		volume += s.TotalVolume
		trades += s.TotalTrades
		resting += s.RestingOrders
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":        views,
		"total_volume":   volume,
		"total_trades":   trades,
		"resting_orders": resting,
	})
}

// ListSymbols returns the symbols with a book, sorted.
// GET /api/symbols
func (h *BookHandler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.books.Symbols(r.Context()))
}

// ListBooks returns a snapshot of every known book.
// GET /api/orderbook?depth=10
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	depth := parseDepth(r)
	books := make(map[string]protocol.BookEvent)
	for _, sym := range h.books.Symbols(r.Context()) {
		snap, err := h.books.Snapshot(r.Context(), sym, depth)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				h.logger.WarnContext(r.Context(), "handler: snapshot failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		books[sym] = protocol.NewBookEvent(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// GetBook returns one symbol's snapshot.
// GET /api/orderbook/{symbol}?depth=10
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	sym := normalizeSymbol(r.PathValue("symbol"))
	snap, err := h.books.Snapshot(r.Context(), sym, parseDepth(r))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no order book for "+sym)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get book failed",
			slog.String("symbol", sym),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read order book")
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewBookEvent(snap))
}
