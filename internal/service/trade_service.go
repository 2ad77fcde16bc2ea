package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// TradeService persists executions and answers trade history queries.
// As a pipeline sink it writes trades and the latest state of every
// touched order, then logs one audit entry per batch.
type TradeService struct {
	trades domain.TradeStore
	orders domain.OrderStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTradeService creates a TradeService. audit may be nil.
func NewTradeService(
	trades domain.TradeStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		trades: trades,
		orders: orders,
		audit:  audit,
		logger: logger.With(slog.String("component", "trade_service")),
	}
}

// Name identifies the sink.
func (s *TradeService) Name() string { return "store" }

// Record writes a batch of executions. Orders are written after trades
// and in sequence order, so a later state of the same order wins.
func (s *TradeService) Record(ctx context.Context, batch []domain.Execution) error {
	if len(batch) == 0 {
		return nil
	}
	trades, orders := flatten(batch)

	if err := s.trades.InsertBatch(ctx, trades); err != nil {
		return fmt.Errorf("trade_service: insert trades: %w", err)
	}
	if err := s.orders.UpsertBatch(ctx, orders); err != nil {
		return fmt.Errorf("trade_service: upsert orders: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "executions.recorded", map[string]any{
			"executions": len(batch),
			"trades":     len(trades),
			"orders":     len(orders),
			"first_seq":  batch[0].Seq,
			"last_seq":   batch[len(batch)-1].Seq,
		}); err != nil {
			s.logger.WarnContext(ctx, "trade_service: audit log failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.DebugContext(ctx, "trade_service: recorded executions",
		slog.Int("trades", len(trades)),
		slog.Int("orders", len(orders)),
	)
	return nil
}

// ListBySymbol returns a symbol's trades, newest first.
func (s *TradeService) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListBySymbol(ctx, symbol, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by symbol %q: %w", symbol, err)
	}
	return trades, nil
}

// flatten collects the trades of a batch and the orders it touched. An
// order touched twice in one batch appears once, in its latest state.
func flatten(batch []domain.Execution) ([]domain.Trade, []domain.Order) {
	var trades []domain.Trade
	latest := make(map[string]int)
	var orders []domain.Order

	put := func(o domain.Order) {
		if o.ID == "" {
			return
		}
		if i, ok := latest[o.ID]; ok {
			orders[i] = o
			return
		}
		latest[o.ID] = len(orders)
		orders = append(orders, o)
	}

	for _, e := range batch {
		trades = append(trades, e.Trades...)
		for _, m := range e.Makers {
			put(m)
		}
		put(e.Order)
	}
	return trades, orders
}
