package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore on pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, symbol, price::text, quantity, resting_order_id,
	aggressor_order_id, aggressor_side, seq, executed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var (
			t     domain.Trade
			price string
			side  string
		)
		if err := rows.Scan(
			&t.ID, &t.Symbol, &price, &t.Quantity, &t.RestingOrderID,
			&t.AggressorOrderID, &side, &t.Seq, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("trade %s price %q: %w", t.ID, price, err)
		}
		t.Price = p
		t.AggressorSide = domain.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertBatch inserts trades in one round trip. Re-inserting a trade id is
// a no-op so a replayed batch does not fail.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	const query = `
		INSERT INTO trades (
			id, symbol, price, quantity, resting_order_id,
			aggressor_order_id, aggressor_side, seq, executed_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(query,
			t.ID, t.Symbol, t.Price.String(), t.Quantity, t.RestingOrderID,
			t.AggressorOrderID, string(t.AggressorSide), int64(t.Seq), t.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListBySymbol returns a symbol's trades, newest first.
func (s *TradeStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listQuery(
		`SELECT `+tradeSelectCols+` FROM trades WHERE symbol = $1`,
		[]any{symbol}, "executed_at", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", symbol, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for %s: %w", symbol, err)
	}
	return trades, nil
}

// ListBefore returns trades executed before the cutoff, oldest first. A
// limit of zero returns all of them.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE executed_at < $1 ORDER BY executed_at, seq`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteBefore removes trades executed before the cutoff.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
