package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// OrderStore implements domain.OrderStore. It keeps the latest state of
// each order; rows in a terminal status are never rewritten.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore on pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, client_id, symbol, side, order_type, price::text,
	quantity, remaining, status, seq, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                 domain.Order
		side, typ, status string
		price             *string
	)
	if err := row.Scan(
		&o.ID, &o.ClientID, &o.Symbol, &side, &typ, &price,
		&o.Quantity, &o.Remaining, &status, &o.Seq, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	if price != nil {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s price %q: %w", o.ID, *price, err)
		}
		o.Price = p
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpsertBatch writes the given order states in order.
func (s *OrderStore) UpsertBatch(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	const query = `
		INSERT INTO orders (
			id, client_id, symbol, side, order_type, price,
			quantity, remaining, status, seq, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			remaining  = EXCLUDED.remaining,
			status     = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		WHERE orders.status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')`

	batch := &pgx.Batch{}
	for _, o := range orders {
		var price *string
		if o.Type == domain.OrderTypeLimit {
			p := o.Price.String()
			price = &p
		}
		batch.Queue(query,
			o.ID, o.ClientID, o.Symbol, string(o.Side), string(o.Type), price,
			o.Quantity, o.Remaining, string(o.Status), int64(o.Seq), o.CreatedAt, o.UpdatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range orders {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert order batch item %d: %w", i, err)
		}
	}
	return nil
}

// GetByID returns one order or domain.ErrNotFound.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByClient returns a client's orders, newest first.
func (s *OrderStore) ListByClient(ctx context.Context, clientID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listQuery(
		`SELECT `+orderSelectCols+` FROM orders WHERE client_id = $1`,
		[]any{clientID}, "created_at", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w", clientID, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for %s: %w", clientID, err)
	}
	return orders, nil
}

// ListBefore returns orders last updated before the cutoff that can no
// longer change, oldest first. A limit of zero returns all of them.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE updated_at < $1 AND status IN ('FILLED', 'CANCELLED', 'REJECTED')
		ORDER BY updated_at, seq`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// DeleteBefore removes terminal orders last updated before the cutoff.
// Resting orders are kept however old they are.
func (s *OrderStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM orders WHERE updated_at < $1 AND status IN ('FILLED', 'CANCELLED', 'REJECTED')`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete orders before: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
