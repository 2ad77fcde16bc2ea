package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists executed trades.
type TradeStore interface {
	InsertBatch(ctx context.Context, trades []Trade) error
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Trade, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderStore persists the latest known state of every order.
type OrderStore interface {
	UpsertBatch(ctx context.Context, orders []Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByClient(ctx context.Context, clientID string, opts ListOpts) ([]Order, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
