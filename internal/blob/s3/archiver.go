package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// ArchiveImpl implements domain.Archiver: it exports rows older than the
// cutoff as JSONL objects and, when purging is enabled, removes them from
// the primary store once the upload has succeeded.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	trades domain.TradeStore
	orders domain.OrderStore
	audit  domain.AuditStore
	purge  bool
	logger *slog.Logger
}

// NewArchiver creates an ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	trades domain.TradeStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
	purge bool,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		trades: trades,
		orders: orders,
		audit:  audit,
		purge:  purge,
		logger: logger.With(slog.String("component", "s3_archiver")),
	}
}

// ArchiveTrades exports trades executed before the cutoff.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	records := make([]TradeRecord, len(trades))
	for i, t := range trades {
		records[i] = newTradeRecord(t)
	}
	return archive(ctx, a, "trades", before, records, a.trades.DeleteBefore)
}

// ArchiveOrders exports orders last updated before the cutoff.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	records := make([]OrderRecord, len(orders))
	for i, o := range orders {
		records[i] = newOrderRecord(o)
	}
	return archive(ctx, a, "orders", before, records, a.orders.DeleteBefore)
}

func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	records []T,
	deleteBefore func(context.Context, time.Time) (int64, error),
) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path, err := a.freePath(ctx, kind, before)
	if err != nil {
		return 0, err
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	var purged int64
	if a.purge {
		if purged, err = deleteBefore(ctx, before); err != nil {
			return count, fmt.Errorf("s3blob: archive %s purge: %w", kind, err)
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"purged": purged,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			a.logger.Warn("s3blob: audit log failed", slog.String("error", err.Error()))
		}
	}
	a.logger.Info("s3blob: archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("purged", purged),
	)
	return count, nil
}

// freePath picks an object key for this run that does not overwrite an
// earlier export.
func (a *ArchiveImpl) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	base := archivePath(kind, before)
	if a.reader == nil {
		return base + ".jsonl", nil
	}
	for i := 0; i < 100; i++ {
		path := base + ".jsonl"
		if i > 0 {
			path = fmt.Sprintf("%s-%d.jsonl", base, i)
		}
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if !exists {
			return path, nil
		}
	}
	return "", fmt.Errorf("s3blob: archive %s: no free object key under %s", kind, base)
}

// archivePath partitions exports by cutoff date:
//
//	archive/trades/2024/03/2024-03-01T120000Z
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s", kind, before.Format("2006/01"), before.Format("2006-01-02T150405Z"))
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// TradeRecord is the archived form of a trade.
type TradeRecord struct {
	TradeID       string    `json:"trade_id"`
	Symbol        string    `json:"symbol"`
	Price         string    `json:"price"`
	Quantity      int64     `json:"quantity"`
	BuyOrderID    string    `json:"buy_order_id"`
	SellOrderID   string    `json:"sell_order_id"`
	AggressorSide string    `json:"aggressor_side"`
	Seq           uint64    `json:"seq"`
	ExecutedAt    time.Time `json:"executed_at"`
}

func newTradeRecord(t domain.Trade) TradeRecord {
	return TradeRecord{
		TradeID:       t.ID,
		Symbol:        t.Symbol,
		Price:         t.Price.String(),
		Quantity:      t.Quantity,
		BuyOrderID:    t.BuyOrderID(),
		SellOrderID:   t.SellOrderID(),
		AggressorSide: string(t.AggressorSide),
		Seq:           t.Seq,
		ExecutedAt:    t.Timestamp.UTC(),
	}
}

// OrderRecord is the archived form of an order.
type OrderRecord struct {
	OrderID   string    `json:"order_id"`
	ClientID  string    `json:"client_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Type      string    `json:"order_type"`
	Price     string    `json:"price,omitempty"`
	Quantity  int64     `json:"quantity"`
	Remaining int64     `json:"remaining"`
	Status    string    `json:"status"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newOrderRecord(o domain.Order) OrderRecord {
	r := OrderRecord{
		OrderID:   o.ID,
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		Status:    string(o.Status),
		Seq:       o.Seq,
		CreatedAt: o.CreatedAt.UTC(),
		UpdatedAt: o.UpdatedAt.UTC(),
	}
	if o.Type == domain.OrderTypeLimit {
		r.Price = o.Price.String()
	}
	return r
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
