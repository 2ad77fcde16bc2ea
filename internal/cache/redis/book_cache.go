package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// BookCache implements domain.BookCache. Each symbol's latest snapshot is
// stored as JSON next to a small best-bid/offer hash for cheap polling.
//
// Key schema:
//
//	book:{symbol}:snapshot - JSON snapshot
//	book:{symbol}:bbo      - hash with "bid", "ask" and "seq"
//	books                  - set of cached symbols
type BookCache struct {
	c   *Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. A zero ttl keeps snapshots until they
// are overwritten.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{c: c, ttl: ttl}
}

func snapshotKey(symbol string) string { return "book:" + symbol + ":snapshot" }
func bboKey(symbol string) string      { return "book:" + symbol + ":bbo" }

const booksKey = "books"

// SetSnapshot replaces a symbol's snapshot atomically.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	bbo := bc.c.key(bboKey(snap.Symbol))

	pipe := bc.c.rdb.TxPipeline()
	pipe.Set(ctx, bc.c.key(snapshotKey(snap.Symbol)), data, bc.ttl)
	pipe.Del(ctx, bbo)
	pipe.HSet(ctx, bbo, bboFields(snap))
	if bc.ttl > 0 {
		pipe.Expire(ctx, bbo, bc.ttl)
	}
	pipe.SAdd(ctx, bc.c.key(booksKey), snap.Symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot or domain.ErrNotFound.
func (bc *BookCache) GetSnapshot(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	data, err := bc.c.rdb.Get(ctx, bc.c.key(snapshotKey(symbol))).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, fmt.Errorf("redis: snapshot %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", symbol, err)
	}
	return decodeSnapshot(data)
}

// Symbols lists cached symbols in sorted order.
func (bc *BookCache) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := bc.c.rdb.SMembers(ctx, bc.c.key(booksKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list books: %w", err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func encodeSnapshot(snap domain.BookSnapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("redis: encode snapshot %s: %w", snap.Symbol, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (domain.BookSnapshot, error) {
	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: decode snapshot: %w", err)
	}
	return snap, nil
}

func bboFields(snap domain.BookSnapshot) map[string]any {
	f := map[string]any{"seq": snap.LastSeq}
	if snap.BestBid.Valid {
		f["bid"] = snap.BestBid.Decimal.String()
	}
	if snap.BestAsk.Valid {
		f["ask"] = snap.BestAsk.Decimal.String()
	}
	return f
}

var _ domain.BookCache = (*BookCache)(nil)
