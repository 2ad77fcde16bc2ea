package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

// BookSource reads live books. The pipeline coordinator implements it.
type BookSource interface {
	Snapshot(symbol string, depth int) (domain.BookSnapshot, error)
	Stats() []domain.BookStats
	Symbols() []string
}

// BookService answers book queries and, as a pipeline sink, pushes fresh
// snapshots of every symbol touched by a batch to the cache and the
// book:{SYMBOL} channels.
type BookService struct {
	source BookSource
	cache  domain.BookCache
	bus    domain.SignalBus
	depth  int
	logger *slog.Logger
}

// NewBookService creates a BookService. cache and bus may be nil.
func NewBookService(source BookSource, cache domain.BookCache, bus domain.SignalBus, depth int, logger *slog.Logger) *BookService {
	if depth < 1 {
		depth = 10
	}
	return &BookService{
		source: source,
		cache:  cache,
		bus:    bus,
		depth:  depth,
		logger: logger.With(slog.String("component", "book_service")),
	}
}

// Name identifies the sink.
func (s *BookService) Name() string { return "books" }

// Record publishes one snapshot per symbol in the batch.
func (s *BookService) Record(ctx context.Context, batch []domain.Execution) error {
	seen := make(map[string]bool)
	var errs []error
	for _, e := range batch {
		if seen[e.Symbol] {
			continue
		}
		seen[e.Symbol] = true
		if err := s.Refresh(ctx, e.Symbol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh caches and publishes the current snapshot of symbol.
func (s *BookService) Refresh(ctx context.Context, symbol string) error {
	snap, err := s.source.Snapshot(symbol, s.depth)
	if err != nil {
		return fmt.Errorf("book_service: snapshot %s: %w", symbol, err)
	}
	if s.cache != nil {
		if err := s.cache.SetSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("book_service: cache %s: %w", symbol, err)
		}
	}
	if s.bus != nil {
		payload, err := protocol.Marshal(protocol.NewBookEvent(snap))
		if err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, protocol.BookChannel(symbol), payload); err != nil {
			return fmt.Errorf("book_service: publish %s: %w", symbol, err)
		}
	}
	return nil
}

// Snapshot returns symbol's book. The live book is preferred; the cache
// answers for symbols this process has not seen.
func (s *BookService) Snapshot(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	snap, err := s.source.Snapshot(symbol, depth)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.cache == nil {
		return domain.BookSnapshot{}, err
	}

	cached, cerr := s.cache.GetSnapshot(ctx, symbol)
	if cerr != nil {
		if !errors.Is(cerr, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "book_service: cache read failed",
				slog.String("symbol", symbol),
				slog.String("error", cerr.Error()),
			)
		}
		return domain.BookSnapshot{}, err
	}
	return trimDepth(cached, depth), nil
}

// Stats returns statistics for every live book.
func (s *BookService) Stats() []domain.BookStats {
	return s.source.Stats()
}

// Symbols lists live and cached symbols.
func (s *BookService) Symbols(ctx context.Context) []string {
	set := make(map[string]bool)
	for _, sym := range s.source.Symbols() {
		set[sym] = true
	}
	if s.cache != nil {
		cached, err := s.cache.Symbols(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "book_service: cache symbols failed", slog.String("error", err.Error()))
		}
		for _, sym := range cached {
			set[sym] = true
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func trimDepth(snap domain.BookSnapshot, depth int) domain.BookSnapshot {
	if depth <= 0 {
		return snap
	}
	if len(snap.Bids) > depth {
		snap.Bids = snap.Bids[:depth]
	}
	if len(snap.Asks) > depth {
		snap.Asks = snap.Asks[:depth]
	}
	return snap
}
