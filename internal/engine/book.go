// Package engine implements a single-symbol limit order book with
// price-time priority matching.
//
// A Book is not safe for concurrent use. Callers serialize access per
// symbol and feed orders in sequence order.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// MarketRemainder decides what happens to the unfilled part of a MARKET
// order once the opposite side runs dry.
type MarketRemainder string

const (
	// MarketRemainderDiscard drops the remainder. The order ends
	// PARTIALLY_FILLED if anything traded, REJECTED otherwise.
	MarketRemainderDiscard MarketRemainder = "discard"
	// MarketRemainderReject marks the order REJECTED whenever a remainder
	// is left. Trades already executed stand.
	MarketRemainderReject MarketRemainder = "reject"
)

// InvariantError reports a book state that must never occur. The book that
// returned it must not be used again.
type InvariantError struct {
	Symbol string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("engine: invariant violated on %s: %s", e.Symbol, e.Detail)
}

func (e *InvariantError) Unwrap() error { return domain.ErrInvariantViolation }

// Fill is the outcome of one Submit call.
type Fill struct {
	Order  domain.Order   // incoming order after matching, or the cancelled order
	Trades []domain.Trade // in execution order
	Makers []domain.Order // resting orders touched, post-trade state
}

// Option configures a Book.
type Option func(*Book)

// WithMarketRemainder sets the MARKET remainder policy.
func WithMarketRemainder(p MarketRemainder) Option {
	return func(b *Book) { b.remainder = p }
}

// WithClock overrides the time source used for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithIDGenerator overrides trade id generation.
func WithIDGenerator(fn func() string) Option {
	return func(b *Book) { b.newID = fn }
}

// Book is the order book for one symbol together with its cancellation
// index.
type Book struct {
	symbol string
	bids   *bookSide
	asks   *bookSide

	// index maps resting order ids to their slot; it holds exactly the
	// orders present in bids and asks.
	index    map[string]*entry
	byClient map[string]map[string]*entry

	remainder MarketRemainder
	now       func() time.Time
	newID     func() string

	lastSeq     uint64
	totalVolume int64
	totalTrades int64
	lastPrice   decimal.NullDecimal
}

// NewBook returns an empty book for symbol.
func NewBook(symbol string, opts ...Option) *Book {
	b := &Book{
		symbol:    symbol,
		bids:      newBookSide(domain.SideBuy),
		asks:      newBookSide(domain.SideSell),
		index:     make(map[string]*entry),
		byClient:  make(map[string]map[string]*entry),
		remainder: MarketRemainderDiscard,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Symbol returns the symbol this book trades.
func (b *Book) Symbol() string { return b.symbol }

// Submit applies one sequenced order to the book.
//
// CANCEL orders remove TargetID and fail with domain.ErrCancelNotFound when
// it is not resting. MARKET orders that leave a remainder return
// domain.ErrNoLiquidity together with whatever traded. An *InvariantError
// means the book is corrupt.
func (b *Book) Submit(o domain.Order) (Fill, error) {
	if o.Symbol != b.symbol {
		return Fill{Order: o}, fmt.Errorf("engine: order for %q routed to %q: %w", o.Symbol, b.symbol, domain.ErrInvalidOrder)
	}
	if o.Seq <= b.lastSeq {
		return Fill{Order: o}, &InvariantError{
			Symbol: b.symbol,
			Detail: fmt.Sprintf("sequence %d not after %d", o.Seq, b.lastSeq),
		}
	}
	b.lastSeq = o.Seq

	if o.Type == domain.OrderTypeCancel {
		return b.cancelOrder(o)
	}
	if err := checkNew(o); err != nil {
		return Fill{Order: o}, err
	}

	ord := o
	ord.Remaining = ord.Quantity
	ord.Status = domain.OrderStatusNew
	fill := b.match(&ord)

	var err error
	switch {
	case ord.Remaining == 0:
		ord.Status = domain.OrderStatusFilled
	case ord.Type == domain.OrderTypeLimit:
		if ord.Filled() > 0 {
			ord.Status = domain.OrderStatusPartiallyFilled
		}
		b.rest(&ord)
	default:
		err = domain.ErrNoLiquidity
		if ord.Filled() > 0 && b.remainder == MarketRemainderDiscard {
			ord.Status = domain.OrderStatusPartiallyFilled
		} else {
			ord.Status = domain.OrderStatusRejected
		}
	}
	ord.UpdatedAt = b.now()
	fill.Order = ord

	if ierr := b.checkCrossed(); ierr != nil {
		return fill, ierr
	}
	return fill, err
}

// Cancel removes a resting order by id and reports whether it was resting.
func (b *Book) Cancel(orderID string) bool {
	_, ok := b.remove(orderID)
	return ok
}

func (b *Book) cancelOrder(o domain.Order) (Fill, error) {
	cancelled, ok := b.remove(o.TargetID)
	if !ok {
		return Fill{Order: o}, domain.ErrCancelNotFound
	}
	return Fill{Order: cancelled}, nil
}

func (b *Book) remove(orderID string) (domain.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return domain.Order{}, false
	}
	b.side(e.order.Side).remove(e)
	b.forget(e)
	e.order.Status = domain.OrderStatusCancelled
	e.order.UpdatedAt = b.now()
	return *e.order, true
}

func checkNew(o domain.Order) error {
	if !o.Side.Valid() {
		return fmt.Errorf("engine: side %q: %w", o.Side, domain.ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("engine: quantity %d: %w", o.Quantity, domain.ErrInvalidOrder)
	}
	if o.Type == domain.OrderTypeLimit && !o.Price.IsPositive() {
		return fmt.Errorf("engine: price %s: %w", o.Price, domain.ErrInvalidOrder)
	}
	if o.Type != domain.OrderTypeLimit && o.Type != domain.OrderTypeMarket {
		return fmt.Errorf("engine: type %q: %w", o.Type, domain.ErrInvalidOrder)
	}
	return nil
}

// match consumes the opposite side best level first, oldest order first
// within a level, until the incoming order is done or no longer marketable.
func (b *Book) match(o *domain.Order) Fill {
	var fill Fill
	opposite := b.side(o.Side.Opposite())

	for o.Remaining > 0 {
		lvl, ok := opposite.best()
		if !ok {
			break
		}
		if o.Type == domain.OrderTypeLimit && !marketable(o.Side, o.Price, lvl.price) {
			break
		}
		for e := lvl.head; e != nil && o.Remaining > 0; {
			next := e.next
			resting := e.order
			qty := min(o.Remaining, resting.Remaining)
			ts := b.now()

			fill.Trades = append(fill.Trades, domain.Trade{
				ID:               b.newID(),
				Symbol:           b.symbol,
				RestingOrderID:   resting.ID,
				AggressorOrderID: o.ID,
				AggressorSide:    o.Side,
				Quantity:         qty,
				Price:            resting.Price,
				Seq:              o.Seq,
				Timestamp:        ts,
			})
			o.Remaining -= qty
			resting.Remaining -= qty
			resting.UpdatedAt = ts
			lvl.quantity -= qty
			b.totalVolume += qty
			b.totalTrades++
			b.lastPrice = decimal.NewNullDecimal(resting.Price)

			if resting.Remaining == 0 {
				resting.Status = domain.OrderStatusFilled
				opposite.remove(e)
				b.forget(e)
			} else {
				resting.Status = domain.OrderStatusPartiallyFilled
			}
			fill.Makers = append(fill.Makers, *resting)
			e = next
		}
	}
	return fill
}

func (b *Book) rest(o *domain.Order) {
	ord := *o
	e := &entry{order: &ord}
	b.side(ord.Side).insert(e)
	b.index[ord.ID] = e
	if ord.ClientID != "" {
		orders, ok := b.byClient[ord.ClientID]
		if !ok {
			orders = make(map[string]*entry)
			b.byClient[ord.ClientID] = orders
		}
		orders[ord.ID] = e
	}
}

func (b *Book) forget(e *entry) {
	delete(b.index, e.order.ID)
	if orders, ok := b.byClient[e.order.ClientID]; ok {
		delete(orders, e.order.ID)
		if len(orders) == 0 {
			delete(b.byClient, e.order.ClientID)
		}
	}
}

func (b *Book) side(s domain.Side) *bookSide {
	if s == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) checkCrossed() error {
	bid, okBid := b.bids.best()
	ask, okAsk := b.asks.best()
	if okBid && okAsk && bid.price.GreaterThanOrEqual(ask.price) {
		return &InvariantError{
			Symbol: b.symbol,
			Detail: fmt.Sprintf("crossed book: bid %s >= ask %s", bid.price, ask.price),
		}
	}
	return nil
}

// Verify walks the whole book and checks every structural invariant. It is
// O(n) and meant for tests and operator diagnostics.
func (b *Book) Verify() error {
	var errs []error
	seen := 0
	for _, s := range []*bookSide{b.bids, b.asks} {
		s.walk(func(l *priceLevel) bool {
			var qty int64
			var n int
			var prevSeq uint64
			for e := l.head; e != nil; e = e.next {
				o := e.order
				if !o.Resting() {
					errs = append(errs, fmt.Errorf("order %s resting with status %s remaining %d", o.ID, o.Status, o.Remaining))
				}
				if o.Seq <= prevSeq {
					errs = append(errs, fmt.Errorf("order %s out of time priority at %s", o.ID, l.price))
				}
				if b.index[o.ID] != e {
					errs = append(errs, fmt.Errorf("order %s missing from cancellation index", o.ID))
				}
				prevSeq = o.Seq
				qty += o.Remaining
				n++
			}
			if qty != l.quantity || n != l.count {
				errs = append(errs, fmt.Errorf("level %s totals %d/%d, counted %d/%d", l.price, l.quantity, l.count, qty, n))
			}
			seen += n
			return true
		})
	}
	if seen != len(b.index) {
		errs = append(errs, fmt.Errorf("index holds %d orders, book holds %d", len(b.index), seen))
	}
	if err := b.checkCrossed(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &InvariantError{Symbol: b.symbol, Detail: errors.Join(errs...).Error()}
	}
	return nil
}

// Order returns a copy of a resting order.
func (b *Book) Order(id string) (domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return domain.Order{}, false
	}
	return *e.order, true
}

// RestingByClient returns the client's resting orders in arrival order.
func (b *Book) RestingByClient(clientID string) []domain.Order {
	entries := b.byClient[clientID]
	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if l, ok := b.bids.best(); ok {
		return l.price, true
	}
	return decimal.Decimal{}, false
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if l, ok := b.asks.best(); ok {
		return l.price, true
	}
	return decimal.Decimal{}, false
}

// Snapshot aggregates up to depth levels per side. depth <= 0 means all.
func (b *Book) Snapshot(depth int) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		Symbol:    b.symbol,
		Bids:      levels(b.bids, depth),
		Asks:      levels(b.asks, depth),
		LastSeq:   b.lastSeq,
		Timestamp: b.now(),
	}
	if p, ok := b.BestBid(); ok {
		snap.BestBid = decimal.NewNullDecimal(p)
	}
	if p, ok := b.BestAsk(); ok {
		snap.BestAsk = decimal.NewNullDecimal(p)
	}
	return snap
}

func levels(s *bookSide, depth int) []domain.BookLevel {
	out := make([]domain.BookLevel, 0)
	s.walk(func(l *priceLevel) bool {
		if depth > 0 && len(out) >= depth {
			return false
		}
		out = append(out, domain.BookLevel{Price: l.price, Quantity: l.quantity, Orders: l.count})
		return true
	})
	return out
}

// Stats returns counters and top of book.
func (b *Book) Stats() domain.BookStats {
	st := domain.BookStats{
		Symbol:        b.symbol,
		LastPrice:     b.lastPrice,
		BidLevels:     b.bids.depth(),
		AskLevels:     b.asks.depth(),
		RestingOrders: len(b.index),
		TotalVolume:   b.totalVolume,
		TotalTrades:   b.totalTrades,
	}
	if p, ok := b.BestBid(); ok {
		st.BestBid = decimal.NewNullDecimal(p)
	}
	if p, ok := b.BestAsk(); ok {
		st.BestAsk = decimal.NewNullDecimal(p)
	}
	return st
}
