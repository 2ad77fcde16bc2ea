package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// feeder hands out sequenced orders for a single symbol.
type feeder struct {
	symbol string
	seq    uint64
	ids    int
}

func newFeeder(symbol string) *feeder { return &feeder{symbol: symbol} }

func (f *feeder) next(side domain.Side, typ domain.OrderType, qty int64, price string) domain.Order {
	f.seq++
	f.ids++
	o := domain.Order{
		ID:        fmt.Sprintf("o-%d", f.ids),
		ClientID:  "client",
		Symbol:    f.symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Remaining: qty,
		Seq:       f.seq,
		Status:    domain.OrderStatusNew,
	}
	if price != "" {
		o.Price = decimal.RequireFromString(price)
	}
	return o
}

func (f *feeder) limit(side domain.Side, qty int64, price string) domain.Order {
	return f.next(side, domain.OrderTypeLimit, qty, price)
}

func (f *feeder) market(side domain.Side, qty int64) domain.Order {
	return f.next(side, domain.OrderTypeMarket, qty, "")
}

func (f *feeder) cancel(target string) domain.Order {
	o := f.next("", domain.OrderTypeCancel, 0, "")
	o.TargetID = target
	return o
}

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return t0 }
}

func newTestBook(opts ...Option) *Book {
	n := 0
	opts = append([]Option{
		WithClock(fixedClock()),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("t-%d", n) }),
	}, opts...)
	return NewBook("AAPL", opts...)
}

func mustSubmit(t *testing.T, b *Book, o domain.Order) Fill {
	t.Helper()
	fill, err := b.Submit(o)
	require.NoError(t, err)
	require.NoError(t, b.Verify())
	return fill
}

func TestBook_PartialFillOfRestingSell(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	sell := f.limit(domain.SideSell, 100, "150.00")
	mustSubmit(t, b, sell)

	fill := mustSubmit(t, b, f.limit(domain.SideBuy, 50, "150.00"))
	require.Len(t, fill.Trades, 1)
	assert.Equal(t, int64(50), fill.Trades[0].Quantity)
	assert.True(t, fill.Trades[0].Price.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, domain.OrderStatusFilled, fill.Order.Status)

	resting, ok := b.Order(sell.ID)
	require.True(t, ok)
	assert.Equal(t, int64(50), resting.Remaining)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, resting.Status)

	require.Len(t, fill.Makers, 1)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, fill.Makers[0].Status)
}

func TestBook_TimePriorityWithinLevel(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	a := f.limit(domain.SideSell, 50, "150.00")
	c := f.limit(domain.SideSell, 50, "150.00")
	mustSubmit(t, b, a)
	mustSubmit(t, b, c)

	fill := mustSubmit(t, b, f.limit(domain.SideBuy, 100, "150.00"))
	require.Len(t, fill.Trades, 2)
	assert.Equal(t, a.ID, fill.Trades[0].RestingOrderID)
	assert.Equal(t, c.ID, fill.Trades[1].RestingOrderID)
	assert.Equal(t, int64(50), fill.Trades[0].Quantity)
	assert.Equal(t, int64(50), fill.Trades[1].Quantity)

	require.Len(t, fill.Makers, 2)
	for _, m := range fill.Makers {
		assert.Equal(t, domain.OrderStatusFilled, m.Status)
	}
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Cancel(a.ID))
}

func TestBook_MarketAgainstEmptyBook(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	fill, err := b.Submit(f.market(domain.SideBuy, 100))
	require.ErrorIs(t, err, domain.ErrNoLiquidity)
	assert.Empty(t, fill.Trades)
	assert.Equal(t, domain.OrderStatusRejected, fill.Order.Status)
	assert.Equal(t, 0, b.Len())
}

func TestBook_CancelThenNoMatch(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	c := f.limit(domain.SideSell, 50, "150.00")
	mustSubmit(t, b, c)

	fill := mustSubmit(t, b, f.cancel(c.ID))
	assert.Equal(t, c.ID, fill.Order.ID)
	assert.Equal(t, domain.OrderStatusCancelled, fill.Order.Status)

	buy := f.limit(domain.SideBuy, 50, "150.00")
	fill = mustSubmit(t, b, buy)
	assert.Empty(t, fill.Trades)
	assert.Equal(t, domain.OrderStatusNew, fill.Order.Status)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.RequireFromString("150")))
	_, ok = b.BestAsk()
	assert.False(t, ok)
}

func TestBook_ExecutesAtRestingPrice(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	mustSubmit(t, b, f.limit(domain.SideSell, 100, "150.00"))
	fill := mustSubmit(t, b, f.limit(domain.SideBuy, 100, "151.00"))

	require.Len(t, fill.Trades, 1)
	assert.Equal(t, "150", fill.Trades[0].Price.String())
	assert.Equal(t, domain.OrderStatusFilled, fill.Order.Status)
}

func TestBook_BetterPriceExhaustedFirst(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	far := f.limit(domain.SideBuy, 10, "99.50")
	near := f.limit(domain.SideBuy, 10, "100.25")
	mustSubmit(t, b, far)
	mustSubmit(t, b, near)

	fill := mustSubmit(t, b, f.limit(domain.SideSell, 15, "99"))
	require.Len(t, fill.Trades, 2)
	assert.Equal(t, near.ID, fill.Trades[0].RestingOrderID)
	assert.Equal(t, "100.25", fill.Trades[0].Price.String())
	assert.Equal(t, far.ID, fill.Trades[1].RestingOrderID)
	assert.Equal(t, int64(5), fill.Trades[1].Quantity)
}

func TestBook_LimitRemainderRests(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	mustSubmit(t, b, f.limit(domain.SideSell, 30, "10"))
	buy := f.limit(domain.SideBuy, 100, "10")
	fill := mustSubmit(t, b, buy)

	assert.Equal(t, domain.OrderStatusPartiallyFilled, fill.Order.Status)
	assert.Equal(t, int64(70), fill.Order.Remaining)
	resting, ok := b.Order(buy.ID)
	require.True(t, ok)
	assert.Equal(t, int64(70), resting.Remaining)
}

func TestBook_NonMarketableLimitDoesNotTrade(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	mustSubmit(t, b, f.limit(domain.SideSell, 10, "101"))
	fill := mustSubmit(t, b, f.limit(domain.SideBuy, 10, "100.99"))
	assert.Empty(t, fill.Trades)
	assert.Equal(t, 2, b.Len())
}

func TestBook_MarketRemainderPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy MarketRemainder
		want   domain.OrderStatus
	}{
		{"discard", MarketRemainderDiscard, domain.OrderStatusPartiallyFilled},
		{"reject", MarketRemainderReject, domain.OrderStatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBook(WithMarketRemainder(tt.policy))
			f := newFeeder("AAPL")
			mustSubmit(t, b, f.limit(domain.SideSell, 40, "10"))
			mustSubmit(t, b, f.limit(domain.SideSell, 20, "12"))

			fill, err := b.Submit(f.market(domain.SideBuy, 100))
			require.ErrorIs(t, err, domain.ErrNoLiquidity)
			require.Len(t, fill.Trades, 2)
			assert.Equal(t, "12", fill.Trades[1].Price.String())
			assert.Equal(t, tt.want, fill.Order.Status)
			assert.Equal(t, int64(40), fill.Order.Remaining)
			assert.Equal(t, 0, b.Len())
			require.NoError(t, b.Verify())
		})
	}
}

func TestBook_MarketIgnoresPrice(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")
	mustSubmit(t, b, f.limit(domain.SideBuy, 5, "3"))

	o := f.market(domain.SideSell, 5)
	o.Price = decimal.RequireFromString("1000")
	fill := mustSubmit(t, b, o)
	require.Len(t, fill.Trades, 1)
	assert.Equal(t, domain.OrderStatusFilled, fill.Order.Status)
}

func TestBook_CancelFailures(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	_, err := b.Submit(f.cancel("missing"))
	require.ErrorIs(t, err, domain.ErrCancelNotFound)

	sell := f.limit(domain.SideSell, 10, "5")
	mustSubmit(t, b, sell)
	mustSubmit(t, b, f.limit(domain.SideBuy, 10, "5"))

	_, err = b.Submit(f.cancel(sell.ID))
	require.ErrorIs(t, err, domain.ErrCancelNotFound, "filled orders cannot be cancelled")

	rest := f.limit(domain.SideSell, 10, "6")
	mustSubmit(t, b, rest)
	mustSubmit(t, b, f.cancel(rest.ID))
	_, err = b.Submit(f.cancel(rest.ID))
	require.ErrorIs(t, err, domain.ErrCancelNotFound, "second cancel must fail")
}

func TestBook_RejectsInvalidOrders(t *testing.T) {
	tests := []struct {
		name  string
		order func(f *feeder) domain.Order
	}{
		{"zero quantity", func(f *feeder) domain.Order { return f.limit(domain.SideBuy, 0, "1") }},
		{"negative price", func(f *feeder) domain.Order { return f.limit(domain.SideBuy, 1, "-1") }},
		{"zero price", func(f *feeder) domain.Order { return f.limit(domain.SideBuy, 1, "0") }},
		{"bad side", func(f *feeder) domain.Order { return f.limit("HOLD", 1, "1") }},
		{"wrong symbol", func(f *feeder) domain.Order {
			o := f.limit(domain.SideBuy, 1, "1")
			o.Symbol = "MSFT"
			return o
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBook()
			_, err := b.Submit(tt.order(newFeeder("AAPL")))
			require.ErrorIs(t, err, domain.ErrInvalidOrder)
			assert.Equal(t, 0, b.Len())
		})
	}
}

func TestBook_SequenceMustIncrease(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")
	first := f.limit(domain.SideBuy, 1, "1")
	mustSubmit(t, b, first)

	_, err := b.Submit(first)
	var ierr *InvariantError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, "AAPL", ierr.Symbol)
}

func TestBook_EqualPricesWithDifferentScale(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")
	mustSubmit(t, b, f.limit(domain.SideSell, 1, "150"))
	mustSubmit(t, b, f.limit(domain.SideSell, 1, "150.000"))

	snap := b.Snapshot(0)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 2, snap.Asks[0].Orders)
	assert.Equal(t, int64(2), snap.Asks[0].Quantity)
}

func TestBook_SnapshotAndStats(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")
	for _, p := range []string{"99", "98", "97"} {
		mustSubmit(t, b, f.limit(domain.SideBuy, 10, p))
	}
	for _, p := range []string{"101", "102"} {
		mustSubmit(t, b, f.limit(domain.SideSell, 5, p))
	}
	mustSubmit(t, b, f.limit(domain.SideSell, 4, "99"))

	snap := b.Snapshot(2)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, "99", snap.Bids[0].Price.String())
	assert.Equal(t, int64(6), snap.Bids[0].Quantity)
	assert.Equal(t, "98", snap.Bids[1].Price.String())
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, "101", snap.Asks[0].Price.String())
	assert.Equal(t, "2", snap.Spread().Decimal.String())
	assert.Equal(t, uint64(6), snap.LastSeq)

	st := b.Stats()
	assert.Equal(t, int64(4), st.TotalVolume)
	assert.Equal(t, int64(1), st.TotalTrades)
	assert.Equal(t, "99", st.LastPrice.Decimal.String())
	assert.Equal(t, 3, st.BidLevels)
	assert.Equal(t, 2, st.AskLevels)
	assert.Equal(t, 5, st.RestingOrders)
}

func TestBook_RestingByClient(t *testing.T) {
	b := newTestBook()
	f := newFeeder("AAPL")

	o1 := f.limit(domain.SideBuy, 1, "10")
	o2 := f.limit(domain.SideSell, 1, "20")
	other := f.limit(domain.SideBuy, 1, "9")
	other.ClientID = "other"
	mustSubmit(t, b, o1)
	mustSubmit(t, b, o2)
	mustSubmit(t, b, other)

	got := b.RestingByClient("client")
	require.Len(t, got, 2)
	assert.Equal(t, o1.ID, got[0].ID)
	assert.Equal(t, o2.ID, got[1].ID)

	require.True(t, b.Cancel(o1.ID))
	assert.Len(t, b.RestingByClient("client"), 1)
	assert.Empty(t, b.RestingByClient("nobody"))
}
