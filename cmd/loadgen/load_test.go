package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchbook/internal/protocol"
)

func testMix() mix {
	return mix{
		Symbols:     []string{"AAPL", "MSFT"},
		PriceMin:    decimal.RequireFromString("95"),
		PriceMax:    decimal.RequireFromString("105"),
		QuantityMax: 100,
		MarketRatio: 0.2,
		CancelRatio: 0.2,
	}
}

func TestGenerator_RequestsPassValidation(t *testing.T) {
	v, err := protocol.NewValidator("", 1_000_000)
	require.NoError(t, err)
	gen := newGenerator("load-000", testMix(), 42)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		req := gen.next()
		_, err := v.Order(req, time.Now())
		require.NoError(t, err, "request %d: %+v", i, req)
		counts[req.OrderType]++
		if req.OrderType == "LIMIT" {
			gen.observe(req, protocol.Response{Success: true, Status: "NEW", OrderID: "id-" + string(rune('a'+i%26))})
		}
	}
	assert.Positive(t, counts["LIMIT"])
	assert.Positive(t, counts["MARKET"])
	assert.Positive(t, counts["CANCEL"])
}

func TestGenerator_CancelsOnlyKnownOrders(t *testing.T) {
	m := testMix()
	m.CancelRatio = 1
	m.MarketRatio = 0
	gen := newGenerator("c", m, 1)

	first := gen.next()
	assert.Equal(t, "LIMIT", first.OrderType, "nothing resting yet")

	gen.observe(first, protocol.Response{Success: true, Status: "NEW", OrderID: "o1"})
	cancel := gen.next()
	assert.Equal(t, "CANCEL", cancel.OrderType)
	assert.Equal(t, "o1", cancel.OrderID)
	assert.Equal(t, first.Symbol, cancel.Symbol)
	assert.Empty(t, gen.resting)

	gen.observe(first, protocol.Response{Success: true, Status: "FILLED", OrderID: "o2"})
	assert.Empty(t, gen.resting, "filled orders are not cancellable")
}

func TestPercentile(t *testing.T) {
	var lat []time.Duration
	for i := 1; i <= 100; i++ {
		lat = append(lat, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(lat, 50))
	assert.Equal(t, 95*time.Millisecond, percentile(lat, 95))
	assert.Equal(t, 100*time.Millisecond, percentile(lat, 100))
	assert.Equal(t, time.Millisecond, percentile(lat, 0))
	assert.Zero(t, percentile(nil, 99))
}

func TestStats_Summarize(t *testing.T) {
	st := newStats()
	st.record(3*time.Millisecond, protocol.Response{Success: true, Trades: []protocol.TradeRecord{{Quantity: 5}, {Quantity: 7}}})
	st.record(time.Millisecond, protocol.Response{Success: false, Message: "rejected: no liquidity"})
	st.timeout()

	s := st.summarize(time.Second)
	assert.Equal(t, 3, s.Sent)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Timeouts)
	assert.Equal(t, 2, s.Trades)
	assert.Equal(t, int64(12), s.Volume)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 3*time.Millisecond, s.Max)
	assert.Equal(t, 2*time.Millisecond, s.Avg)
	assert.InDelta(t, 2.0, s.Throughput, 1e-9)
	assert.Equal(t, 1, s.Errors["rejected: no liquidity"])
}
