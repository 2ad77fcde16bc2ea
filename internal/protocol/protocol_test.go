package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator("", 1_000_000)
	require.NoError(t, err)
	return v
}

func TestValidator_LimitOrder(t *testing.T) {
	v := newTestValidator(t)
	req, err := Decode([]byte(`{"client_id":"c1","symbol":" aapl ","side":"buy","order_type":"limit","quantity":100,"price":150.25}`))
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	o, err := v.Order(req, now)
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, domain.SideBuy, o.Side)
	assert.Equal(t, domain.OrderTypeLimit, o.Type)
	assert.Equal(t, int64(100), o.Quantity)
	assert.Equal(t, int64(100), o.Remaining)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("150.25")))
	assert.Equal(t, domain.OrderStatusNew, o.Status)
	assert.Equal(t, now, o.CreatedAt)
}

func TestValidator_PriceAsString(t *testing.T) {
	v := newTestValidator(t)
	req, err := Decode([]byte(`{"client_id":"c1","symbol":"AAPL","side":"SELL","order_type":"LIMIT","quantity":"5","price":"0.1"}`))
	require.NoError(t, err)
	o, err := v.Order(req, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "0.1", o.Price.String())
}

func TestValidator_MarketIgnoresPrice(t *testing.T) {
	v := newTestValidator(t)
	req := Request{ClientID: "c1", Symbol: "AAPL", Side: "SELL", OrderType: "MARKET", Quantity: "10", Price: "-3"}
	o, err := v.Order(req, time.Now())
	require.NoError(t, err)
	assert.True(t, o.Price.IsZero())
}

func TestValidator_Cancel(t *testing.T) {
	v := newTestValidator(t)
	req := Request{ClientID: "c1", Symbol: "AAPL", OrderType: "CANCEL", OrderID: "abc"}
	o, err := v.Order(req, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "abc", o.TargetID)
	assert.Equal(t, domain.OrderTypeCancel, o.Type)
	assert.Zero(t, o.Quantity)
}

func TestValidator_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing client", Request{Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: "1", Price: "1"}, "client_id"},
		{"missing symbol", Request{ClientID: "c", Side: "BUY", OrderType: "LIMIT", Quantity: "1", Price: "1"}, "symbol"},
		{"bad symbol", Request{ClientID: "c", Symbol: "A A", Side: "BUY", OrderType: "LIMIT", Quantity: "1", Price: "1"}, "symbol"},
		{"bad type", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "STOP", Quantity: "1", Price: "1"}, "order_type"},
		{"bad side", Request{ClientID: "c", Symbol: "AAPL", Side: "HOLD", OrderType: "LIMIT", Quantity: "1", Price: "1"}, "side"},
		{"missing side", Request{ClientID: "c", Symbol: "AAPL", OrderType: "MARKET", Quantity: "1"}, "side"},
		{"missing quantity", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Price: "1"}, "quantity"},
		{"fractional quantity", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: "1.5", Price: "1"}, "quantity"},
		{"negative quantity", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: "-1", Price: "1"}, "quantity"},
		{"huge quantity", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: "1000001", Price: "1"}, "quantity"},
		{"missing price", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: "1"}, "price"},
		{"zero price", Request{ClientID: "c", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: "1", Price: "0"}, "price"},
		{"cancel without id", Request{ClientID: "c", Symbol: "AAPL", OrderType: "CANCEL"}, "order_id"},
	}
	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Order(tt.req, time.Now())
			require.ErrorIs(t, err, domain.ErrInvalidOrder)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"client_id":`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "body", verr.Field)
}

func TestNewValidator_BadPattern(t *testing.T) {
	_, err := NewValidator("([", 0)
	require.Error(t, err)
}

func TestNewResponse(t *testing.T) {
	ts := time.Unix(1700000000, 500_000_000)
	res := domain.Result{
		OrderID:   "o-1",
		Symbol:    "AAPL",
		Type:      domain.OrderTypeLimit,
		Success:   true,
		Status:    domain.OrderStatusFilled,
		Message:   "order executed with 1 trades",
		Timestamp: ts,
		Trades: []domain.Trade{{
			ID: "t-1", Quantity: 50, Price: decimal.RequireFromString("150.00"), Timestamp: ts,
		}},
	}
	data, err := Encode(NewResponse(res))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "o-1", got["order_id"])
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "FILLED", got["status"])
	assert.Equal(t, 1700000000.5, got["timestamp"])
	assert.Equal(t, float64(0), got["remaining_quantity"])
	trades := got["trades"].([]any)
	require.Len(t, trades, 1)
	trade := trades[0].(map[string]any)
	assert.Equal(t, "t-1", trade["trade_id"])
	assert.Equal(t, float64(50), trade["quantity"])
	assert.Equal(t, float64(150), trade["price"])
}

func TestFailure_HasEmptyTrades(t *testing.T) {
	data, err := Encode(Failure("", "invalid symbol: required", time.Now()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trades":[]`)
	assert.Contains(t, string(data), `"success":false`)
	assert.NotContains(t, string(data), "remaining_quantity")
}
