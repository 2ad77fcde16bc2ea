package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Event types carried in the "type" field of every published event.
const (
	EventTrade     = "trade"
	EventOrder     = "order"
	EventBook      = "book"
	EventExecution = "execution"
)

// Channels on the signal bus.
const (
	ChannelTrades = "trades"
	ChannelOrders = "orders"
	// StreamExecutions is the replayable stream of execution events.
	StreamExecutions = "executions"
)

// BookChannel returns the channel carrying snapshots of symbol's book.
func BookChannel(symbol string) string {
	return "book:" + symbol
}

// TradeEvent is a trade as seen by market-data consumers.
type TradeEvent struct {
	Type          string    `json:"type"`
	TradeID       string    `json:"trade_id"`
	Symbol        string    `json:"symbol"`
	Price         string    `json:"price"`
	Quantity      int64     `json:"quantity"`
	BuyOrderID    string    `json:"buy_order_id"`
	SellOrderID   string    `json:"sell_order_id"`
	AggressorSide string    `json:"aggressor_side"`
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderEvent is an order state change.
type OrderEvent struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	ClientID  string    `json:"client_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side,omitempty"`
	OrderType string    `json:"order_type"`
	Price     string    `json:"price,omitempty"`
	Quantity  int64     `json:"quantity"`
	Remaining int64     `json:"remaining_quantity"`
	Status    string    `json:"status"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// LevelView is one aggregated price level.
type LevelView struct {
	Price    string `json:"price"`
	Quantity int64  `json:"quantity"`
	Orders   int    `json:"orders"`
}

// BookEvent is a depth-limited book snapshot.
type BookEvent struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Bids      []LevelView `json:"bids"`
	Asks      []LevelView `json:"asks"`
	BestBid   *string     `json:"best_bid"`
	BestAsk   *string     `json:"best_ask"`
	Spread    *string     `json:"spread"`
	LastSeq   uint64      `json:"last_seq"`
	Timestamp time.Time   `json:"timestamp"`
}

// ExecutionEvent is everything one processed order changed.
type ExecutionEvent struct {
	Type    string       `json:"type"`
	Seq     uint64       `json:"seq"`
	Symbol  string       `json:"symbol"`
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Order   OrderEvent   `json:"order"`
	Makers  []OrderEvent `json:"makers"`
	Trades  []TradeEvent `json:"trades"`
}

// NewTradeEvent renders a trade.
func NewTradeEvent(t domain.Trade) TradeEvent {
	return TradeEvent{
		Type:          EventTrade,
		TradeID:       t.ID,
		Symbol:        t.Symbol,
		Price:         t.Price.String(),
		Quantity:      t.Quantity,
		BuyOrderID:    t.BuyOrderID(),
		SellOrderID:   t.SellOrderID(),
		AggressorSide: string(t.AggressorSide),
		Seq:           t.Seq,
		Timestamp:     t.Timestamp,
	}
}

// NewOrderEvent renders an order's current state.
func NewOrderEvent(o domain.Order) OrderEvent {
	ev := OrderEvent{
		Type:      EventOrder,
		OrderID:   o.ID,
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		OrderType: string(o.Type),
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		Status:    string(o.Status),
		Seq:       o.Seq,
		Timestamp: o.UpdatedAt,
	}
	if o.Type == domain.OrderTypeLimit {
		ev.Price = o.Price.String()
	}
	return ev
}

// NewBookEvent renders a snapshot.
func NewBookEvent(s domain.BookSnapshot) BookEvent {
	return BookEvent{
		Type:      EventBook,
		Symbol:    s.Symbol,
		Bids:      levelViews(s.Bids),
		Asks:      levelViews(s.Asks),
		BestBid:   nullString(s.BestBid),
		BestAsk:   nullString(s.BestAsk),
		Spread:    nullString(s.Spread()),
		LastSeq:   s.LastSeq,
		Timestamp: s.Timestamp,
	}
}

// NewExecutionEvent renders an execution for the outbox and stream.
func NewExecutionEvent(e domain.Execution) ExecutionEvent {
	ev := ExecutionEvent{
		Type:    EventExecution,
		Seq:     e.Seq,
		Symbol:  e.Symbol,
		Success: e.Result.Success,
		Message: e.Result.Message,
		Order:   NewOrderEvent(e.Order),
		Makers:  make([]OrderEvent, 0, len(e.Makers)),
		Trades:  make([]TradeEvent, 0, len(e.Trades)),
	}
	for _, m := range e.Makers {
		ev.Makers = append(ev.Makers, NewOrderEvent(m))
	}
	for _, t := range e.Trades {
		ev.Trades = append(ev.Trades, NewTradeEvent(t))
	}
	return ev
}

// Marshal encodes any event record.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event: %w", err)
	}
	return data, nil
}

func levelViews(levels []domain.BookLevel) []LevelView {
	out := make([]LevelView, len(levels))
	for i, l := range levels {
		out[i] = LevelView{Price: l.Price.String(), Quantity: l.Quantity, Orders: l.Orders}
	}
	return out
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
