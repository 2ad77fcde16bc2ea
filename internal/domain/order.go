package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType selects how an order interacts with the book.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeCancel OrderType = "CANCEL"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeCancel:
		return true
	}
	return false
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is a client instruction against one symbol's book.
//
// Quantity is fixed at ingestion; Remaining only ever decreases. Price is
// meaningful for LIMIT orders only. Seq is assigned by the ingestion
// sequencer and is strictly increasing within a symbol. For CANCEL orders
// TargetID names the resting order to remove.
type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Quantity  int64
	Remaining int64
	Price     decimal.Decimal
	Seq       uint64
	Status    OrderStatus
	TargetID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filled returns the executed quantity so far.
func (o Order) Filled() int64 {
	return o.Quantity - o.Remaining
}

// Resting reports whether the order is in a state that may sit in a book.
func (o Order) Resting() bool {
	return o.Remaining > 0 &&
		(o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled)
}
