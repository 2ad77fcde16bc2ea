package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLevel aggregates the resting orders at one price.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity int64
	Orders   int
}

// BookSnapshot is a depth-limited view of one symbol's book.
// Bids are best (highest) first, asks best (lowest) first.
type BookSnapshot struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	BestBid   decimal.NullDecimal
	BestAsk   decimal.NullDecimal
	LastSeq   uint64
	Timestamp time.Time
}

// Spread returns best ask minus best bid when both sides are present.
func (s BookSnapshot) Spread() decimal.NullDecimal {
	if !s.BestBid.Valid || !s.BestAsk.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(s.BestAsk.Decimal.Sub(s.BestBid.Decimal))
}

// BookStats summarises activity on one symbol's book.
type BookStats struct {
	Symbol        string
	BestBid       decimal.NullDecimal
	BestAsk       decimal.NullDecimal
	LastPrice     decimal.NullDecimal
	BidLevels     int
	AskLevels     int
	RestingOrders int
	TotalVolume   int64
	TotalTrades   int64
	Halted        bool
}

// Result is the outcome of processing one request. OrderID is the
// server-assigned id of a new order, or the target id for a CANCEL.
type Result struct {
	OrderID   string
	ClientID  string
	Symbol    string
	Type      OrderType
	Success   bool
	Status    OrderStatus
	Message   string
	Trades    []Trade
	Remaining int64
	Seq       uint64
	Timestamp time.Time
}

// Execution is everything one processed order changed, handed to the
// side-effect stages after the book has been released.
type Execution struct {
	Seq    uint64
	Symbol string
	Order  Order   // the incoming order, or the cancelled order for a CANCEL
	Makers []Order // resting orders touched by the match, post-trade state
	Trades []Trade
	Result Result
}
