package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single match between a resting and an aggressing order.
// Price is always the resting order's limit price.
type Trade struct {
	ID               string
	Symbol           string
	RestingOrderID   string
	AggressorOrderID string
	AggressorSide    Side
	Quantity         int64
	Price            decimal.Decimal
	Seq              uint64 // sequence of the aggressing order
	Timestamp        time.Time
}

// Notional returns price * quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// BuyOrderID returns the id of the buying side of the trade.
func (t Trade) BuyOrderID() string {
	if t.AggressorSide == SideBuy {
		return t.AggressorOrderID
	}
	return t.RestingOrderID
}

// SellOrderID returns the id of the selling side of the trade.
func (t Trade) SellOrderID() string {
	if t.AggressorSide == SideSell {
		return t.AggressorOrderID
	}
	return t.RestingOrderID
}
