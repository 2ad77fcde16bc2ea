package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// DefaultSymbolPattern accepts tickers such as AAPL, BRK.B or BTC-USD.
const DefaultSymbolPattern = `^[A-Z0-9][A-Z0-9._-]{0,15}$`

const maxClientIDLen = 64

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return domain.ErrInvalidOrder }

// Validator turns requests into unsequenced domain orders.
type Validator struct {
	symbol      *regexp.Regexp
	maxQuantity int64
	newID       func() string
}

// NewValidator compiles symbolPattern. maxQuantity <= 0 disables the
// quantity ceiling.
func NewValidator(symbolPattern string, maxQuantity int64) (*Validator, error) {
	if symbolPattern == "" {
		symbolPattern = DefaultSymbolPattern
	}
	re, err := regexp.Compile(symbolPattern)
	if err != nil {
		return nil, fmt.Errorf("protocol: symbol pattern: %w", err)
	}
	return &Validator{symbol: re, maxQuantity: maxQuantity, newID: uuid.NewString}, nil
}

// Order validates req and builds the order it describes. New orders get a
// fresh server id; CANCEL orders carry the id to cancel in TargetID.
func (v *Validator) Order(req Request, now time.Time) (domain.Order, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return domain.Order{}, &ValidationError{Field: "client_id", Reason: "required"}
	}
	if len(clientID) > maxClientIDLen {
		return domain.Order{}, &ValidationError{Field: "client_id", Reason: fmt.Sprintf("longer than %d characters", maxClientIDLen)}
	}

	symbol, err := v.Symbol(req.Symbol)
	if err != nil {
		return domain.Order{}, err
	}

	typ := domain.OrderType(strings.ToUpper(strings.TrimSpace(req.OrderType)))
	if !typ.Valid() {
		return domain.Order{}, &ValidationError{Field: "order_type", Reason: fmt.Sprintf("%q is not LIMIT, MARKET or CANCEL", req.OrderType)}
	}

	side := domain.Side(strings.ToUpper(strings.TrimSpace(req.Side)))
	if !side.Valid() && !(typ == domain.OrderTypeCancel && side == "") {
		return domain.Order{}, &ValidationError{Field: "side", Reason: fmt.Sprintf("%q is not BUY or SELL", req.Side)}
	}

	o := domain.Order{
		ID:        v.newID(),
		ClientID:  clientID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Status:    domain.OrderStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if typ == domain.OrderTypeCancel {
		target := strings.TrimSpace(req.OrderID)
		if target == "" {
			return domain.Order{}, &ValidationError{Field: "order_id", Reason: "required for CANCEL"}
		}
		o.TargetID = target
		return o, nil
	}

	qty, err := v.quantity(req.Quantity)
	if err != nil {
		return domain.Order{}, err
	}
	o.Quantity = qty
	o.Remaining = qty

	if typ == domain.OrderTypeLimit {
		price, err := parsePrice(req.Price)
		if err != nil {
			return domain.Order{}, err
		}
		o.Price = price
	}
	return o, nil
}

// Symbol normalises and checks a symbol.
func (v *Validator) Symbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", &ValidationError{Field: "symbol", Reason: "required"}
	}
	if !v.symbol.MatchString(symbol) {
		return "", &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q has an unknown format", raw)}
	}
	return symbol, nil
}

func (v *Validator) quantity(raw json.Number) (int64, error) {
	if raw == "" {
		return 0, &ValidationError{Field: "quantity", Reason: "required"}
	}
	qty, err := strconv.ParseInt(raw.String(), 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%q is not an integer", raw)}
	}
	if qty <= 0 {
		return 0, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if v.maxQuantity > 0 && qty > v.maxQuantity {
		return 0, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("exceeds maximum %d", v.maxQuantity)}
	}
	return qty, nil
}

func parsePrice(raw json.Number) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, &ValidationError{Field: "price", Reason: "required for LIMIT"}
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Decimal{}, &ValidationError{Field: "price", Reason: fmt.Sprintf("%q is not a decimal", raw)}
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, &ValidationError{Field: "price", Reason: "must be positive"}
	}
	return price, nil
}
