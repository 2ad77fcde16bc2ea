// Package protocol defines the JSON request/response records exchanged with
// clients and converts them to and from domain values.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Request is one inbound order message.
type Request struct {
	ClientID  string      `json:"client_id"`
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side,omitempty"`
	OrderType string      `json:"order_type"`
	Quantity  json.Number `json:"quantity,omitempty"`
	Price     json.Number `json:"price,omitempty"`
	OrderID   string      `json:"order_id,omitempty"`
}

// TradeRecord is a trade as reported to the aggressing client.
type TradeRecord struct {
	TradeID   string      `json:"trade_id"`
	Quantity  int64       `json:"quantity"`
	Price     json.Number `json:"price"`
	Timestamp float64     `json:"timestamp"`
}

// Response answers exactly one Request.
type Response struct {
	OrderID   string        `json:"order_id"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Status    string        `json:"status,omitempty"`
	Symbol    string        `json:"symbol,omitempty"`
	Remaining *int64        `json:"remaining_quantity,omitempty"`
	Trades    []TradeRecord `json:"trades"`
	Timestamp float64       `json:"timestamp"`
}

// Decode parses a request body. Syntax errors come back as a
// *ValidationError so callers can answer them like any other bad field.
func Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &ValidationError{Field: "body", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return req, nil
}

// NewResponse renders a processing result.
func NewResponse(res domain.Result) Response {
	resp := Response{
		OrderID:   res.OrderID,
		Success:   res.Success,
		Message:   res.Message,
		Status:    string(res.Status),
		Symbol:    res.Symbol,
		Trades:    make([]TradeRecord, 0, len(res.Trades)),
		Timestamp: unixSeconds(res.Timestamp),
	}
	if res.Type == domain.OrderTypeLimit || res.Type == domain.OrderTypeMarket {
		remaining := res.Remaining
		resp.Remaining = &remaining
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, TradeRecord{
			TradeID:   t.ID,
			Quantity:  t.Quantity,
			Price:     json.Number(t.Price.String()),
			Timestamp: unixSeconds(t.Timestamp),
		})
	}
	return resp
}

// Failure builds a response for a request that never reached a book.
func Failure(orderID, message string, now time.Time) Response {
	return Response{
		OrderID:   orderID,
		Message:   message,
		Trades:    []TradeRecord{},
		Timestamp: unixSeconds(now),
	}
}

// Encode serialises a response.
func Encode(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return data, nil
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
