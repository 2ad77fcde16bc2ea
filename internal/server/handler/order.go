package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/pipeline"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

const maxBodyBytes = 64 << 10

// OrderIntake is what the order endpoints need from the service layer.
type OrderIntake interface {
	Submit(ctx context.Context, req protocol.Request, origin pipeline.Origin) (domain.Order, error)
	Reject(orderID string, err error) protocol.Response
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListByClient(ctx context.Context, clientID string, opts domain.ListOpts) ([]domain.Order, error)
	Resting(clientID, symbol string) []domain.Order
}

// OrderHandler submits orders through the same pipeline as UDP clients
// and waits for the result.
type OrderHandler struct {
	orders  OrderIntake
	timeout time.Duration
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler. timeout bounds how long a
// request waits for its result.
func NewOrderHandler(orders OrderIntake, timeout time.Duration, logger *slog.Logger) *OrderHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OrderHandler{orders: orders, timeout: timeout, logger: logger}
}

// replyOrigin hands the result back to the waiting HTTP request.
type replyOrigin struct {
	ch     chan domain.Result
	remote string
}

func newReplyOrigin(remote string) *replyOrigin {
	return &replyOrigin{ch: make(chan domain.Result, 1), remote: remote}
}

func (o *replyOrigin) Deliver(ctx context.Context, res domain.Result) error {
	select {
	case o.ch <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *replyOrigin) String() string { return "http://" + o.remote }

// PlaceOrder accepts the same request record as the UDP listener.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.Failure("", "rejected: request body too large", time.Now()))
		return
	}
	req, err := protocol.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, h.orders.Reject("", err))
		return
	}
	h.submit(w, r, req)
}

// CancelOrder cancels a resting order.
// DELETE /api/orders/{id}?symbol=AAPL&client_id=c1
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		clientID = "http"
	}
	h.submit(w, r, protocol.Request{
		ClientID:  clientID,
		Symbol:    q.Get("symbol"),
		OrderType: string(domain.OrderTypeCancel),
		OrderID:   r.PathValue("id"),
	})
}

func (h *OrderHandler) submit(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	origin := newReplyOrigin(r.RemoteAddr)
	order, err := h.orders.Submit(r.Context(), req, origin)
	if err != nil {
		writeJSON(w, submitStatus(err), h.orders.Reject(order.ID, err))
		return
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case res := <-origin.ch:
		writeJSON(w, http.StatusOK, protocol.NewResponse(res))
	case <-timer.C:
		h.logger.WarnContext(r.Context(), "handler: order result timed out",
			slog.String("order_id", order.ID),
			slog.Uint64("seq", order.Seq),
		)
		writeJSON(w, http.StatusGatewayTimeout,
			protocol.Failure(order.ID, "accepted, result not available in time", time.Now()))
	case <-r.Context().Done():
	}
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type orderView struct {
	protocol.OrderEvent
	CreatedAt time.Time `json:"created_at"`
}

// GetOrder returns the last persisted state of an order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := h.orders.GetOrder(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, orderView{OrderEvent: protocol.NewOrderEvent(o), CreatedAt: o.CreatedAt})
}

// ListOrders returns a client's persisted orders, newest first. With a
// symbol, or status=resting, it answers from the live books instead.
// GET /api/orders?client_id=c1&limit=50&offset=0
// GET /api/orders?client_id=c1&symbol=AAPL
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	if symbol := normalizeSymbol(q.Get("symbol")); symbol != "" || q.Get("status") == "resting" {
		writeOrders(w, h.orders.Resting(clientID, symbol))
		return
	}
	orders, err := h.orders.ListByClient(r.Context(), clientID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	writeOrders(w, orders)
}

func writeOrders(w http.ResponseWriter, orders []domain.Order) {
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView{OrderEvent: protocol.NewOrderEvent(o), CreatedAt: o.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}
