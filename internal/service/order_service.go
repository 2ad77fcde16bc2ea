package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/metrics"
	"github.com/alanyoungcy/matchbook/internal/pipeline"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

// RateLimit bounds how many requests a single client may submit per window.
// A zero Limit disables limiting.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// RestingBooks reports what a client currently has resting in the live
// books.
type RestingBooks interface {
	RestingByClient(clientID, symbol string) []domain.Order
}

// OrderService is the intake shared by every transport: it rate limits,
// validates and sequences requests into the ingestion queue.
type OrderService struct {
	validator *protocol.Validator
	ingest    *pipeline.IngestQueue
	limiter   domain.RateLimiter
	rate      RateLimit
	orders    domain.OrderStore
	books     RestingBooks
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrderService creates an OrderService.
func NewOrderService(
	validator *protocol.Validator,
	ingest *pipeline.IngestQueue,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		validator: validator,
		ingest:    ingest,
		metrics:   m,
		logger:    logger.With(slog.String("component", "order_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithRateLimiter enables per-client rate limiting.
func (s *OrderService) WithRateLimiter(limiter domain.RateLimiter, rate RateLimit) *OrderService {
	s.limiter = limiter
	s.rate = rate
	return s
}

// WithOrderStore enables order lookups against persisted history.
func (s *OrderService) WithOrderStore(orders domain.OrderStore) *OrderService {
	s.orders = orders
	return s
}

// WithBooks enables queries against the live books.
func (s *OrderService) WithBooks(books RestingBooks) *OrderService {
	s.books = books
	return s
}

// Submit validates req and queues it for matching. The result is later
// delivered to origin. On error nothing was queued and the caller answers
// the client itself, typically with Reject.
func (s *OrderService) Submit(ctx context.Context, req protocol.Request, origin pipeline.Origin) (domain.Order, error) {
	if err := s.allow(ctx, req.ClientID); err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order, err := s.validator.Order(req, now)
	if err != nil {
		s.metrics.OrdersRejected.WithLabelValues(metrics.ReasonValidation).Inc()
		return domain.Order{}, fmt.Errorf("order_service: %w", err)
	}

	seq, err := s.ingest.Submit(ctx, pipeline.Envelope{Order: order, Origin: origin, Received: now})
	if err != nil {
		s.metrics.OrdersRejected.WithLabelValues(reasonFor(err)).Inc()
		s.logger.WarnContext(ctx, "order_service: enqueue failed",
			slog.String("order_id", order.ID),
			slog.String("symbol", order.Symbol),
			slog.String("origin", origin.String()),
			slog.String("error", err.Error()),
		)
		return order, fmt.Errorf("order_service: enqueue %s: %w", order.ID, err)
	}
	order.Seq = seq
	return order, nil
}

// Reject renders the immediate failure response for a Submit error.
func (s *OrderService) Reject(orderID string, err error) protocol.Response {
	return protocol.Failure(orderID, RejectMessage(err), s.now())
}

// GetOrder returns the last persisted state of an order.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if s.orders == nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", id, domain.ErrNotFound)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", id, err)
	}
	return o, nil
}

// ListByClient returns a client's persisted orders, newest first. Without
// an order store it falls back to the orders resting in the live books.
func (s *OrderService) ListByClient(ctx context.Context, clientID string, opts domain.ListOpts) ([]domain.Order, error) {
	if s.orders == nil {
		return s.Resting(clientID, ""), nil
	}
	orders, err := s.orders.ListByClient(ctx, clientID, opts)
	if err != nil {
		return nil, fmt.Errorf("order_service: list by client %q: %w", clientID, err)
	}
	return orders, nil
}

// Resting returns the client's resting orders on symbol, or on every book
// when symbol is empty.
func (s *OrderService) Resting(clientID, symbol string) []domain.Order {
	if s.books == nil {
		return nil
	}
	return s.books.RestingByClient(clientID, symbol)
}

func (s *OrderService) allow(ctx context.Context, clientID string) error {
	if s.limiter == nil || s.rate.Limit <= 0 || clientID == "" {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "orders:"+clientID, s.rate.Limit, s.rate.Window)
	if err != nil {
		// The limiter is advisory; an unavailable backend never blocks trading.
		s.logger.WarnContext(ctx, "order_service: rate limiter unavailable",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		s.metrics.OrdersRejected.WithLabelValues(metrics.ReasonRateLimited).Inc()
		return fmt.Errorf("order_service: client %q: %w", clientID, domain.ErrRateLimited)
	}
	return nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return metrics.ReasonQueueFull
	case errors.Is(err, domain.ErrQueueClosed):
		return metrics.ReasonShuttingDown
	default:
		return metrics.ReasonInvalid
	}
}

// RejectMessage is the client-facing text for an intake error.
func RejectMessage(err error) string {
	var verr *protocol.ValidationError
	switch {
	case errors.As(err, &verr):
		return "rejected: " + verr.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return "rejected: rate limited"
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, context.DeadlineExceeded):
		return "rejected: server busy, try again"
	case errors.Is(err, domain.ErrQueueClosed), errors.Is(err, context.Canceled):
		return domain.ErrShuttingDown.Error()
	default:
		return "rejected: internal error"
	}
}
