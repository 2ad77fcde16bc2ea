package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Responder delivers results to their origins in queue order.
type Responder struct {
	queue   *Queue[Reply]
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

// NewResponder creates a responder. timeout bounds each delivery; grace is
// how long it keeps draining after ctx is cancelled.
func NewResponder(queue *Queue[Reply], timeout, grace time.Duration, logger *slog.Logger) *Responder {
	return &Responder{
		queue:   queue,
		timeout: timeout,
		grace:   grace,
		logger:  logger.With(slog.String("component", "responder")),
	}
}

// Run delivers replies until the queue is closed and empty, or until grace
// has passed since ctx was cancelled.
func (r *Responder) Run(ctx context.Context) error {
	popCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() { time.AfterFunc(r.grace, cancel) })
	defer stop()

	var delivered uint64
	for {
		reply, err := r.queue.Pop(popCtx)
		if err != nil {
			left := r.queue.Drain()
			for _, reply := range left {
				r.deliver(context.WithoutCancel(ctx), reply)
			}
			r.logger.Info("pipeline: responder stopped",
				slog.Uint64("delivered", delivered),
				slog.Int("late", len(left)),
			)
			if errors.Is(err, domain.ErrQueueClosed) || popCtx.Err() != nil {
				return nil
			}
			return err
		}
		r.deliver(popCtx, reply)
		delivered++
	}
}

func (r *Responder) deliver(ctx context.Context, reply Reply) {
	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := reply.Origin.Deliver(dctx, reply.Result); err != nil {
		r.logger.Warn("pipeline: delivery failed",
			slog.String("origin", reply.Origin.String()),
			slog.String("order_id", reply.Result.OrderID),
			slog.String("error", err.Error()),
		)
	}
}
