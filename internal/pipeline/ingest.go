package pipeline

import (
	"context"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Origin is where a request came from and where its result goes back to.
type Origin interface {
	Deliver(ctx context.Context, res domain.Result) error
	String() string
}

// Envelope carries one validated order through the pipeline.
type Envelope struct {
	Order    domain.Order
	Origin   Origin
	Received time.Time
}

// Reply is a result waiting for the responder.
type Reply struct {
	Result domain.Result
	Origin Origin
}

// IngestQueue stamps each order with a sequence number as it is queued.
// Numbering and enqueueing happen under one lock, so sequence order and
// queue order always agree.
type IngestQueue struct {
	seq   *Sequencer
	queue *Queue[Envelope]
	lock  chan struct{}
}

// NewIngestQueue wraps queue with seq.
func NewIngestQueue(seq *Sequencer, queue *Queue[Envelope]) *IngestQueue {
	return &IngestQueue{seq: seq, queue: queue, lock: make(chan struct{}, 1)}
}

// Submit sequences and enqueues env. It returns the assigned sequence number.
// A number consumed by a failed push is never reused.
func (q *IngestQueue) Submit(ctx context.Context, env Envelope) (uint64, error) {
	select {
	case q.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-q.lock }()

	env.Order.Seq = q.seq.Next()
	if err := q.queue.Push(ctx, env); err != nil {
		return 0, err
	}
	return env.Order.Seq, nil
}

// Pop returns the next envelope in sequence order.
func (q *IngestQueue) Pop(ctx context.Context) (Envelope, error) {
	return q.queue.Pop(ctx)
}

// Close stops intake; queued envelopes can still be popped.
func (q *IngestQueue) Close() { q.queue.Close() }

// Drain removes whatever is still queued.
func (q *IngestQueue) Drain() []Envelope { return q.queue.Drain() }

// Len returns the number of queued envelopes.
func (q *IngestQueue) Len() int { return q.queue.Len() }

// Queue exposes the underlying queue.
func (q *IngestQueue) Queue() *Queue[Envelope] { return q.queue }
