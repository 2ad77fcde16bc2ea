// Package pipeline moves orders from the transports through the per-symbol
// books and carries results and side effects back out.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// OverflowPolicy decides what Push does when a queue is full.
type OverflowPolicy string

const (
	// OverflowBlock waits for space, the context or Close.
	OverflowBlock OverflowPolicy = "block"
	// OverflowReject fails immediately with domain.ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
)

// ParseOverflowPolicy maps a config string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowBlock, OverflowReject:
		return OverflowPolicy(s), nil
	}
	return "", fmt.Errorf("pipeline: unknown overflow policy %q", s)
}

// Queue is a bounded FIFO shared by one or more producers and consumers.
// Closing stops new pushes; consumers keep receiving what is left and then
// get domain.ErrQueueClosed.
type Queue[T any] struct {
	name     string
	items    chan T
	done     chan struct{}
	once     sync.Once
	policy   OverflowPolicy
	overflow func()
}

// QueueOption configures a Queue.
type QueueOption[T any] func(*Queue[T])

// WithOverflowHook is called once for every push that fails for lack of
// space, including blocked pushes abandoned by their context.
func WithOverflowHook[T any](fn func()) QueueOption[T] {
	return func(q *Queue[T]) { q.overflow = fn }
}

// NewQueue returns an empty queue holding at most capacity items.
func NewQueue[T any](name string, capacity int, policy OverflowPolicy, opts ...QueueOption[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		name:     name,
		items:    make(chan T, capacity),
		done:     make(chan struct{}),
		policy:   policy,
		overflow: func() {},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string { return q.name }

// Policy returns the overflow policy.
func (q *Queue[T]) Policy() OverflowPolicy { return q.policy }

// Push appends item according to the overflow policy.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	default:
	}

	if q.policy == OverflowReject {
		select {
		case q.items <- item:
			return nil
		default:
			q.overflow()
			return fmt.Errorf("pipeline: %s: %w", q.name, domain.ErrQueueFull)
		}
	}

	select {
	case q.items <- item:
		return nil
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return domain.ErrQueueClosed
	case <-ctx.Done():
		q.overflow()
		return fmt.Errorf("pipeline: %s: %w", q.name, ctx.Err())
	}
}

// Pop removes the oldest item, blocking until one is available. After Close
// it drains the remaining items before reporting domain.ErrQueueClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, domain.ErrQueueClosed
		}
	}
}

// Close stops accepting pushes. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Drain removes and returns everything currently queued without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }
