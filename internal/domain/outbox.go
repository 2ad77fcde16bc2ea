package domain

import (
	"context"
	"time"
)

// OutboxState tracks delivery of a journaled event.
type OutboxState uint8

const (
	OutboxNew OutboxState = iota
	OutboxSent
	OutboxAcked
	OutboxFailed
)

func (s OutboxState) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxSent:
		return "SENT"
	case OutboxAcked:
		return "ACKED"
	case OutboxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// OutboxEntry is one execution event awaiting publication, keyed by the
// sequence number of the order that produced it.
type OutboxEntry struct {
	Seq         uint64
	Symbol      string
	Payload     []byte
	State       OutboxState
	Attempts    uint32
	LastAttempt time.Time
}

// Outbox is a durable queue of events for external publication.
type Outbox interface {
	Append(ctx context.Context, entries []OutboxEntry) error
	Pending(ctx context.Context, limit int) ([]OutboxEntry, error)
	UpdateState(ctx context.Context, seq uint64, state OutboxState, attempts uint32) error
	Delete(ctx context.Context, seqs []uint64) error
}

// EventPublisher ships events to an external log.
type EventPublisher interface {
	Publish(ctx context.Context, entries []OutboxEntry) error
}
