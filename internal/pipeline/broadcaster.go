package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Broadcaster relays journaled execution events to the external log. An
// entry is marked SENT before publishing and removed once the publisher
// confirms it, so delivery is at least once across restarts.
type Broadcaster struct {
	outbox      domain.Outbox
	publisher   domain.EventPublisher
	interval    time.Duration
	batchSize   int
	maxAttempts uint32
	onPark      func(context.Context, int)
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Entries that fail maxAttempts
// times are parked as FAILED.
func NewBroadcaster(outbox domain.Outbox, publisher domain.EventPublisher, interval time.Duration, batchSize int, maxAttempts uint32, logger *slog.Logger) *Broadcaster {
	if batchSize < 1 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{
		outbox:      outbox,
		publisher:   publisher,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logger.With(slog.String("component", "broadcaster")),
	}
}

// OnPark registers a callback told how many entries a failed relay parked.
func (b *Broadcaster) OnPark(fn func(context.Context, int)) *Broadcaster {
	b.onPark = fn
	return b
}

// Run relays on every tick until ctx is cancelled, then makes one last
// pass so events recorded during shutdown are not held back.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("pipeline: broadcaster starting", slog.Duration("interval", b.interval))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if _, err := b.RelayOnce(fctx); err != nil {
				b.logger.Warn("pipeline: final relay failed", slog.String("error", err.Error()))
			}
			cancel()
			b.logger.Info("pipeline: broadcaster stopped")
			return nil
		case <-ticker.C:
			if _, err := b.RelayOnce(ctx); err != nil {
				b.logger.Warn("pipeline: relay failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RelayOnce publishes one batch of pending entries and returns how many
// were acknowledged.
func (b *Broadcaster) RelayOnce(ctx context.Context) (int, error) {
	entries, err := b.outbox.Pending(ctx, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("broadcaster: read outbox: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	for _, e := range entries {
		if err := b.outbox.UpdateState(ctx, e.Seq, domain.OutboxSent, e.Attempts+1); err != nil {
			return 0, fmt.Errorf("broadcaster: mark sent %d: %w", e.Seq, err)
		}
	}

	if err := b.publisher.Publish(ctx, entries); err != nil {
		b.park(ctx, entries)
		return 0, fmt.Errorf("broadcaster: publish %d events: %w", len(entries), err)
	}

	seqs := make([]uint64, len(entries))
	for i, e := range entries {
		seqs[i] = e.Seq
	}
	if err := b.outbox.Delete(ctx, seqs); err != nil {
		return len(entries), fmt.Errorf("broadcaster: delete acked: %w", err)
	}
	b.logger.Debug("pipeline: events relayed", slog.Int("count", len(entries)))
	return len(entries), nil
}

// park moves entries that exhausted their attempts to FAILED.
func (b *Broadcaster) park(ctx context.Context, entries []domain.OutboxEntry) {
	if b.maxAttempts == 0 {
		return
	}
	parked := 0
	defer func() {
		if parked > 0 && b.onPark != nil {
			b.onPark(ctx, parked)
		}
	}()
	for _, e := range entries {
		if e.Attempts+1 < b.maxAttempts {
			continue
		}
		if err := b.outbox.UpdateState(ctx, e.Seq, domain.OutboxFailed, e.Attempts+1); err != nil {
			b.logger.Warn("pipeline: park failed entry",
				slog.Uint64("seq", e.Seq),
				slog.String("error", err.Error()),
			)
			continue
		}
		parked++
		b.logger.Error("pipeline: event parked after repeated publish failures",
			slog.Uint64("seq", e.Seq),
			slog.String("symbol", e.Symbol),
		)
	}
}
