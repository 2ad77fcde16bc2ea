package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

// EventService publishes live trade and order events on the signal bus and
// appends every execution to the replayable executions stream.
type EventService struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventService creates an EventService.
func NewEventService(bus domain.SignalBus, logger *slog.Logger) *EventService {
	return &EventService{
		bus:    bus,
		logger: logger.With(slog.String("component", "event_service")),
	}
}

// Name identifies the sink.
func (s *EventService) Name() string { return "bus" }

// Record publishes a batch. Individual publish failures are logged and
// the rest of the batch still goes out; the first failure is returned.
func (s *EventService) Record(ctx context.Context, batch []domain.Execution) error {
	var firstErr error
	fail := func(what string, err error) {
		s.logger.WarnContext(ctx, "event_service: publish failed",
			slog.String("event", what),
			slog.String("error", err.Error()),
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("event_service: %s: %w", what, err)
		}
	}

	for _, e := range batch {
		for _, t := range e.Trades {
			if err := s.publish(ctx, protocol.ChannelTrades, protocol.NewTradeEvent(t)); err != nil {
				fail(protocol.EventTrade, err)
			}
		}
		for _, m := range e.Makers {
			if err := s.publish(ctx, protocol.ChannelOrders, protocol.NewOrderEvent(m)); err != nil {
				fail(protocol.EventOrder, err)
			}
		}
		if err := s.publish(ctx, protocol.ChannelOrders, protocol.NewOrderEvent(e.Order)); err != nil {
			fail(protocol.EventOrder, err)
		}

		payload, err := protocol.Marshal(protocol.NewExecutionEvent(e))
		if err != nil {
			fail(protocol.EventExecution, err)
			continue
		}
		if err := s.bus.StreamAppend(ctx, protocol.StreamExecutions, payload); err != nil {
			fail(protocol.EventExecution, err)
		}
	}
	return firstErr
}

func (s *EventService) publish(ctx context.Context, channel string, v any) error {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, channel, payload)
}

// Replay returns up to count execution events after lastID.
func (s *EventService) Replay(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	msgs, err := s.bus.StreamRead(ctx, protocol.StreamExecutions, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("event_service: replay: %w", err)
	}
	return msgs, nil
}

// OutboxSink journals executions for the broadcaster. Each execution is
// one outbox entry keyed by its sequence number.
type OutboxSink struct {
	outbox domain.Outbox
}

// NewOutboxSink creates an OutboxSink.
func NewOutboxSink(outbox domain.Outbox) *OutboxSink {
	return &OutboxSink{outbox: outbox}
}

// Name identifies the sink.
func (s *OutboxSink) Name() string { return "journal" }

// Record appends the batch in one write.
func (s *OutboxSink) Record(ctx context.Context, batch []domain.Execution) error {
	entries := make([]domain.OutboxEntry, 0, len(batch))
	for _, e := range batch {
		payload, err := protocol.Marshal(protocol.NewExecutionEvent(e))
		if err != nil {
			return fmt.Errorf("outbox_sink: seq %d: %w", e.Seq, err)
		}
		entries = append(entries, domain.OutboxEntry{
			Seq:     e.Seq,
			Symbol:  e.Symbol,
			Payload: payload,
			State:   domain.OutboxNew,
		})
	}
	if err := s.outbox.Append(ctx, entries); err != nil {
		return fmt.Errorf("outbox_sink: %w", err)
	}
	return nil
}
