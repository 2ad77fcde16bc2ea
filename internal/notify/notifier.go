// Package notify delivers operator alerts, such as a halted book, to chat
// webhooks. Alerts never reach trading clients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event types understood by the notifier.
const (
	EventBookHalted    = "book_halted"
	EventArchiveFailed = "archive_failed"
	EventOutboxParked  = "outbox_parked"
)

// Sender delivers one alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to its senders. When events is non-empty only
// those event types are forwarded.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert if its event type is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// BookHalted reports a symbol whose book stopped accepting orders after an
// internal consistency failure.
func (n *Notifier) BookHalted(ctx context.Context, symbol string, cause error) error {
	return n.Notify(ctx, EventBookHalted,
		"Book halted: "+symbol,
		fmt.Sprintf("The %s book rejected all further orders after: %v", symbol, cause),
	)
}

// ArchiveFailed reports a failed archive run.
func (n *Notifier) ArchiveFailed(ctx context.Context, cause error) error {
	return n.Notify(ctx, EventArchiveFailed, "Archive run failed", cause.Error())
}

// OutboxParked reports events given up on after repeated publish failures.
func (n *Notifier) OutboxParked(ctx context.Context, count int) error {
	return n.Notify(ctx, EventOutboxParked, "Events parked",
		fmt.Sprintf("%d execution event(s) could not be published and were parked", count))
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
