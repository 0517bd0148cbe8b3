// Package notify delivers player notifications. Every notification is pushed
// to the recipient's live WebSocket channel via the signal bus; operator
// alert channels (Telegram, Discord, etc.) additionally receive the subset of
// event types they are configured for.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// Sender is the interface that each operator alert channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier implements domain.Notifier. It publishes each notification to the
// recipient's bus channel and fans out to the registered senders. It maintains
// a set of allowed event types; only notifications whose type is in the
// allowed set are forwarded to senders, while bus delivery is unconditional.
type Notifier struct {
	bus     domain.SignalBus
	senders []Sender
	events  map[string]bool // event types forwarded to senders
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that publishes on bus and alerts the given
// senders. Only notifications whose type appears in the events slice are
// forwarded to senders; if events is empty, all types are forwarded.
func NewNotifier(bus domain.SignalBus, senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		bus:     bus,
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers a notification to the given account. Bus publication always
// happens; sender delivery is filtered by event type. A sender failure does
// not fail the notification as long as the bus publish succeeded.
func (n *Notifier) Notify(ctx context.Context, accountID string, note domain.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("notify: marshal notification: %w", err)
	}

	if n.bus != nil {
		if err := n.bus.Publish(ctx, "ch:user:"+accountID, payload); err != nil {
			return fmt.Errorf("notify: publish: %w", err)
		}
	}

	if len(n.events) > 0 && !n.events[note.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", note.Type),
		)
		return nil
	}

	n.dispatch(ctx, note.Type, fmt.Sprintf("[%s] %s", accountID, note.Message))
	return nil
}

// dispatch iterates over all senders and sends the notification. Individual
// sender failures are logged; delivery continues to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}

var _ domain.Notifier = (*Notifier)(nil)
