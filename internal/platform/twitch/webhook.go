// Package twitch ingests EventSub webhook notifications and provides a thin
// Helix API client. Subscriptions and gift subs credit card packs; channel
// point redemptions feed the live redemption queue.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/crypto"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// EventSub message types delivered in the Twitch-Eventsub-Message-Type header.
const (
	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"
)

// maxBodySize caps webhook request bodies. EventSub payloads are small.
const maxBodySize = 1 << 20

// PackCreditor credits unopened packs to an account.
type PackCreditor interface {
	CreditPacks(ctx context.Context, accountID string, count int64, source string) error
}

// Redeemer accepts channel point redemptions into the live queue.
type Redeemer interface {
	Enqueue(ctx context.Context, channel, redeemerID, packTemplate string) domain.RedemptionJob
}

// WebhookConfig controls webhook behavior.
type WebhookConfig struct {
	Secret string // shared HMAC secret registered with EventSub

	// SubPacks is the number of packs credited per subscription event.
	SubPacks int64
	// RewardTemplates maps channel point reward titles to pack template
	// names. Redemptions for unmapped rewards are ignored.
	RewardTemplates map[string]string
	// DefaultTemplate is used when a redemption's reward title has no
	// mapping and DefaultTemplate is non-empty.
	DefaultTemplate string
}

// WebhookHandler receives EventSub notifications. Every request is verified
// against the shared secret before any payload is trusted.
type WebhookHandler struct {
	cfg    WebhookConfig
	packs  PackCreditor
	queue  Redeemer
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(cfg WebhookConfig, packs PackCreditor, queue Redeemer, logger *slog.Logger) *WebhookHandler {
	if cfg.SubPacks <= 0 {
		cfg.SubPacks = 1
	}
	return &WebhookHandler{
		cfg:    cfg,
		packs:  packs,
		queue:  queue,
		logger: logger.With(slog.String("component", "twitch_webhook")),
	}
}

// envelope is the outer EventSub notification payload.
type envelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !crypto.VerifyEventSubSignature(
		h.cfg.Secret,
		r.Header.Get(crypto.HeaderMessageID),
		r.Header.Get(crypto.HeaderMessageTimestamp),
		body,
		r.Header.Get(crypto.HeaderMessageSignature),
	) {
		h.logger.WarnContext(r.Context(), "signature verification failed",
			slog.String("message_id", r.Header.Get(crypto.HeaderMessageID)),
		)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "decode payload", http.StatusBadRequest)
		return
	}

	switch r.Header.Get(crypto.HeaderMessageType) {
	case messageTypeVerification:
		// Echo the challenge in plain text to confirm the callback.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, env.Challenge)

	case messageTypeRevocation:
		h.logger.WarnContext(r.Context(), "subscription revoked",
			slog.String("type", env.Subscription.Type),
		)
		w.WriteHeader(http.StatusNoContent)

	case messageTypeNotification:
		if err := h.handleNotification(r.Context(), env.Subscription.Type, env.Event); err != nil {
			h.logger.ErrorContext(r.Context(), "notification failed",
				slog.String("type", env.Subscription.Type),
				slog.String("error", err.Error()),
			)
			// Still 2xx: EventSub retries on non-2xx and these failures
			// are not recoverable by redelivery of the same payload.
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *WebhookHandler) handleNotification(ctx context.Context, subType string, event json.RawMessage) error {
	switch subType {
	case "channel.subscribe", "channel.subscription.message":
		var ev struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
		}
		if err := json.Unmarshal(event, &ev); err != nil {
			return fmt.Errorf("twitch: decode subscribe event: %w", err)
		}
		return h.packs.CreditPacks(ctx, ev.UserID, h.cfg.SubPacks, "subscription")

	case "channel.subscription.gift":
		var ev struct {
			UserID string `json:"user_id"`
			Total  int64  `json:"total"`
		}
		if err := json.Unmarshal(event, &ev); err != nil {
			return fmt.Errorf("twitch: decode gift event: %w", err)
		}
		count := ev.Total
		if count <= 0 {
			count = 1
		}
		return h.packs.CreditPacks(ctx, ev.UserID, count*h.cfg.SubPacks, "gift_subscription")

	case "channel.channel_points_custom_reward_redemption.add":
		var ev struct {
			UserID           string `json:"user_id"`
			BroadcasterLogin string `json:"broadcaster_user_login"`
			Reward           struct {
				Title string `json:"title"`
			} `json:"reward"`
		}
		if err := json.Unmarshal(event, &ev); err != nil {
			return fmt.Errorf("twitch: decode redemption event: %w", err)
		}

		template, ok := h.cfg.RewardTemplates[ev.Reward.Title]
		if !ok {
			template = h.cfg.DefaultTemplate
		}
		if template == "" {
			h.logger.DebugContext(ctx, "redemption for unmapped reward ignored",
				slog.String("reward", ev.Reward.Title),
			)
			return nil
		}

		job := h.queue.Enqueue(ctx, ev.BroadcasterLogin, ev.UserID, template)
		h.logger.InfoContext(ctx, "redemption queued",
			slog.String("job_id", job.ID),
			slog.String("channel", ev.BroadcasterLogin),
			slog.String("redeemer", ev.UserID),
		)
		return nil

	default:
		h.logger.DebugContext(ctx, "unhandled notification type",
			slog.String("type", subType),
		)
		return nil
	}
}
