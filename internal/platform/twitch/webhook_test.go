package twitch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/crypto"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

const testSecret = "webhook-secret"

type creditCall struct {
	accountID string
	count     int64
	source    string
}

type fakeCreditor struct {
	calls []creditCall
}

func (f *fakeCreditor) CreditPacks(_ context.Context, accountID string, count int64, source string) error {
	f.calls = append(f.calls, creditCall{accountID, count, source})
	return nil
}

type enqueueCall struct {
	channel      string
	redeemerID   string
	packTemplate string
}

type fakeRedeemer struct {
	calls []enqueueCall
}

func (f *fakeRedeemer) Enqueue(_ context.Context, channel, redeemerID, packTemplate string) domain.RedemptionJob {
	f.calls = append(f.calls, enqueueCall{channel, redeemerID, packTemplate})
	return domain.RedemptionJob{ID: "job-1", Channel: channel, RedeemerID: redeemerID}
}

func newWebhook(t *testing.T) (*WebhookHandler, *fakeCreditor, *fakeRedeemer) {
	t.Helper()
	packs := &fakeCreditor{}
	queue := &fakeRedeemer{}
	h := NewWebhookHandler(WebhookConfig{
		Secret:          testSecret,
		SubPacks:        2,
		RewardTemplates: map[string]string{"Open a Pack": "standard"},
	}, packs, queue, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h, packs, queue
}

// signedRequest builds an EventSub request with a valid HMAC signature.
func signedRequest(t *testing.T, messageType, body string) *http.Request {
	t.Helper()
	const (
		id = "msg-1"
		ts = "2026-03-01T12:00:00Z"
	)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(id))
	mac.Write([]byte(ts))
	mac.Write([]byte(body))

	r := httptest.NewRequest(http.MethodPost, "/webhooks/twitch", bytes.NewBufferString(body))
	r.Header.Set(crypto.HeaderMessageID, id)
	r.Header.Set(crypto.HeaderMessageTimestamp, ts)
	r.Header.Set(crypto.HeaderMessageSignature, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	r.Header.Set(crypto.HeaderMessageType, messageType)
	return r
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, packs, _ := newWebhook(t)

	r := signedRequest(t, "notification", `{"subscription":{"type":"channel.subscribe"},"event":{"user_id":"u1"}}`)
	r.Header.Set(crypto.HeaderMessageSignature, "sha256=deadbeef")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}
	if len(packs.calls) != 0 {
		t.Fatal("unsigned notification was processed")
	}
}

func TestWebhookEchoesChallenge(t *testing.T) {
	h, _, _ := newWebhook(t)

	r := signedRequest(t, "webhook_callback_verification", `{"challenge":"pong-token"}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "pong-token" {
		t.Fatalf("challenge echo %q, want pong-token", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content type %q", ct)
	}
}

func TestWebhookCreditsSubscriptions(t *testing.T) {
	h, packs, _ := newWebhook(t)

	r := signedRequest(t, "notification",
		`{"subscription":{"type":"channel.subscribe"},"event":{"user_id":"u1","user_name":"viewer"}}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", w.Code)
	}
	if len(packs.calls) != 1 {
		t.Fatalf("credited %d times, want 1", len(packs.calls))
	}
	got := packs.calls[0]
	if got.accountID != "u1" || got.count != 2 || got.source != "subscription" {
		t.Fatalf("credit %+v", got)
	}
}

func TestWebhookCreditsGiftSubs(t *testing.T) {
	h, packs, _ := newWebhook(t)

	r := signedRequest(t, "notification",
		`{"subscription":{"type":"channel.subscription.gift"},"event":{"user_id":"u1","total":5}}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", w.Code)
	}
	if len(packs.calls) != 1 {
		t.Fatalf("credited %d times, want 1", len(packs.calls))
	}
	got := packs.calls[0]
	if got.count != 10 || got.source != "gift_subscription" {
		t.Fatalf("credit %+v, want 5 gifts x 2 packs", got)
	}
}

func TestWebhookQueuesMappedRedemptions(t *testing.T) {
	h, _, queue := newWebhook(t)

	r := signedRequest(t, "notification",
		`{"subscription":{"type":"channel.channel_points_custom_reward_redemption.add"},`+
			`"event":{"user_id":"u1","broadcaster_user_login":"streamer","reward":{"title":"Open a Pack"}}}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", w.Code)
	}
	if len(queue.calls) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(queue.calls))
	}
	got := queue.calls[0]
	if got.channel != "streamer" || got.redeemerID != "u1" || got.packTemplate != "standard" {
		t.Fatalf("enqueue %+v", got)
	}
}

func TestWebhookIgnoresUnmappedRedemptions(t *testing.T) {
	h, _, queue := newWebhook(t)

	r := signedRequest(t, "notification",
		`{"subscription":{"type":"channel.channel_points_custom_reward_redemption.add"},`+
			`"event":{"user_id":"u1","broadcaster_user_login":"streamer","reward":{"title":"Hydrate"}}}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", w.Code)
	}
	if len(queue.calls) != 0 {
		t.Fatalf("unmapped reward enqueued %+v", queue.calls)
	}
}

func TestWebhookRevocation(t *testing.T) {
	h, _, _ := newWebhook(t)

	r := signedRequest(t, "revocation", `{"subscription":{"type":"channel.subscribe"}}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", w.Code)
	}
}
