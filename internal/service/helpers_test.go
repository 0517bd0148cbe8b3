package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNotifier records notifications per account for assertions.
type fakeNotifier struct {
	mu    sync.Mutex
	notes map[string][]domain.Notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notes: make(map[string][]domain.Notification)}
}

func (f *fakeNotifier) Notify(_ context.Context, accountID string, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[accountID] = append(f.notes[accountID], n)
	return nil
}

// received counts notifications of the given type delivered to the account.
func (f *fakeNotifier) received(accountID, typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notes[accountID] {
		if n.Type == typ {
			count++
		}
	}
	return count
}

// fakeLimiter answers every Allow call with a fixed verdict.
type fakeLimiter struct {
	allow bool
	calls int
}

func (f *fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	f.calls++
	return f.allow, nil
}

func (f *fakeLimiter) Wait(context.Context, string) error { return nil }

func seedAccount(t *testing.T, store *memory.Store, id string, packs int64) {
	t.Helper()
	err := store.Accounts().Create(context.Background(), domain.Account{
		ID:          id,
		DisplayName: id,
		Packs:       packs,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func seedCard(t *testing.T, store *memory.Store, id, ownerID, definition string, serial int) domain.CardInstance {
	t.Helper()
	inst := domain.CardInstance{
		ID:         id,
		Definition: definition,
		Rarity:     domain.RarityRare,
		Serial:     serial,
		OwnerID:    ownerID,
		Status:     domain.InstanceAvailable,
		AcquiredAt: time.Now().UTC(),
	}
	if err := store.Accounts().InsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("seed card %s: %v", id, err)
	}
	return inst
}

func instanceStatus(t *testing.T, store *memory.Store, id string) domain.InstanceStatus {
	t.Helper()
	inst, err := store.Accounts().GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance %s: %v", id, err)
	}
	return inst.Status
}

func instanceOwner(t *testing.T, store *memory.Store, id string) string {
	t.Helper()
	inst, err := store.Accounts().GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance %s: %v", id, err)
	}
	return inst.OwnerID
}

func packBalance(t *testing.T, store *memory.Store, id string) int64 {
	t.Helper()
	acct, err := store.Accounts().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return acct.Packs
}
