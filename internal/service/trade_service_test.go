package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/store/memory"
)

func newTradeFixture(t *testing.T) (*memory.Store, *TradeService, *fakeNotifier) {
	t.Helper()
	store := memory.New()
	notes := newFakeNotifier()
	svc := NewTradeService(store, nil, notes, nil, testLogger())
	return store, svc, notes
}

func TestProposeValidation(t *testing.T) {
	store, svc, _ := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 5)
	seedAccount(t, store, "bob", 2)
	seedCard(t, store, "card-a", "alice", "Ember Fox", 1)
	seedCard(t, store, "card-b", "bob", "Tide Caller", 1)
	busy := seedCard(t, store, "card-busy", "alice", "Ember Fox", 2)
	if err := store.Accounts().SetInstanceStatus(ctx, busy.ID, domain.InstancePending); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	tests := []struct {
		name     string
		proposal TradeProposal
		wantErr  error
	}{
		{
			name:     "self trade",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "alice", OfferedPacks: 1},
			wantErr:  domain.ErrSelfTrade,
		},
		{
			name:     "empty trade",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob"},
			wantErr:  domain.ErrEmptyTrade,
		},
		{
			name:     "negative packs",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob", OfferedPacks: -1},
			wantErr:  domain.ErrInvalidState,
		},
		{
			name:     "sender cannot cover packs",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob", OfferedPacks: 6},
			wantErr:  domain.ErrInsufficientPacks,
		},
		{
			name:     "recipient cannot cover packs",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob", RequestedPacks: 3},
			wantErr:  domain.ErrInsufficientPacks,
		},
		{
			name:     "offered card not owned by sender",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob", OfferedInstanceIDs: []string{"card-b"}},
			wantErr:  domain.ErrNotOwned,
		},
		{
			name:     "offered card unknown",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob", OfferedInstanceIDs: []string{"missing"}},
			wantErr:  domain.ErrNotFound,
		},
		{
			name:     "offered card already committed",
			proposal: TradeProposal{SenderID: "alice", RecipientID: "bob", OfferedInstanceIDs: []string{"card-busy"}},
			wantErr:  domain.ErrInstanceBusy,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Propose(ctx, tc.proposal); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestProposeMarksCardsPending(t *testing.T) {
	store, svc, notes := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 5)
	seedAccount(t, store, "bob", 5)
	seedCard(t, store, "card-a", "alice", "Ember Fox", 1)
	seedCard(t, store, "card-b", "bob", "Tide Caller", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:             "alice",
		RecipientID:          "bob",
		OfferedInstanceIDs:   []string{"card-a"},
		RequestedInstanceIDs: []string{"card-b"},
		OfferedPacks:         2,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if trade.Status != domain.TradePending {
		t.Fatalf("status %s, want pending", trade.Status)
	}
	if got := instanceStatus(t, store, "card-a"); got != domain.InstancePending {
		t.Fatalf("offered card status %s, want pending", got)
	}
	if got := instanceStatus(t, store, "card-b"); got != domain.InstancePending {
		t.Fatalf("requested card status %s, want pending", got)
	}
	// Balances are untouched until acceptance.
	if got := packBalance(t, store, "alice"); got != 5 {
		t.Fatalf("sender balance %d moved at proposal time", got)
	}
	if notes.received("bob", "trade_received") != 1 {
		t.Fatal("recipient was not notified of the proposal")
	}
}

func TestResolveAuthorization(t *testing.T) {
	store, svc, _ := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 5)
	seedAccount(t, store, "bob", 5)
	seedCard(t, store, "card-a", "alice", "Ember Fox", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:           "alice",
		RecipientID:        "bob",
		OfferedInstanceIDs: []string{"card-a"},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Only the recipient accepts or rejects; only the sender cancels.
	if _, err := svc.Resolve(ctx, trade.ID, "alice", domain.DecisionAccept); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("sender accept: got %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Resolve(ctx, trade.ID, "alice", domain.DecisionReject); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("sender reject: got %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Resolve(ctx, trade.ID, "bob", domain.DecisionCancel); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("recipient cancel: got %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Resolve(ctx, trade.ID, "bob", domain.TradeDecision("approve")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("unknown decision: got %v, want ErrInvalidState", err)
	}
}

func TestResolveAcceptSettles(t *testing.T) {
	store, svc, notes := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 10)
	seedAccount(t, store, "bob", 5)
	seedCard(t, store, "card-a", "alice", "Ember Fox", 1)
	seedCard(t, store, "card-b", "bob", "Tide Caller", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:             "alice",
		RecipientID:          "bob",
		OfferedInstanceIDs:   []string{"card-a"},
		RequestedInstanceIDs: []string{"card-b"},
		OfferedPacks:         3,
		RequestedPacks:       1,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	settled, err := svc.Resolve(ctx, trade.ID, "bob", domain.DecisionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if settled.Status != domain.TradeAccepted {
		t.Fatalf("status %s, want accepted", settled.Status)
	}

	if owner := instanceOwner(t, store, "card-a"); owner != "bob" {
		t.Fatalf("offered card owned by %s, want bob", owner)
	}
	if owner := instanceOwner(t, store, "card-b"); owner != "alice" {
		t.Fatalf("requested card owned by %s, want alice", owner)
	}
	if got := instanceStatus(t, store, "card-a"); got != domain.InstanceAvailable {
		t.Fatalf("offered card status %s after settlement", got)
	}
	if got := instanceStatus(t, store, "card-b"); got != domain.InstanceAvailable {
		t.Fatalf("requested card status %s after settlement", got)
	}
	if got := packBalance(t, store, "alice"); got != 8 {
		t.Fatalf("sender balance %d, want 8", got)
	}
	if got := packBalance(t, store, "bob"); got != 7 {
		t.Fatalf("recipient balance %d, want 7", got)
	}
	if notes.received("alice", "trade_accepted") != 1 {
		t.Fatal("sender was not notified of acceptance")
	}

	// Terminal trades admit no further transitions.
	if _, err := svc.Resolve(ctx, trade.ID, "bob", domain.DecisionReject); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("resolve terminal trade: got %v, want ErrInvalidState", err)
	}
}

func TestResolveRejectAndCancelReleaseCards(t *testing.T) {
	tests := []struct {
		name       string
		actor      string
		decision   domain.TradeDecision
		wantStatus domain.TradeStatus
	}{
		{"recipient rejects", "bob", domain.DecisionReject, domain.TradeRejected},
		{"sender cancels", "alice", domain.DecisionCancel, domain.TradeCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, svc, _ := newTradeFixture(t)
			ctx := context.Background()
			seedAccount(t, store, "alice", 5)
			seedAccount(t, store, "bob", 5)
			seedCard(t, store, "card-a", "alice", "Ember Fox", 1)

			trade, err := svc.Propose(ctx, TradeProposal{
				SenderID:           "alice",
				RecipientID:        "bob",
				OfferedInstanceIDs: []string{"card-a"},
			})
			if err != nil {
				t.Fatalf("propose: %v", err)
			}

			resolved, err := svc.Resolve(ctx, trade.ID, tc.actor, tc.decision)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if resolved.Status != tc.wantStatus {
				t.Fatalf("status %s, want %s", resolved.Status, tc.wantStatus)
			}
			if got := instanceStatus(t, store, "card-a"); got != domain.InstanceAvailable {
				t.Fatalf("card status %s, want available after release", got)
			}
			if owner := instanceOwner(t, store, "card-a"); owner != "alice" {
				t.Fatalf("card owned by %s, want alice", owner)
			}
		})
	}
}

func TestFailedAcceptLeavesTradePending(t *testing.T) {
	store, svc, _ := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 5)
	seedAccount(t, store, "bob", 5)
	seedCard(t, store, "card-a", "alice", "Ember Fox", 1)
	seedCard(t, store, "card-b", "bob", "Tide Caller", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:             "alice",
		RecipientID:          "bob",
		OfferedInstanceIDs:   []string{"card-a"},
		RequestedInstanceIDs: []string{"card-b"},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// A moderator removed the requested card between proposal and acceptance.
	if err := store.Accounts().DeleteInstance(ctx, "card-b"); err != nil {
		t.Fatalf("delete card: %v", err)
	}

	if _, err := svc.Resolve(ctx, trade.ID, "bob", domain.DecisionAccept); err == nil {
		t.Fatal("accept succeeded with a missing card")
	}

	// The failed acceptance must not consume the trade: it stays pending and
	// the surviving card stays committed to it.
	got, err := store.Trades().GetByID(ctx, trade.ID)
	if err != nil {
		t.Fatalf("reload trade: %v", err)
	}
	if got.Status != domain.TradePending {
		t.Fatalf("trade status %s after failed accept, want pending", got.Status)
	}
	if st := instanceStatus(t, store, "card-a"); st != domain.InstancePending {
		t.Fatalf("offered card status %s after failed accept, want pending", st)
	}
	if owner := instanceOwner(t, store, "card-a"); owner != "alice" {
		t.Fatalf("offered card owned by %s after rollback", owner)
	}
}

func TestFailedAcceptOnDrainedBalance(t *testing.T) {
	store, svc, _ := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 3)
	seedAccount(t, store, "bob", 5)
	seedCard(t, store, "card-b", "bob", "Tide Caller", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:             "alice",
		RecipientID:          "bob",
		RequestedInstanceIDs: []string{"card-b"},
		OfferedPacks:         3,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// The sender spent their packs elsewhere while the trade sat pending.
	if err := store.Accounts().AdjustPacks(ctx, "alice", -2); err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	if _, err := svc.Resolve(ctx, trade.ID, "bob", domain.DecisionAccept); !errors.Is(err, domain.ErrInsufficientPacks) {
		t.Fatalf("got %v, want ErrInsufficientPacks", err)
	}
	got, err := store.Trades().GetByID(ctx, trade.ID)
	if err != nil {
		t.Fatalf("reload trade: %v", err)
	}
	if got.Status != domain.TradePending {
		t.Fatalf("trade status %s, want pending", got.Status)
	}
}

func TestAcceptCascadeCancelsStaleExchanges(t *testing.T) {
	store, svc, notes := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 5)
	seedAccount(t, store, "bob", 5)
	seedAccount(t, store, "carol", 5)
	cardA := seedCard(t, store, "card-a", "alice", "Ember Fox", 1)
	seedCard(t, store, "card-c", "carol", "Stone Warden", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:           "alice",
		RecipientID:        "bob",
		OfferedInstanceIDs: []string{"card-a"},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Stale state from a concurrent writer: a second pending trade and an
	// active listing both reference the same card.
	stale := domain.Trade{
		ID:                   uuid.NewString(),
		SenderID:             "alice",
		RecipientID:          "carol",
		OfferedInstanceIDs:   []string{"card-a"},
		RequestedInstanceIDs: []string{"card-c"},
		Status:               domain.TradePending,
		CreatedAt:            time.Now().UTC(),
	}
	if err := store.Trades().Create(ctx, stale); err != nil {
		t.Fatalf("seed stale trade: %v", err)
	}
	if err := store.Accounts().SetInstanceStatus(ctx, "card-c", domain.InstancePending); err != nil {
		t.Fatalf("mark card-c: %v", err)
	}
	staleListing := domain.Listing{
		ID:         uuid.NewString(),
		OwnerID:    "alice",
		InstanceID: cardA.ID,
		Snapshot:   cardA,
		Status:     domain.ListingActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.Listings().Create(ctx, staleListing); err != nil {
		t.Fatalf("seed stale listing: %v", err)
	}

	if _, err := svc.Resolve(ctx, trade.ID, "bob", domain.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}

	gotStale, err := store.Trades().GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("reload stale trade: %v", err)
	}
	if gotStale.Status != domain.TradeCancelled {
		t.Fatalf("stale trade status %s, want cancelled", gotStale.Status)
	}
	if gotStale.Reason != "card traded elsewhere" {
		t.Fatalf("stale trade reason %q", gotStale.Reason)
	}
	// The stale trade's other card is released; the transferred card keeps
	// the status the settlement gave it.
	if st := instanceStatus(t, store, "card-c"); st != domain.InstanceAvailable {
		t.Fatalf("card-c status %s, want available", st)
	}
	gotListing, err := store.Listings().GetByID(ctx, staleListing.ID)
	if err != nil {
		t.Fatalf("reload stale listing: %v", err)
	}
	if gotListing.Status != domain.ListingCancelled || gotListing.Reason != "card traded elsewhere" {
		t.Fatalf("stale listing %s/%q, want cancelled/card traded elsewhere", gotListing.Status, gotListing.Reason)
	}
	if notes.received("carol", "trade_cancelled") != 1 {
		t.Fatal("stale trade counterparty was not notified")
	}
	if notes.received("alice", "listing_cancelled") != 1 {
		t.Fatal("stale listing owner was not notified")
	}
}

func TestGetAndListVisibility(t *testing.T) {
	store, svc, _ := newTradeFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "alice", 5)
	seedAccount(t, store, "bob", 5)
	seedCard(t, store, "card-a", "alice", "Ember Fox", 1)

	trade, err := svc.Propose(ctx, TradeProposal{
		SenderID:           "alice",
		RecipientID:        "bob",
		OfferedInstanceIDs: []string{"card-a"},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if _, err := svc.Get(ctx, trade.ID, "alice"); err != nil {
		t.Fatalf("sender get: %v", err)
	}
	if _, err := svc.Get(ctx, trade.ID, "bob"); err != nil {
		t.Fatalf("recipient get: %v", err)
	}
	if _, err := svc.Get(ctx, trade.ID, "carol"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("third party get: got %v, want ErrUnauthorized", err)
	}

	mine, err := svc.ListForAccount(ctx, "alice", domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != trade.ID {
		t.Fatalf("list returned %d trades", len(mine))
	}
}
