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

func newMarketFixture(t *testing.T) (*memory.Store, *MarketService, *fakeNotifier) {
	t.Helper()
	store := memory.New()
	notes := newFakeNotifier()
	svc := NewMarketService(store, nil, nil, notes, nil, 72*time.Hour, testLogger())
	return store, svc, notes
}

func TestCreateListing(t *testing.T) {
	store, svc, _ := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if listing.Status != domain.ListingActive {
		t.Fatalf("status %s, want active", listing.Status)
	}
	if listing.Snapshot.ID != "card-1" {
		t.Fatalf("snapshot of %s, want card-1", listing.Snapshot.ID)
	}
	if got := instanceStatus(t, store, "card-1"); got != domain.InstancePending {
		t.Fatalf("listed card status %s, want pending", got)
	}

	// The pending mark blocks a second listing of the same card.
	if _, err := svc.CreateListing(ctx, "owner", "card-1"); !errors.Is(err, domain.ErrInstanceBusy) {
		t.Fatalf("relist pending card: got %v, want ErrInstanceBusy", err)
	}
}

func TestCreateListingValidation(t *testing.T) {
	store, svc, _ := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "other", 5)
	card := seedCard(t, store, "card-1", "owner", "Ember Fox", 1)

	if _, err := svc.CreateListing(ctx, "other", "card-1"); !errors.Is(err, domain.ErrNotOwned) {
		t.Fatalf("foreign card: got %v, want ErrNotOwned", err)
	}
	if _, err := svc.CreateListing(ctx, "owner", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown card: got %v, want ErrNotFound", err)
	}

	// An active listing for the same tuple left behind by a concurrent
	// writer trips the duplicate check even though the card reads available.
	stale := domain.Listing{
		ID:         uuid.NewString(),
		OwnerID:    "owner",
		InstanceID: card.ID,
		Snapshot:   card,
		Status:     domain.ListingActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.Listings().Create(ctx, stale); err != nil {
		t.Fatalf("seed stale listing: %v", err)
	}
	if _, err := svc.CreateListing(ctx, "owner", "card-1"); !errors.Is(err, domain.ErrDuplicateListing) {
		t.Fatalf("duplicate tuple: got %v, want ErrDuplicateListing", err)
	}
}

func TestMakeOffer(t *testing.T) {
	store, svc, notes := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)
	seedCard(t, store, "card-2", "bidder", "Tide Caller", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	offer, err := svc.MakeOffer(ctx, listing.ID, "bidder", []string{"card-2"}, 2, "take it")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	if offer.Packs != 2 || len(offer.InstanceIDs) != 1 {
		t.Fatalf("offer %+v malformed", offer)
	}
	// Offered cards are not escrowed at offer time.
	if got := instanceStatus(t, store, "card-2"); got != domain.InstanceAvailable {
		t.Fatalf("offered card status %s, want available", got)
	}
	if notes.received("owner", "offer_received") != 1 {
		t.Fatal("owner was not notified of the offer")
	}

	if _, err := svc.MakeOffer(ctx, listing.ID, "bidder", nil, 1, ""); !errors.Is(err, domain.ErrDuplicateOffer) {
		t.Fatalf("second offer by same bidder: got %v, want ErrDuplicateOffer", err)
	}
	if _, err := svc.MakeOffer(ctx, listing.ID, "owner", nil, 1, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("owner bidding own listing: got %v, want ErrUnauthorized", err)
	}
	if _, err := svc.MakeOffer(ctx, listing.ID, "bidder", nil, -1, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("negative packs: got %v, want ErrInvalidState", err)
	}
	seedAccount(t, store, "poor", 1)
	if _, err := svc.MakeOffer(ctx, listing.ID, "poor", nil, 2, ""); !errors.Is(err, domain.ErrInsufficientPacks) {
		t.Fatalf("uncovered packs: got %v, want ErrInsufficientPacks", err)
	}
}

func TestAcceptOfferSettles(t *testing.T) {
	store, svc, notes := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)
	seedCard(t, store, "card-2", "bidder", "Tide Caller", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	offer, err := svc.MakeOffer(ctx, listing.ID, "bidder", []string{"card-2"}, 2, "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	if err := svc.AcceptOffer(ctx, listing.ID, offer.ID, "owner"); err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	if owner := instanceOwner(t, store, "card-1"); owner != "bidder" {
		t.Fatalf("listed card owned by %s, want bidder", owner)
	}
	if owner := instanceOwner(t, store, "card-2"); owner != "owner" {
		t.Fatalf("offered card owned by %s, want owner", owner)
	}
	if got := instanceStatus(t, store, "card-1"); got != domain.InstanceAvailable {
		t.Fatalf("listed card status %s, want available", got)
	}
	if got := instanceStatus(t, store, "card-2"); got != domain.InstanceAvailable {
		t.Fatalf("offered card status %s, want available", got)
	}
	if got := packBalance(t, store, "owner"); got != 7 {
		t.Fatalf("owner balance %d, want 7", got)
	}
	if got := packBalance(t, store, "bidder"); got != 3 {
		t.Fatalf("bidder balance %d, want 3", got)
	}

	// Sold listings are removed outright, offers with them.
	if _, err := store.Listings().GetByID(ctx, listing.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("sold listing still present: %v", err)
	}
	if notes.received("owner", "listing_sold") != 1 {
		t.Fatal("owner was not notified of the sale")
	}
	if notes.received("bidder", "offer_accepted") != 1 {
		t.Fatal("bidder was not notified of acceptance")
	}
}

func TestAcceptOfferRollsBackOnDriftedOffer(t *testing.T) {
	store, svc, _ := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)
	seedCard(t, store, "card-2", "bidder", "Tide Caller", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	offer, err := svc.MakeOffer(ctx, listing.ID, "bidder", []string{"card-2"}, 2, "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	// The offered card got committed elsewhere after the offer was made.
	if err := store.Accounts().SetInstanceStatus(ctx, "card-2", domain.InstancePending); err != nil {
		t.Fatalf("drift card: %v", err)
	}

	if err := svc.AcceptOffer(ctx, listing.ID, offer.ID, "owner"); !errors.Is(err, domain.ErrOfferInvalid) {
		t.Fatalf("got %v, want ErrOfferInvalid", err)
	}

	// Everything the settlement touched before the drift check rolls back,
	// escrow markers and the provisional transfer included.
	if owner := instanceOwner(t, store, "card-1"); owner != "owner" {
		t.Fatalf("listed card owned by %s after rollback", owner)
	}
	if got := instanceStatus(t, store, "card-1"); got != domain.InstancePending {
		t.Fatalf("listed card status %s after rollback, want pending", got)
	}
	reloaded, err := store.Listings().GetByID(ctx, listing.ID)
	if err != nil {
		t.Fatalf("reload listing: %v", err)
	}
	if reloaded.Status != domain.ListingActive {
		t.Fatalf("listing status %s after rollback, want active", reloaded.Status)
	}
	if _, err := store.Listings().GetOffer(ctx, listing.ID, offer.ID); err != nil {
		t.Fatalf("offer lost in rollback: %v", err)
	}
	if got := packBalance(t, store, "bidder"); got != 5 {
		t.Fatalf("bidder balance %d moved despite rollback", got)
	}
}

func TestAcceptOfferMissingListedCard(t *testing.T) {
	store, svc, _ := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	offer, err := svc.MakeOffer(ctx, listing.ID, "bidder", nil, 1, "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	if err := store.Accounts().DeleteInstance(ctx, "card-1"); err != nil {
		t.Fatalf("delete card: %v", err)
	}
	if err := svc.AcceptOffer(ctx, listing.ID, offer.ID, "owner"); !errors.Is(err, domain.ErrCardMissing) {
		t.Fatalf("got %v, want ErrCardMissing", err)
	}
	if err := svc.AcceptOffer(ctx, listing.ID, offer.ID, "bidder"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-owner accept: got %v, want ErrUnauthorized", err)
	}
}

func TestAcceptOfferCascades(t *testing.T) {
	store, svc, notes := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedAccount(t, store, "carol", 5)
	card1 := seedCard(t, store, "card-1", "owner", "Ember Fox", 1)
	seedCard(t, store, "card-2", "bidder", "Tide Caller", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	offer, err := svc.MakeOffer(ctx, listing.ID, "bidder", []string{"card-2"}, 0, "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	// A second active listing of the same tuple and a pending trade touching
	// the offered card, both left behind by concurrent writers.
	staleListing := domain.Listing{
		ID:         uuid.NewString(),
		OwnerID:    "owner",
		InstanceID: card1.ID,
		Snapshot:   card1,
		Status:     domain.ListingActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.Listings().Create(ctx, staleListing); err != nil {
		t.Fatalf("seed stale listing: %v", err)
	}
	staleTrade := domain.Trade{
		ID:                 uuid.NewString(),
		SenderID:           "bidder",
		RecipientID:        "carol",
		OfferedInstanceIDs: []string{"card-2"},
		Status:             domain.TradePending,
		CreatedAt:          time.Now().UTC(),
	}
	if err := store.Trades().Create(ctx, staleTrade); err != nil {
		t.Fatalf("seed stale trade: %v", err)
	}

	if err := svc.AcceptOffer(ctx, listing.ID, offer.ID, "owner"); err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	gotListing, err := store.Listings().GetByID(ctx, staleListing.ID)
	if err != nil {
		t.Fatalf("reload stale listing: %v", err)
	}
	if gotListing.Status != domain.ListingCancelled || gotListing.Reason != "card sold elsewhere" {
		t.Fatalf("stale listing %s/%q, want cancelled/card sold elsewhere", gotListing.Status, gotListing.Reason)
	}
	gotTrade, err := store.Trades().GetByID(ctx, staleTrade.ID)
	if err != nil {
		t.Fatalf("reload stale trade: %v", err)
	}
	if gotTrade.Status != domain.TradeCancelled || gotTrade.Reason != "card sold elsewhere" {
		t.Fatalf("stale trade %s/%q, want cancelled/card sold elsewhere", gotTrade.Status, gotTrade.Reason)
	}
	if notes.received("carol", "trade_cancelled") != 1 {
		t.Fatal("stale trade counterparty was not notified")
	}
}

func TestRejectAndWithdrawOffer(t *testing.T) {
	store, svc, notes := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	offer, err := svc.MakeOffer(ctx, listing.ID, "bidder", nil, 1, "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	if err := svc.RejectOffer(ctx, listing.ID, offer.ID, "bidder"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-owner reject: got %v, want ErrUnauthorized", err)
	}
	if err := svc.RejectOffer(ctx, listing.ID, offer.ID, "owner"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := store.Listings().GetOffer(ctx, listing.ID, offer.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected offer still present: %v", err)
	}
	if notes.received("bidder", "offer_rejected") != 1 {
		t.Fatal("bidder was not notified of rejection")
	}

	offer, err = svc.MakeOffer(ctx, listing.ID, "bidder", nil, 1, "")
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if err := svc.WithdrawOffer(ctx, listing.ID, offer.ID, "owner"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-offerer withdraw: got %v, want ErrUnauthorized", err)
	}
	if err := svc.WithdrawOffer(ctx, listing.ID, offer.ID, "bidder"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := store.Listings().GetOffer(ctx, listing.ID, offer.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("withdrawn offer still present: %v", err)
	}
}

func TestCancelListingReleasesCard(t *testing.T) {
	store, svc, _ := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if err := svc.CancelListing(ctx, listing.ID, "intruder"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-owner cancel: got %v, want ErrUnauthorized", err)
	}
	if err := svc.CancelListing(ctx, listing.ID, "owner"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := instanceStatus(t, store, "card-1"); got != domain.InstanceAvailable {
		t.Fatalf("card status %s after cancel, want available", got)
	}
	if err := svc.CancelListing(ctx, listing.ID, "owner"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double cancel: got %v, want ErrInvalidState", err)
	}
}

func TestSweepExpired(t *testing.T) {
	store, svc, notes := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-old", "owner", "Ember Fox", 1)
	seedCard(t, store, "card-new", "owner", "Ember Fox", 2)

	base := time.Now().UTC()
	svc.now = func() time.Time { return base.Add(-100 * time.Hour) }
	old, err := svc.CreateListing(ctx, "owner", "card-old")
	if err != nil {
		t.Fatalf("create old listing: %v", err)
	}
	svc.now = func() time.Time { return base }
	fresh, err := svc.CreateListing(ctx, "owner", "card-new")
	if err != nil {
		t.Fatalf("create fresh listing: %v", err)
	}
	if _, err := svc.MakeOffer(ctx, old.ID, "bidder", nil, 1, ""); err != nil {
		t.Fatalf("make offer: %v", err)
	}

	swept, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d listings, want 1", swept)
	}

	gotOld, err := store.Listings().GetByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("reload old listing: %v", err)
	}
	if gotOld.Status != domain.ListingCancelled || gotOld.Reason != "listing expired" {
		t.Fatalf("old listing %s/%q, want cancelled/listing expired", gotOld.Status, gotOld.Reason)
	}
	if got := instanceStatus(t, store, "card-old"); got != domain.InstanceAvailable {
		t.Fatalf("expired card status %s, want available", got)
	}
	gotFresh, err := store.Listings().GetByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("reload fresh listing: %v", err)
	}
	if gotFresh.Status != domain.ListingActive {
		t.Fatalf("fresh listing status %s, want active", gotFresh.Status)
	}
	if notes.received("owner", "listing_expired") != 1 {
		t.Fatal("owner was not notified of expiry")
	}
	if notes.received("bidder", "listing_expired") != 1 {
		t.Fatal("offerer was not notified of expiry")
	}
}

func TestListOffersVisibility(t *testing.T) {
	store, svc, _ := newMarketFixture(t)
	ctx := context.Background()
	seedAccount(t, store, "owner", 5)
	seedAccount(t, store, "bidder", 5)
	seedCard(t, store, "card-1", "owner", "Ember Fox", 1)

	listing, err := svc.CreateListing(ctx, "owner", "card-1")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := svc.MakeOffer(ctx, listing.ID, "bidder", nil, 1, ""); err != nil {
		t.Fatalf("make offer: %v", err)
	}

	offers, err := svc.ListOffers(ctx, listing.ID, "owner")
	if err != nil {
		t.Fatalf("owner list offers: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("owner sees %d offers, want 1", len(offers))
	}
	if _, err := svc.ListOffers(ctx, listing.ID, "bidder"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("bidder list offers: got %v, want ErrUnauthorized", err)
	}
}
