package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// MarketService runs the listing/offer engine: one listed card per listing,
// at most one offer per bidder, and an escrow-stepped atomic settlement.
type MarketService struct {
	store  domain.Store
	locks  domain.LockManager
	bus    domain.SignalBus
	notify domain.Notifier
	xp     domain.ExperienceSink
	logger *slog.Logger
	now    func() time.Time

	// listingMaxAge is the expiry threshold for the background sweep.
	listingMaxAge time.Duration
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	store domain.Store,
	locks domain.LockManager,
	bus domain.SignalBus,
	notify domain.Notifier,
	xp domain.ExperienceSink,
	listingMaxAge time.Duration,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		store:         store,
		locks:         locks,
		bus:           bus,
		notify:        notify,
		xp:            xp,
		listingMaxAge: listingMaxAge,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateListing lists one owned, available card for offers. The card is
// marked pending so it cannot be traded or listed again while active.
func (s *MarketService) CreateListing(ctx context.Context, ownerID, instanceID string) (domain.Listing, error) {
	var listing domain.Listing
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		inst, err := tx.Accounts().GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("market_service: load card: %w", err)
		}
		if inst.OwnerID != ownerID {
			return domain.ErrNotOwned
		}
		if inst.Status != domain.InstanceAvailable {
			return domain.ErrInstanceBusy
		}
		exists, err := tx.Listings().ActiveListingExists(ctx, ownerID, inst.Tuple())
		if err != nil {
			return fmt.Errorf("market_service: duplicate check: %w", err)
		}
		if exists {
			return domain.ErrDuplicateListing
		}

		listing = domain.Listing{
			ID:         uuid.NewString(),
			OwnerID:    ownerID,
			InstanceID: inst.ID,
			Snapshot:   inst,
			Status:     domain.ListingActive,
			CreatedAt:  s.now().UTC(),
		}
		if err := tx.Listings().Create(ctx, listing); err != nil {
			return fmt.Errorf("market_service: create listing: %w", err)
		}
		if err := tx.Accounts().SetInstanceStatus(ctx, inst.ID, domain.InstancePending); err != nil {
			return fmt.Errorf("market_service: mark card pending: %w", err)
		}
		return tx.Audit().Log(ctx, "listing_created", map[string]any{
			"listing_id": listing.ID,
			"owner_id":   ownerID,
			"card":       inst.Tuple(),
		})
	})
	if err != nil {
		return domain.Listing{}, err
	}

	s.publishMarket(ctx, "listing.created", listing.ID)
	s.logger.Info("listing created", "listing_id", listing.ID, "owner_id", ownerID)
	return listing, nil
}

// MakeOffer places a bid on an active listing. Offered cards stay available;
// escrow happens only at acceptance.
func (s *MarketService) MakeOffer(ctx context.Context, listingID, offererID string, instanceIDs []string, packs int64, message string) (domain.Offer, error) {
	if packs < 0 {
		return domain.Offer{}, fmt.Errorf("market_service: negative pack amount: %w", domain.ErrInvalidState)
	}
	offer := domain.Offer{
		ID:          uuid.NewString(),
		ListingID:   listingID,
		OffererID:   offererID,
		InstanceIDs: dedupe(instanceIDs),
		Packs:       packs,
		Message:     message,
		CreatedAt:   s.now().UTC(),
	}

	var ownerID string
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		listing, err := tx.Listings().GetByID(ctx, listingID)
		if err != nil {
			return fmt.Errorf("market_service: load listing: %w", err)
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrInvalidState
		}
		if listing.OwnerID == offererID {
			return fmt.Errorf("market_service: cannot bid on own listing: %w", domain.ErrUnauthorized)
		}
		dup, err := tx.Listings().HasActiveOffer(ctx, listingID, offererID)
		if err != nil {
			return fmt.Errorf("market_service: duplicate offer check: %w", err)
		}
		if dup {
			return domain.ErrDuplicateOffer
		}

		offerer, err := tx.Accounts().Get(ctx, offererID)
		if err != nil {
			return fmt.Errorf("market_service: load offerer: %w", err)
		}
		if offerer.Packs < packs {
			return domain.ErrInsufficientPacks
		}
		for _, id := range offer.InstanceIDs {
			inst, err := tx.Accounts().GetInstance(ctx, id)
			if err != nil {
				return fmt.Errorf("market_service: offered card %s: %w", id, err)
			}
			if inst.OwnerID != offererID {
				return fmt.Errorf("market_service: offered card %s: %w", id, domain.ErrNotOwned)
			}
			if inst.Status != domain.InstanceAvailable {
				return fmt.Errorf("market_service: offered card %s: %w", id, domain.ErrInstanceBusy)
			}
		}

		if err := tx.Listings().AddOffer(ctx, offer); err != nil {
			return fmt.Errorf("market_service: add offer: %w", err)
		}
		ownerID = listing.OwnerID
		return tx.Audit().Log(ctx, "offer_made", map[string]any{
			"listing_id": listingID,
			"offer_id":   offer.ID,
			"offerer_id": offererID,
		})
	})
	if err != nil {
		return domain.Offer{}, err
	}

	s.afterCommit(ctx, ownerID, domain.Notification{
		Type:    "offer_received",
		Message: "You received an offer on your listing",
		Link:    "/market/" + listingID,
	})
	s.publishMarket(ctx, "offer.made", listingID)
	return offer, nil
}

// AcceptOffer settles a listing against one of its offers. The whole
// sequence runs inside a single store transaction: escrow-mark then transfer
// the listed card, re-validate and escrow-then-transfer every offered card,
// delete the listing, cascade-cancel other listings of the same card tuple,
// and move the pack leg. A validation failure at any step rolls everything
// back, including the escrow markers already written.
func (s *MarketService) AcceptOffer(ctx context.Context, listingID, offerID, ownerID string) error {
	// One settlement per listing at a time across processes.
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "settle:listing:"+listingID, 10*time.Second)
		if err != nil {
			return fmt.Errorf("market_service: settlement lock: %w", err)
		}
		defer unlock()
	}

	var (
		offer   domain.Offer
		notices []pendingNotice
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		notices = notices[:0]

		listing, err := tx.Listings().GetByID(ctx, listingID)
		if err != nil {
			return fmt.Errorf("market_service: load listing: %w", err)
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrInvalidState
		}
		if listing.OwnerID != ownerID {
			return domain.ErrUnauthorized
		}
		offer, err = tx.Listings().GetOffer(ctx, listingID, offerID)
		if err != nil {
			return fmt.Errorf("market_service: load offer: %w", err)
		}

		// The listed card must still be in the owner's inventory. Admin
		// removal since listing is the only way it disappears.
		listed, err := tx.Accounts().GetInstance(ctx, listing.InstanceID)
		if err != nil || listed.OwnerID != ownerID {
			return domain.ErrCardMissing
		}

		// Escrow marker before the move: a card found in escrow after a
		// crash is a reconciliation signal, not silent loss.
		if err := tx.Accounts().SetInstanceStatus(ctx, listed.ID, domain.InstanceEscrow); err != nil {
			return fmt.Errorf("market_service: escrow listed card: %w", err)
		}
		if err := tx.Accounts().TransferInstance(ctx, listed.ID, offer.OffererID, domain.InstanceAvailable); err != nil {
			return fmt.Errorf("market_service: transfer listed card: %w", err)
		}

		// Offered cards were never escrowed, so the offerer's holdings may
		// have drifted since the offer was made.
		for _, id := range offer.InstanceIDs {
			inst, err := tx.Accounts().GetInstance(ctx, id)
			if err != nil || inst.OwnerID != offer.OffererID {
				return domain.ErrOfferInvalid
			}
			if inst.Status != domain.InstanceAvailable {
				return domain.ErrOfferInvalid
			}
		}
		for _, id := range offer.InstanceIDs {
			if err := tx.Accounts().SetInstanceStatus(ctx, id, domain.InstanceEscrow); err != nil {
				return fmt.Errorf("market_service: escrow offered card %s: %w", id, err)
			}
			if err := tx.Accounts().TransferInstance(ctx, id, ownerID, domain.InstanceAvailable); err != nil {
				return fmt.Errorf("market_service: transfer offered card %s: %w", id, err)
			}
		}

		// Accepted listings are removed outright, offers included.
		if err := tx.Listings().Delete(ctx, listingID); err != nil {
			return fmt.Errorf("market_service: delete listing: %w", err)
		}

		others, err := tx.Listings().ListActiveByTuple(ctx, listing.Tuple())
		if err != nil {
			return fmt.Errorf("market_service: list stale listings: %w", err)
		}
		for _, li := range others {
			if li.ID == listingID {
				continue
			}
			if err := tx.Listings().SetStatus(ctx, li.ID, domain.ListingCancelled, reasonCardSold); err != nil {
				return fmt.Errorf("market_service: cascade listing %s: %w", li.ID, err)
			}
			if err := tx.Audit().Log(ctx, "listing_cascade_cancelled", map[string]any{
				"listing_id": li.ID,
				"reason":     reasonCardSold,
			}); err != nil {
				return err
			}
			notices = append(notices, pendingNotice{li.OwnerID, domain.Notification{
				Type:    "listing_cancelled",
				Message: "Listing cancelled: " + reasonCardSold,
				Link:    "/market/" + li.ID,
			}})
		}

		// Cards that changed hands invalidate pending trades too.
		moved := append([]string{listed.ID}, offer.InstanceIDs...)
		cascaded, err := cascadeAfterTransfer(ctx, tx, "", moved, reasonCardSold)
		if err != nil {
			return err
		}
		notices = append(notices, cascaded...)

		if offer.Packs > 0 {
			if err := movePacks(ctx, tx, offer.OffererID, ownerID, offer.Packs); err != nil {
				return err
			}
		}

		return tx.Audit().Log(ctx, "listing_sold", map[string]any{
			"listing_id": listingID,
			"offer_id":   offerID,
			"owner_id":   ownerID,
			"offerer_id": offer.OffererID,
			"packs":      offer.Packs,
			"cards":      len(offer.InstanceIDs) + 1,
		})
	})
	if err != nil {
		return err
	}

	s.afterCommit(ctx, ownerID, domain.Notification{
		Type:    "listing_sold",
		Message: "Your listing sold",
	})
	s.afterCommit(ctx, offer.OffererID, domain.Notification{
		Type:    "offer_accepted",
		Message: "Your offer was accepted",
	})
	for _, n := range notices {
		s.afterCommit(ctx, n.accountID, n.note)
	}
	s.creditBoth(ctx, ownerID, offer.OffererID, marketSettleXP)
	s.publishMarket(ctx, "listing.sold", listingID)
	s.logger.Info("listing sold",
		"listing_id", listingID,
		"offer_id", offerID,
		"owner_id", ownerID,
		"offerer_id", offer.OffererID)
	return nil
}

// CancelListing withdraws an active listing and releases the listed card.
func (s *MarketService) CancelListing(ctx context.Context, listingID, ownerID string) error {
	return s.closeListing(ctx, listingID, ownerID, "cancelled by owner", false)
}

// RejectOffer removes an offer from a listing. Offered cards were never
// escrowed, so there is no inventory effect.
func (s *MarketService) RejectOffer(ctx context.Context, listingID, offerID, ownerID string) error {
	var offererID string
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		listing, err := tx.Listings().GetByID(ctx, listingID)
		if err != nil {
			return fmt.Errorf("market_service: load listing: %w", err)
		}
		if listing.OwnerID != ownerID {
			return domain.ErrUnauthorized
		}
		offer, err := tx.Listings().GetOffer(ctx, listingID, offerID)
		if err != nil {
			return fmt.Errorf("market_service: load offer: %w", err)
		}
		if err := tx.Listings().RemoveOffer(ctx, offerID); err != nil {
			return fmt.Errorf("market_service: remove offer: %w", err)
		}
		offererID = offer.OffererID
		return tx.Audit().Log(ctx, "offer_rejected", map[string]any{
			"listing_id": listingID,
			"offer_id":   offerID,
		})
	})
	if err != nil {
		return err
	}
	s.afterCommit(ctx, offererID, domain.Notification{
		Type:    "offer_rejected",
		Message: "Your offer was declined",
		Link:    "/market/" + listingID,
	})
	return nil
}

// WithdrawOffer removes the caller's own offer from a listing.
func (s *MarketService) WithdrawOffer(ctx context.Context, listingID, offerID, offererID string) error {
	return s.store.InTx(ctx, func(tx domain.Tx) error {
		offer, err := tx.Listings().GetOffer(ctx, listingID, offerID)
		if err != nil {
			return fmt.Errorf("market_service: load offer: %w", err)
		}
		if offer.OffererID != offererID {
			return domain.ErrUnauthorized
		}
		if err := tx.Listings().RemoveOffer(ctx, offerID); err != nil {
			return fmt.Errorf("market_service: remove offer: %w", err)
		}
		return tx.Audit().Log(ctx, "offer_withdrawn", map[string]any{
			"listing_id": listingID,
			"offer_id":   offerID,
		})
	})
}

// GetListing returns a listing by id.
func (s *MarketService) GetListing(ctx context.Context, listingID string) (domain.Listing, error) {
	return s.store.Listings().GetByID(ctx, listingID)
}

// ListActive returns active listings, newest first.
func (s *MarketService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	return s.store.Listings().ListActive(ctx, opts)
}

// ListOffers returns a listing's offers, visible to its owner only.
func (s *MarketService) ListOffers(ctx context.Context, listingID, accountID string) ([]domain.Offer, error) {
	listing, err := s.store.Listings().GetByID(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("market_service: load listing: %w", err)
	}
	if listing.OwnerID != accountID {
		return nil, domain.ErrUnauthorized
	}
	return s.store.Listings().ListOffers(ctx, listingID)
}

// SweepExpired force-expires listings older than the configured threshold.
// Same effect as owner cancellation, plus notifications to the owner and
// every offerer. Returns the number of listings expired.
func (s *MarketService) SweepExpired(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.listingMaxAge)
	expired, err := s.store.Listings().ListActiveBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("market_service: list expired: %w", err)
	}
	var swept int
	for _, li := range expired {
		if err := s.closeListing(ctx, li.ID, li.OwnerID, "listing expired", true); err != nil {
			s.logger.Warn("listing expiry failed", "listing_id", li.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("expired listings swept", "count", swept)
	}
	return swept, nil
}

// closeListing cancels an active listing, releases the listed card, and
// notifies the owner and (when expired by the sweep) every offerer.
func (s *MarketService) closeListing(ctx context.Context, listingID, ownerID, reason string, notifyAll bool) error {
	var offerers []string
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		offerers = offerers[:0]

		listing, err := tx.Listings().GetByID(ctx, listingID)
		if err != nil {
			return fmt.Errorf("market_service: load listing: %w", err)
		}
		if listing.OwnerID != ownerID {
			return domain.ErrUnauthorized
		}
		if listing.Status != domain.ListingActive {
			return domain.ErrInvalidState
		}

		offers, err := tx.Listings().ListOffers(ctx, listingID)
		if err != nil {
			return fmt.Errorf("market_service: list offers: %w", err)
		}
		for _, o := range offers {
			offerers = append(offerers, o.OffererID)
		}

		if err := tx.Listings().SetStatus(ctx, listingID, domain.ListingCancelled, reason); err != nil {
			return fmt.Errorf("market_service: set status: %w", err)
		}
		// The card may have been removed by an admin since listing; losing
		// the status reset in that case is fine.
		if err := tx.Accounts().SetInstanceStatus(ctx, listing.InstanceID, domain.InstanceAvailable); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("market_service: release card: %w", err)
		}
		return tx.Audit().Log(ctx, "listing_cancelled", map[string]any{
			"listing_id": listingID,
			"reason":     reason,
		})
	})
	if err != nil {
		return err
	}

	if notifyAll {
		s.afterCommit(ctx, ownerID, domain.Notification{
			Type:    "listing_expired",
			Message: "Your listing expired",
			Link:    "/market/" + listingID,
		})
		for _, id := range offerers {
			s.afterCommit(ctx, id, domain.Notification{
				Type:    "listing_expired",
				Message: "A listing you bid on expired",
				Link:    "/market/" + listingID,
			})
		}
	}
	s.publishMarket(ctx, "listing.cancelled", listingID)
	return nil
}

func (s *MarketService) afterCommit(ctx context.Context, accountID string, n domain.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, accountID, n); err != nil {
		s.logger.Warn("notification failed", "account_id", accountID, "type", n.Type, "error", err)
	}
}

func (s *MarketService) creditBoth(ctx context.Context, a, b string, amount int64) {
	if s.xp == nil {
		return
	}
	for _, id := range []string{a, b} {
		if err := s.xp.CreditExperience(ctx, id, amount); err != nil {
			s.logger.Warn("xp credit failed", "account_id", id, "error", err)
			continue
		}
		if err := s.xp.RecheckAchievements(ctx, id); err != nil {
			s.logger.Warn("achievement recheck failed", "account_id", id, "error", err)
		}
	}
}

func (s *MarketService) publishMarket(ctx context.Context, event, listingID string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "listing_id": listingID})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "ch:market", payload); err != nil {
		s.logger.Warn("bus publish failed", "event", event, "error", err)
	}
}
