package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/mint"
)

// GrantService covers administrative inventory operations: granting specific
// cards for events, and removing instances with their serial returned to the
// pool.
type GrantService struct {
	store     domain.Store
	allocator *mint.Allocator
	notify    domain.Notifier
	logger    *slog.Logger
}

// NewGrantService creates a GrantService.
func NewGrantService(store domain.Store, allocator *mint.Allocator, notify domain.Notifier, logger *slog.Logger) *GrantService {
	return &GrantService{store: store, allocator: allocator, notify: notify, logger: logger}
}

// GrantCard mints a specific definition/rarity for an account, drawing a
// random serial from that pool. Used for event rewards and support actions.
func (s *GrantService) GrantCard(ctx context.Context, accountID, definition string, rarity domain.Rarity) (domain.CardInstance, error) {
	if !rarity.Valid() {
		return domain.CardInstance{}, fmt.Errorf("grant_service: unknown rarity %q: %w", rarity, domain.ErrInvalidState)
	}
	inst, err := s.allocator.MintExact(ctx, accountID, definition, rarity)
	if err != nil {
		return domain.CardInstance{}, err
	}
	if s.notify != nil {
		if err := s.notify.Notify(ctx, accountID, domain.Notification{
			Type:    "card_granted",
			Message: "You received " + inst.Definition,
		}); err != nil {
			s.logger.Warn("notification failed", "account_id", accountID, "error", err)
		}
	}
	s.logger.Info("card granted",
		"account_id", accountID,
		"definition", definition,
		"rarity", rarity,
		"serial", inst.Serial)
	return inst, nil
}

// RemoveCard deletes a card instance and returns its serial to the pool.
// Any pending trade or active listing referencing the card is cancelled.
func (s *GrantService) RemoveCard(ctx context.Context, instanceID, reason string) error {
	var notices []pendingNotice
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		notices = notices[:0]

		inst, err := tx.Accounts().GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("grant_service: load card: %w", err)
		}

		stale, err := tx.Trades().ListPendingByInstances(ctx, []string{instanceID})
		if err != nil {
			return fmt.Errorf("grant_service: list stale trades: %w", err)
		}
		for _, t := range stale {
			if err := tx.Trades().SetStatus(ctx, t.ID, domain.TradeCancelled, reason); err != nil {
				return fmt.Errorf("grant_service: cascade trade %s: %w", t.ID, err)
			}
			for _, id := range t.InstanceIDs() {
				if id == instanceID {
					continue
				}
				if err := tx.Accounts().SetInstanceStatus(ctx, id, domain.InstanceAvailable); err != nil {
					return fmt.Errorf("grant_service: release card %s: %w", id, err)
				}
			}
			notices = append(notices,
				pendingNotice{t.SenderID, domain.Notification{Type: "trade_cancelled", Message: "Trade cancelled: " + reason}},
				pendingNotice{t.RecipientID, domain.Notification{Type: "trade_cancelled", Message: "Trade cancelled: " + reason}})
		}

		listings, err := tx.Listings().ListActiveByTuple(ctx, inst.Tuple())
		if err != nil {
			return fmt.Errorf("grant_service: list stale listings: %w", err)
		}
		for _, li := range listings {
			if err := tx.Listings().SetStatus(ctx, li.ID, domain.ListingCancelled, reason); err != nil {
				return fmt.Errorf("grant_service: cascade listing %s: %w", li.ID, err)
			}
			notices = append(notices, pendingNotice{li.OwnerID, domain.Notification{
				Type: "listing_cancelled", Message: "Listing cancelled: " + reason,
			}})
		}

		if err := tx.Accounts().DeleteInstance(ctx, instanceID); err != nil {
			return fmt.Errorf("grant_service: delete card: %w", err)
		}
		if err := tx.Cards().ReturnSerial(ctx, inst.Definition, inst.Rarity, inst.Serial); err != nil {
			return fmt.Errorf("grant_service: return serial: %w", err)
		}
		return tx.Audit().Log(ctx, "card_removed", map[string]any{
			"instance_id": instanceID,
			"card":        inst.Tuple(),
			"reason":      reason,
		})
	})
	if err != nil {
		return err
	}
	for _, n := range notices {
		if s.notify != nil {
			if nerr := s.notify.Notify(ctx, n.accountID, n.note); nerr != nil {
				s.logger.Warn("notification failed", "account_id", n.accountID, "error", nerr)
			}
		}
	}
	s.logger.Info("card removed", "instance_id", instanceID, "reason", reason)
	return nil
}

// DuplicateCard clones an existing instance's template fields for an account,
// claiming a fresh serial from the same pool. Reward logic for community
// milestones.
func (s *GrantService) DuplicateCard(ctx context.Context, sourceInstanceID, accountID string) (domain.CardInstance, error) {
	src, err := s.store.Accounts().GetInstance(ctx, sourceInstanceID)
	if err != nil {
		return domain.CardInstance{}, fmt.Errorf("grant_service: load source card: %w", err)
	}
	return s.GrantCard(ctx, accountID, src.Definition, src.Rarity)
}
