package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// Achievement thresholds, in cumulative XP. Crossing one awards bonus packs.
var achievementTiers = []struct {
	XP    int64
	Packs int64
	Name  string
}{
	{100, 1, "collector"},
	{500, 3, "trader"},
	{2000, 5, "magnate"},
}

// ExperienceService is the domain.ExperienceSink backed by the store: XP is a
// column on accounts, achievements award bonus packs when thresholds are
// crossed.
type ExperienceService struct {
	store  domain.Store
	notify domain.Notifier
	logger *slog.Logger
}

// NewExperienceService creates an ExperienceService.
func NewExperienceService(store domain.Store, notify domain.Notifier, logger *slog.Logger) *ExperienceService {
	return &ExperienceService{store: store, notify: notify, logger: logger}
}

// CreditExperience adds XP to the account.
func (s *ExperienceService) CreditExperience(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := s.store.Accounts().AddXP(ctx, accountID, amount); err != nil {
		return fmt.Errorf("xp: credit: %w", err)
	}
	return nil
}

// RecheckAchievements awards packs for every threshold the account's XP has
// crossed but not yet been awarded for. The award is idempotent: the mark and
// the pack grant commit together, so a concurrent recheck awards at most once.
func (s *ExperienceService) RecheckAchievements(ctx context.Context, accountID string) error {
	acct, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("xp: load account: %w", err)
	}
	for _, tier := range achievementTiers {
		if acct.XP < tier.XP {
			break
		}
		var first bool
		err := s.store.InTx(ctx, func(tx domain.Tx) error {
			var err error
			first, err = tx.Accounts().MarkAchievement(ctx, accountID, tier.Name)
			if err != nil {
				return fmt.Errorf("xp: mark achievement: %w", err)
			}
			if !first {
				return nil
			}
			if err := tx.Accounts().AdjustPacks(ctx, accountID, tier.Packs); err != nil {
				return fmt.Errorf("xp: award packs: %w", err)
			}
			return tx.Audit().Log(ctx, "achievement_awarded", map[string]any{
				"account_id":  accountID,
				"achievement": tier.Name,
				"packs":       tier.Packs,
			})
		})
		if err != nil {
			return err
		}
		if !first {
			continue
		}
		if s.notify != nil {
			if err := s.notify.Notify(ctx, accountID, domain.Notification{
				Type:    "achievement",
				Message: "Achievement unlocked: " + tier.Name,
			}); err != nil {
				s.logger.Warn("notification failed", "account_id", accountID, "error", err)
			}
		}
		s.logger.Info("achievement awarded", "account_id", accountID, "achievement", tier.Name)
	}
	return nil
}
