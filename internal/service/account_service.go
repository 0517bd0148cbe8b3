package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// AccountService handles account lookup/provisioning and collection reads.
type AccountService struct {
	store        domain.Store
	starterPacks int64
	logger       *slog.Logger
	now          func() time.Time
}

// NewAccountService creates an AccountService. starterPacks is the pack
// balance granted to newly provisioned accounts.
func NewAccountService(store domain.Store, starterPacks int64, logger *slog.Logger) *AccountService {
	return &AccountService{store: store, starterPacks: starterPacks, logger: logger, now: time.Now}
}

// GetOrCreate returns the account, provisioning it on first sight. New
// accounts start with a small pack grant.
func (s *AccountService) GetOrCreate(ctx context.Context, id, displayName string) (domain.Account, error) {
	acct, err := s.store.Accounts().Get(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("account_service: load account: %w", err)
	}

	acct = domain.Account{
		ID:          id,
		DisplayName: displayName,
		Packs:       s.starterPacks,
		CreatedAt:   s.now().UTC(),
	}
	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Accounts().Get(ctx, id); err == nil {
			return nil // lost the provisioning race, fine
		}
		if err := tx.Accounts().Create(ctx, acct); err != nil {
			return fmt.Errorf("account_service: create account: %w", err)
		}
		return tx.Audit().Log(ctx, "account_created", map[string]any{"account_id": id})
	})
	if err != nil {
		return domain.Account{}, err
	}
	s.logger.Info("account provisioned", "account_id", id)
	return s.store.Accounts().Get(ctx, id)
}

// Get returns an account by id.
func (s *AccountService) Get(ctx context.Context, id string) (domain.Account, error) {
	return s.store.Accounts().Get(ctx, id)
}

// Collection returns every card instance the account owns.
func (s *AccountService) Collection(ctx context.Context, accountID string) ([]domain.CardInstance, error) {
	return s.store.Accounts().ListInstances(ctx, accountID)
}
