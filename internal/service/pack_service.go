package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/mint"
)

// Default pack-opening rate limit per account.
const (
	defaultOpenLimit  = 5
	defaultOpenWindow = 10 * time.Second
)

const packOpenXP = 10

// PackService spends pack currency to mint cards through the allocator.
type PackService struct {
	store      domain.Store
	allocator  *mint.Allocator
	limiter    domain.RateLimiter
	bus        domain.SignalBus
	xp         domain.ExperienceSink
	openLimit  int
	openWindow time.Duration
	logger     *slog.Logger
}

// NewPackService creates a PackService with all required dependencies.
// openLimit/openWindow bound pack opening per account; zero values fall back
// to the defaults.
func NewPackService(
	store domain.Store,
	allocator *mint.Allocator,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	xp domain.ExperienceSink,
	openLimit int,
	openWindow time.Duration,
	logger *slog.Logger,
) *PackService {
	if openLimit <= 0 {
		openLimit = defaultOpenLimit
	}
	if openWindow <= 0 {
		openWindow = defaultOpenWindow
	}
	return &PackService{
		store:      store,
		allocator:  allocator,
		limiter:    limiter,
		bus:        bus,
		xp:         xp,
		openLimit:  openLimit,
		openWindow: openWindow,
		logger:     logger,
	}
}

// OpenPack debits one pack from the account and mints the template's cards.
// The debit commits before minting; if the mint then fails outright the pack
// is refunded.
func (s *PackService) OpenPack(ctx context.Context, accountID, templateName string) ([]domain.CardInstance, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "packs:"+accountID, s.openLimit, s.openWindow)
		if err != nil {
			return nil, fmt.Errorf("pack_service: rate limiter: %w", err)
		}
		if !allowed {
			return nil, domain.ErrRateLimited
		}
	}

	tmpl, err := s.store.Cards().GetPackTemplate(ctx, templateName)
	if err != nil {
		return nil, fmt.Errorf("pack_service: load template %q: %w", templateName, err)
	}

	if err := s.store.Accounts().AdjustPacks(ctx, accountID, -1); err != nil {
		return nil, fmt.Errorf("pack_service: debit pack: %w", err)
	}

	cards, err := s.allocator.MintPack(ctx, accountID, tmpl.Size, tmpl.Definitions)
	if err != nil {
		if refundErr := s.store.Accounts().AdjustPacks(ctx, accountID, 1); refundErr != nil {
			s.logger.Error("pack refund failed",
				"account_id", accountID, "error", refundErr)
		}
		if errors.Is(err, domain.ErrNoInventory) || errors.Is(err, domain.ErrMintContention) {
			return nil, err
		}
		return nil, fmt.Errorf("pack_service: mint pack: %w", err)
	}

	if s.xp != nil {
		if err := s.xp.CreditExperience(ctx, accountID, packOpenXP); err != nil {
			s.logger.Warn("xp credit failed", "account_id", accountID, "error", err)
		}
	}
	s.publishOpened(ctx, accountID, cards)
	s.logger.Info("pack opened",
		"account_id", accountID,
		"template", templateName,
		"cards", len(cards))
	return cards, nil
}

// CreditPacks adds pack currency to an account (subscription rewards, gifts,
// channel point conversions).
func (s *PackService) CreditPacks(ctx context.Context, accountID string, count int64, source string) error {
	if count <= 0 {
		return fmt.Errorf("pack_service: non-positive credit: %w", domain.ErrInvalidState)
	}
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.Accounts().AdjustPacks(ctx, accountID, count); err != nil {
			return fmt.Errorf("pack_service: credit packs: %w", err)
		}
		return tx.Audit().Log(ctx, "packs_credited", map[string]any{
			"account_id": accountID,
			"count":      count,
			"source":     source,
		})
	})
	if err != nil {
		return err
	}
	s.logger.Info("packs credited", "account_id", accountID, "count", count, "source", source)
	return nil
}

func (s *PackService) publishOpened(ctx context.Context, accountID string, cards []domain.CardInstance) {
	if s.bus == nil {
		return
	}
	tuples := make([]domain.CardTuple, len(cards))
	for i, c := range cards {
		tuples[i] = c.Tuple()
	}
	payload, err := json.Marshal(map[string]any{
		"event":      "pack.opened",
		"account_id": accountID,
		"cards":      tuples,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "ch:packs", payload); err != nil {
		s.logger.Warn("bus publish failed", "event", "pack.opened", "error", err)
	}
}
