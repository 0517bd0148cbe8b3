// Package mint implements the unique mint allocator: it claims one
// unreclaimed serial number per minted card, atomically, so that no duplicate
// (definition, rarity, serial) tuple ever exists across the population.
package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

const (
	// maxMintRetries bounds the optimistic claim loop. Losing a claim race is
	// a retry signal, not an error; exhausting the bound is reported as
	// ErrMintContention so operators can tell contention from empty pools.
	maxMintRetries = 25

	baseBackoff = 2 * time.Millisecond
	maxBackoff  = 250 * time.Millisecond
)

// rarityWeight is one row of the fixed probability table, in parts per 1000.
type rarityWeight struct {
	rarity domain.Rarity
	weight int
}

// Common tiers carry the bulk of the cumulative probability; the rare tiers
// carry small slivers. Weights sum to 1000.
var rarityWeights = []rarityWeight{
	{domain.RarityBasic, 400},
	{domain.RarityCommon, 250},
	{domain.RarityStandard, 150},
	{domain.RarityUncommon, 110},
	{domain.RarityRare, 50},
	{domain.RarityEpic, 25},
	{domain.RarityLegendary, 12},
	{domain.RarityMythic, 3},
}

// Allocator mints card instances against the catalog's serial pools using an
// optimistic-concurrency claim loop.
type Allocator struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAllocator creates an Allocator over the given store.
func NewAllocator(store domain.Store, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:  store,
		logger: logger.With(slog.String("component", "mint")),
		now:    time.Now,
	}
}

// drawRarity samples a tier from the probability table, restricted to tiers
// at or above minRank with weights renormalized over that subset.
func drawRarity(minRank int) domain.Rarity {
	total := 0
	for _, rw := range rarityWeights {
		if rw.rarity.Rank() >= minRank {
			total += rw.weight
		}
	}
	roll := rand.IntN(total)
	for _, rw := range rarityWeights {
		if rw.rarity.Rank() < minRank {
			continue
		}
		if roll < rw.weight {
			return rw.rarity
		}
		roll -= rw.weight
	}
	return rarityWeights[len(rarityWeights)-1].rarity
}

// MintCard mints one card for the owner, optionally restricted to the given
// definition scope. It returns domain.ErrNoInventory when nothing in scope
// has serials left, and domain.ErrMintContention when the claim loop loses
// too many races.
func (a *Allocator) MintCard(ctx context.Context, ownerID string, scope []string) (domain.CardInstance, error) {
	return a.mint(ctx, ownerID, scope, 0)
}

// MintRareOrAbove mints one card whose tier is Rare or better.
func (a *Allocator) MintRareOrAbove(ctx context.Context, ownerID string, scope []string) (domain.CardInstance, error) {
	return a.mint(ctx, ownerID, scope, domain.RarityRare.Rank())
}

func (a *Allocator) mint(ctx context.Context, ownerID string, scope []string, minRank int) (domain.CardInstance, error) {
	cards := a.store.Cards()
	accounts := a.store.Accounts()

	backoff := baseBackoff
	for attempt := 1; attempt <= maxMintRetries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff); err != nil {
				return domain.CardInstance{}, err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		now := a.now().UTC()
		rarity := drawRarity(minRank)

		defs, err := cards.ListMintable(ctx, rarity, scope, now)
		if err != nil {
			return domain.CardInstance{}, fmt.Errorf("mint: list mintable: %w", err)
		}
		if len(defs) == 0 {
			empty, err := a.scopeEmpty(ctx, cards, scope, minRank, now)
			if err != nil {
				return domain.CardInstance{}, err
			}
			if empty {
				return domain.CardInstance{}, domain.ErrNoInventory
			}
			// The drawn tier is empty but another tier still has stock;
			// redraw.
			continue
		}

		def := defs[rand.IntN(len(defs))]
		pool, ok := def.PoolFor(rarity)
		if !ok || len(pool.Serials) == 0 {
			continue
		}
		serial := pool.Serials[rand.IntN(len(pool.Serials))]

		tuple := domain.CardTuple{Definition: def.Name, Rarity: rarity, Serial: serial}

		// The sample above and the claim below are not one operation, so a
		// concurrent caller may already hold this tuple. Abandon and retry.
		exists, err := accounts.TupleExists(ctx, tuple)
		if err != nil {
			return domain.CardInstance{}, fmt.Errorf("mint: tuple check: %w", err)
		}
		if exists {
			continue
		}

		err = cards.ClaimSerial(ctx, def.Name, rarity, serial)
		if errors.Is(err, domain.ErrSerialClaimed) {
			continue
		}
		if err != nil {
			return domain.CardInstance{}, fmt.Errorf("mint: claim serial: %w", err)
		}

		inst := domain.CardInstance{
			ID:         uuid.New().String(),
			Definition: def.Name,
			Rarity:     rarity,
			Serial:     serial,
			OwnerID:    ownerID,
			Status:     domain.InstanceAvailable,
			AcquiredAt: now,
		}
		if err := accounts.InsertInstance(ctx, inst); err != nil {
			// Hand the serial back so the claim does not leak out of the pool.
			if rerr := cards.ReturnSerial(ctx, def.Name, rarity, serial); rerr != nil {
				a.logger.ErrorContext(ctx, "return serial after failed insert",
					slog.String("definition", def.Name),
					slog.String("rarity", string(rarity)),
					slog.Int("serial", serial),
					slog.String("error", rerr.Error()),
				)
			}
			return domain.CardInstance{}, fmt.Errorf("mint: insert instance: %w", err)
		}

		if auditErr := a.store.Audit().Log(ctx, "card_minted", map[string]any{
			"instance_id": inst.ID,
			"definition":  inst.Definition,
			"rarity":      string(inst.Rarity),
			"serial":      inst.Serial,
			"owner_id":    inst.OwnerID,
			"attempt":     attempt,
		}); auditErr != nil {
			a.logger.WarnContext(ctx, "audit log failed",
				slog.String("instance_id", inst.ID),
				slog.String("error", auditErr.Error()),
			)
		}

		a.logger.DebugContext(ctx, "card minted",
			slog.String("definition", inst.Definition),
			slog.String("rarity", string(inst.Rarity)),
			slog.Int("serial", inst.Serial),
			slog.Int("attempt", attempt),
		)
		return inst, nil
	}

	return domain.CardInstance{}, domain.ErrMintContention
}

// scopeEmpty reports whether no tier at or above minRank has inventory left
// in scope.
func (a *Allocator) scopeEmpty(ctx context.Context, cards domain.CardStore, scope []string, minRank int, now time.Time) (bool, error) {
	if minRank == 0 {
		any, err := cards.AnyMintable(ctx, scope, now)
		if err != nil {
			return false, fmt.Errorf("mint: any mintable: %w", err)
		}
		return !any, nil
	}
	for _, r := range domain.Rarities {
		if r.Rank() < minRank {
			continue
		}
		defs, err := cards.ListMintable(ctx, r, scope, now)
		if err != nil {
			return false, fmt.Errorf("mint: list mintable: %w", err)
		}
		if len(defs) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// MintPack mints size cards for the owner using the given scope, guaranteeing
// at least one card of Rare or better per pack. If the initial draws contain
// no such card, the first slot is replaced by a rare-or-above mint and the
// replaced card's serial is returned to its pool.
func (a *Allocator) MintPack(ctx context.Context, ownerID string, size int, scope []string) ([]domain.CardInstance, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mint: pack size %d is not positive", size)
	}

	cards := make([]domain.CardInstance, 0, size)
	hasRare := false
	for i := 0; i < size; i++ {
		inst, err := a.MintCard(ctx, ownerID, scope)
		if err != nil {
			a.release(ctx, cards)
			return nil, err
		}
		if inst.Rarity.AtLeast(domain.RarityRare) {
			hasRare = true
		}
		cards = append(cards, inst)
	}

	if !hasRare {
		rare, err := a.MintRareOrAbove(ctx, ownerID, scope)
		if err != nil {
			if errors.Is(err, domain.ErrNoInventory) {
				// Nothing Rare-or-above left anywhere in scope; the pack
				// stands as drawn.
				a.logger.WarnContext(ctx, "rare floor unmet, pool exhausted",
					slog.String("owner_id", ownerID),
				)
				return cards, nil
			}
			a.release(ctx, cards)
			return nil, err
		}
		a.release(ctx, cards[:1])
		cards[0] = rare
	}

	return cards, nil
}

// release undoes freshly minted instances: each is deleted and its serial
// returned to the pool. Used when a pack mint fails partway or a slot is
// replaced by the rare floor.
func (a *Allocator) release(ctx context.Context, insts []domain.CardInstance) {
	accounts := a.store.Accounts()
	cards := a.store.Cards()
	for _, inst := range insts {
		if err := accounts.DeleteInstance(ctx, inst.ID); err != nil {
			a.logger.ErrorContext(ctx, "release minted instance",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := cards.ReturnSerial(ctx, inst.Definition, inst.Rarity, inst.Serial); err != nil {
			a.logger.ErrorContext(ctx, "return serial on release",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// MintExact mints one card of a specific definition and tier, used by admin
// grants and event rewards. Serial choice stays random within the pool.
func (a *Allocator) MintExact(ctx context.Context, ownerID, definition string, rarity domain.Rarity) (domain.CardInstance, error) {
	cards := a.store.Cards()
	accounts := a.store.Accounts()

	backoff := baseBackoff
	for attempt := 1; attempt <= maxMintRetries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff); err != nil {
				return domain.CardInstance{}, err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		def, err := cards.GetDefinition(ctx, definition)
		if err != nil {
			return domain.CardInstance{}, fmt.Errorf("mint: get definition: %w", err)
		}
		pool, ok := def.PoolFor(rarity)
		if !ok || len(pool.Serials) == 0 {
			return domain.CardInstance{}, domain.ErrNoInventory
		}
		serial := pool.Serials[rand.IntN(len(pool.Serials))]

		tuple := domain.CardTuple{Definition: def.Name, Rarity: rarity, Serial: serial}
		exists, err := accounts.TupleExists(ctx, tuple)
		if err != nil {
			return domain.CardInstance{}, fmt.Errorf("mint: tuple check: %w", err)
		}
		if exists {
			continue
		}

		err = cards.ClaimSerial(ctx, def.Name, rarity, serial)
		if errors.Is(err, domain.ErrSerialClaimed) {
			continue
		}
		if err != nil {
			return domain.CardInstance{}, fmt.Errorf("mint: claim serial: %w", err)
		}

		inst := domain.CardInstance{
			ID:         uuid.New().String(),
			Definition: def.Name,
			Rarity:     rarity,
			Serial:     serial,
			OwnerID:    ownerID,
			Status:     domain.InstanceAvailable,
			AcquiredAt: a.now().UTC(),
		}
		if err := accounts.InsertInstance(ctx, inst); err != nil {
			if rerr := cards.ReturnSerial(ctx, def.Name, rarity, serial); rerr != nil {
				a.logger.ErrorContext(ctx, "return serial after failed insert",
					slog.String("definition", def.Name),
					slog.String("error", rerr.Error()),
				)
			}
			return domain.CardInstance{}, fmt.Errorf("mint: insert instance: %w", err)
		}
		return inst, nil
	}

	return domain.CardInstance{}, domain.ErrMintContention
}

// sleep waits for d, honouring context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
