package mint

import (
	"context"
	"errors"
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

func serials(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func pool(rarity domain.Rarity, n int) domain.Pool {
	return domain.Pool{Rarity: rarity, Total: n, Remaining: n, Serials: serials(n)}
}

func seedStore(defs ...domain.CardDefinition) *memory.Store {
	store := memory.New()
	for _, d := range defs {
		store.PutDefinition(d)
	}
	return store
}

func TestMintCardDrainsPool(t *testing.T) {
	const total = 30
	store := seedStore(domain.CardDefinition{
		Name:  "Ember Fox",
		Pools: []domain.Pool{pool(domain.RarityBasic, total)},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	seen := make(map[domain.CardTuple]bool, total)
	for i := 0; i < total; i++ {
		inst, err := alloc.MintCard(ctx, "acct-1", nil)
		if err != nil {
			t.Fatalf("mint %d: unexpected error: %v", i, err)
		}
		if inst.Definition != "Ember Fox" || inst.Rarity != domain.RarityBasic {
			t.Fatalf("mint %d: got %s/%s, want Ember Fox/basic", i, inst.Definition, inst.Rarity)
		}
		if inst.Serial < 1 || inst.Serial > total {
			t.Fatalf("mint %d: serial %d out of range", i, inst.Serial)
		}
		if seen[inst.Tuple()] {
			t.Fatalf("mint %d: duplicate tuple %+v", i, inst.Tuple())
		}
		seen[inst.Tuple()] = true
	}

	if _, err := alloc.MintCard(ctx, "acct-1", nil); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("mint on drained pool: got %v, want ErrNoInventory", err)
	}
}

func TestMintCardEmptyCatalog(t *testing.T) {
	alloc := NewAllocator(memory.New(), testLogger())
	if _, err := alloc.MintCard(context.Background(), "acct-1", nil); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("got %v, want ErrNoInventory", err)
	}
}

func TestMintCardHonoursScope(t *testing.T) {
	store := seedStore(
		domain.CardDefinition{Name: "Tide Caller", Pools: []domain.Pool{pool(domain.RarityBasic, 50)}},
		domain.CardDefinition{Name: "Stone Warden", Pools: []domain.Pool{pool(domain.RarityBasic, 50)}},
	)
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		inst, err := alloc.MintCard(ctx, "acct-1", []string{"Stone Warden"})
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if inst.Definition != "Stone Warden" {
			t.Fatalf("mint %d: scoped mint drew %s", i, inst.Definition)
		}
	}

	if _, err := alloc.MintCard(ctx, "acct-1", []string{"No Such Card"}); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("unknown scope: got %v, want ErrNoInventory", err)
	}
}

func TestMintCardRespectsAvailabilityWindow(t *testing.T) {
	future := time.Now().Add(24 * time.Hour)
	store := seedStore(domain.CardDefinition{
		Name:      "Dawn Herald",
		Pools:     []domain.Pool{pool(domain.RarityBasic, 10)},
		ReleaseAt: &future,
	})
	alloc := NewAllocator(store, testLogger())

	if _, err := alloc.MintCard(context.Background(), "acct-1", nil); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("unreleased definition: got %v, want ErrNoInventory", err)
	}
}

func TestMintRareOrAbove(t *testing.T) {
	store := seedStore(domain.CardDefinition{
		Name: "Ember Fox",
		Pools: []domain.Pool{
			pool(domain.RarityBasic, 100),
			pool(domain.RarityRare, 4),
		},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		inst, err := alloc.MintRareOrAbove(ctx, "acct-1", nil)
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if !inst.Rarity.AtLeast(domain.RarityRare) {
			t.Fatalf("mint %d: rarity %s below rare floor", i, inst.Rarity)
		}
	}

	// Rare-and-above pools are drained; basic stock must not satisfy the floor.
	if _, err := alloc.MintRareOrAbove(ctx, "acct-1", nil); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("drained rare tiers: got %v, want ErrNoInventory", err)
	}
}

func TestMintCardConcurrentUniqueness(t *testing.T) {
	const total = 16
	store := seedStore(domain.CardDefinition{
		Name:  "Ember Fox",
		Pools: []domain.Pool{pool(domain.RarityBasic, total)},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	var (
		mu   sync.Mutex
		got  []domain.CardInstance
		errs []error
		wg   sync.WaitGroup
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := alloc.MintCard(ctx, "acct-1", nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Contention is a legal outcome under heavy racing; what
				// must never happen is a duplicate tuple.
				if !errors.Is(err, domain.ErrMintContention) {
					errs = append(errs, err)
				}
				return
			}
			got = append(got, inst)
		}()
	}
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("concurrent mints failed: %v", errs)
	}
	seen := make(map[domain.CardTuple]bool, total)
	for _, inst := range got {
		if seen[inst.Tuple()] {
			t.Fatalf("duplicate tuple minted concurrently: %+v", inst.Tuple())
		}
		seen[inst.Tuple()] = true
	}
	def, err := store.Cards().GetDefinition(ctx, "Ember Fox")
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	p, _ := def.PoolFor(domain.RarityBasic)
	if len(seen)+p.Remaining != total {
		t.Fatalf("minted %d + remaining %d != %d", len(seen), p.Remaining, total)
	}
}

func TestMintPack(t *testing.T) {
	store := seedStore(domain.CardDefinition{
		Name: "Ember Fox",
		Pools: []domain.Pool{
			pool(domain.RarityBasic, 200),
			pool(domain.RarityRare, 50),
		},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	cards, err := alloc.MintPack(ctx, "acct-1", 5, nil)
	if err != nil {
		t.Fatalf("mint pack: %v", err)
	}
	if len(cards) != 5 {
		t.Fatalf("pack size %d, want 5", len(cards))
	}
	hasRare := false
	seen := make(map[domain.CardTuple]bool, len(cards))
	for _, c := range cards {
		if seen[c.Tuple()] {
			t.Fatalf("duplicate tuple in pack: %+v", c.Tuple())
		}
		seen[c.Tuple()] = true
		if c.Rarity.AtLeast(domain.RarityRare) {
			hasRare = true
		}
		owned, err := store.Accounts().GetInstance(ctx, c.ID)
		if err != nil {
			t.Fatalf("pack card %s not persisted: %v", c.ID, err)
		}
		if owned.OwnerID != "acct-1" {
			t.Fatalf("pack card %s owned by %s", c.ID, owned.OwnerID)
		}
	}
	if !hasRare {
		t.Fatal("pack contains no rare-or-above card")
	}
}

func TestMintPackRareFloorReplacesFirstSlot(t *testing.T) {
	// Basic stock is large enough that a 3-card draw is overwhelmingly
	// unlikely to hit the single rare; the floor must correct it either way.
	store := seedStore(domain.CardDefinition{
		Name: "Ember Fox",
		Pools: []domain.Pool{
			pool(domain.RarityBasic, 500),
			pool(domain.RarityRare, 1),
		},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	cards, err := alloc.MintPack(ctx, "acct-1", 3, nil)
	if err != nil {
		t.Fatalf("mint pack: %v", err)
	}
	hasRare := false
	for _, c := range cards {
		if c.Rarity.AtLeast(domain.RarityRare) {
			hasRare = true
		}
	}
	if !hasRare {
		t.Fatal("rare floor not enforced")
	}

	// Exactly len(cards) instances exist: a replaced slot must have been
	// deleted and its serial returned.
	owned, err := store.Accounts().ListInstances(ctx, "acct-1")
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(owned) != len(cards) {
		t.Fatalf("account holds %d instances, want %d", len(owned), len(cards))
	}
}

func TestMintPackStandsWhenRareTiersExhausted(t *testing.T) {
	store := seedStore(domain.CardDefinition{
		Name:  "Ember Fox",
		Pools: []domain.Pool{pool(domain.RarityBasic, 100)},
	})
	alloc := NewAllocator(store, testLogger())

	cards, err := alloc.MintPack(context.Background(), "acct-1", 4, nil)
	if err != nil {
		t.Fatalf("mint pack: %v", err)
	}
	if len(cards) != 4 {
		t.Fatalf("pack size %d, want 4", len(cards))
	}
	for _, c := range cards {
		if c.Rarity != domain.RarityBasic {
			t.Fatalf("unexpected rarity %s with only basic stock", c.Rarity)
		}
	}
}

func TestMintPackRejectsNonPositiveSize(t *testing.T) {
	alloc := NewAllocator(memory.New(), testLogger())
	if _, err := alloc.MintPack(context.Background(), "acct-1", 0, nil); err == nil {
		t.Fatal("expected error for zero pack size")
	}
}

func TestMintPackReleasesOnMidFailure(t *testing.T) {
	// Three serials for a four-card pack: the fourth mint fails, and the
	// first three must be rolled back serial-and-instance.
	store := seedStore(domain.CardDefinition{
		Name:  "Ember Fox",
		Pools: []domain.Pool{pool(domain.RarityBasic, 3)},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	if _, err := alloc.MintPack(ctx, "acct-1", 4, nil); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("got %v, want ErrNoInventory", err)
	}

	owned, err := store.Accounts().ListInstances(ctx, "acct-1")
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("failed pack left %d instances behind", len(owned))
	}
	def, err := store.Cards().GetDefinition(ctx, "Ember Fox")
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	p, _ := def.PoolFor(domain.RarityBasic)
	if p.Remaining != 3 {
		t.Fatalf("pool remaining %d after rollback, want 3", p.Remaining)
	}
}

func TestMintExact(t *testing.T) {
	store := seedStore(domain.CardDefinition{
		Name: "Stone Warden",
		Pools: []domain.Pool{
			pool(domain.RarityBasic, 10),
			pool(domain.RarityEpic, 1),
		},
	})
	alloc := NewAllocator(store, testLogger())
	ctx := context.Background()

	inst, err := alloc.MintExact(ctx, "acct-1", "Stone Warden", domain.RarityEpic)
	if err != nil {
		t.Fatalf("mint exact: %v", err)
	}
	if inst.Definition != "Stone Warden" || inst.Rarity != domain.RarityEpic || inst.Serial != 1 {
		t.Fatalf("got %s/%s #%d, want Stone Warden/epic #1", inst.Definition, inst.Rarity, inst.Serial)
	}

	if _, err := alloc.MintExact(ctx, "acct-1", "Stone Warden", domain.RarityEpic); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("drained tier: got %v, want ErrNoInventory", err)
	}
	if _, err := alloc.MintExact(ctx, "acct-1", "Stone Warden", domain.RarityMythic); !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("absent tier: got %v, want ErrNoInventory", err)
	}
	if _, err := alloc.MintExact(ctx, "acct-1", "No Such Card", domain.RarityBasic); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown definition: got %v, want ErrNotFound", err)
	}
}

func TestDrawRarityRespectsFloor(t *testing.T) {
	for i := 0; i < 200; i++ {
		if r := drawRarity(domain.RarityRare.Rank()); !r.AtLeast(domain.RarityRare) {
			t.Fatalf("drawRarity with rare floor returned %s", r)
		}
	}
	for i := 0; i < 200; i++ {
		if r := drawRarity(0); !r.Valid() {
			t.Fatalf("drawRarity returned invalid tier %s", r)
		}
	}
}
