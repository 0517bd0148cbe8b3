package domain

import "time"

// Rarity is a card rarity tier. Tiers are ordered from most to least common;
// Rank reflects that ordering.
type Rarity string

const (
	RarityBasic     Rarity = "basic"
	RarityCommon    Rarity = "common"
	RarityStandard  Rarity = "standard"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
	RarityMythic    Rarity = "mythic"
)

// Rarities lists every tier from most to least common.
var Rarities = []Rarity{
	RarityBasic, RarityCommon, RarityStandard, RarityUncommon,
	RarityRare, RarityEpic, RarityLegendary, RarityMythic,
}

var rarityRank = map[Rarity]int{
	RarityBasic:     0,
	RarityCommon:    1,
	RarityStandard:  2,
	RarityUncommon:  3,
	RarityRare:      4,
	RarityEpic:      5,
	RarityLegendary: 6,
	RarityMythic:    7,
}

// Rank returns the tier's position in the common-to-rare ordering, or -1 for
// an unknown tier.
func (r Rarity) Rank() int {
	rank, ok := rarityRank[r]
	if !ok {
		return -1
	}
	return rank
}

// AtLeast reports whether r is the given tier or rarer.
func (r Rarity) AtLeast(min Rarity) bool {
	return r.Rank() >= 0 && r.Rank() >= min.Rank()
}

// Valid reports whether r is a known rarity tier.
func (r Rarity) Valid() bool {
	return r.Rank() >= 0
}

// Pool is one rarity tier's serial inventory for a card definition.
// Invariant: Remaining == len(Serials) at all times; a claimed serial never
// reappears unless explicitly returned by an administrative reversal.
type Pool struct {
	Rarity    Rarity `json:"rarity"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
	Serials   []int  `json:"-"`
}

// CardDefinition is a catalog entry. Definitions are created by admin tooling
// and mutated only through serial claims and returns.
type CardDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	Pools       []Pool `json:"pools"`
	// ReleaseAt/RetireAt bound the availability window; nil means unbounded.
	ReleaseAt *time.Time `json:"release_at,omitempty"`
	RetireAt  *time.Time `json:"retire_at,omitempty"`
}

// PoolFor returns the pool for the given tier and whether it exists.
func (d CardDefinition) PoolFor(rarity Rarity) (Pool, bool) {
	for _, p := range d.Pools {
		if p.Rarity == rarity {
			return p, true
		}
	}
	return Pool{}, false
}

// AvailableAt reports whether the definition's availability window contains t.
func (d CardDefinition) AvailableAt(t time.Time) bool {
	if d.ReleaseAt != nil && t.Before(*d.ReleaseAt) {
		return false
	}
	if d.RetireAt != nil && t.After(*d.RetireAt) {
		return false
	}
	return true
}

// InstanceStatus tags a card instance's commitment state.
type InstanceStatus string

const (
	// InstanceAvailable means the card is free to trade or list.
	InstanceAvailable InstanceStatus = "available"
	// InstancePending means the card is committed to one pending exchange.
	InstancePending InstanceStatus = "pending"
	// InstanceEscrow marks a card mid-transfer during settlement. A card
	// found in escrow after a restart is a signal for manual reconciliation.
	InstanceEscrow InstanceStatus = "escrow"
)

// CardTuple identifies a minted card across the whole population. At most one
// CardInstance with a given tuple may exist across all accounts at any time.
type CardTuple struct {
	Definition string `json:"definition"`
	Rarity     Rarity `json:"rarity"`
	Serial     int    `json:"serial"`
}

// CardInstance is a minted, owned card.
type CardInstance struct {
	ID         string         `json:"id"`
	Definition string         `json:"definition"`
	Rarity     Rarity         `json:"rarity"`
	Serial     int            `json:"serial"`
	OwnerID    string         `json:"owner_id"`
	Status     InstanceStatus `json:"status"`
	AcquiredAt time.Time      `json:"acquired_at"`
}

// Tuple returns the instance's global identity tuple.
func (c CardInstance) Tuple() CardTuple {
	return CardTuple{Definition: c.Definition, Rarity: c.Rarity, Serial: c.Serial}
}

// PackTemplate names a purchasable/redeemable pack: how many cards it mints
// and, optionally, which definitions it may draw from (empty = whole catalog).
type PackTemplate struct {
	Name        string   `json:"name"`
	Size        int      `json:"size"`
	Definitions []string `json:"definitions,omitempty"`
}
