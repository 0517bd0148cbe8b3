package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// CardStore persists the card catalog: definitions, per-rarity serial pools,
// and pack templates.
type CardStore interface {
	GetDefinition(ctx context.Context, name string) (CardDefinition, error)
	ListDefinitions(ctx context.Context, opts ListOpts) ([]CardDefinition, error)
	// ListMintable returns definitions whose pool for the given tier still
	// has serials and whose availability window contains now, optionally
	// restricted to the given definition names (nil/empty = whole catalog).
	ListMintable(ctx context.Context, rarity Rarity, scope []string, now time.Time) ([]CardDefinition, error)
	// AnyMintable reports whether any definition/tier combination in scope
	// has inventory left.
	AnyMintable(ctx context.Context, scope []string, now time.Time) (bool, error)
	// ClaimSerial atomically removes one serial from a pool, conditioned on
	// the pool still containing it. Returns ErrSerialClaimed when another
	// caller won the race.
	ClaimSerial(ctx context.Context, definition string, rarity Rarity, serial int) error
	// ReturnSerial puts a serial back into its pool (administrative reversal).
	ReturnSerial(ctx context.Context, definition string, rarity Rarity, serial int) error
	GetPackTemplate(ctx context.Context, name string) (PackTemplate, error)
}

// AccountStore persists accounts and the card instances they own.
type AccountStore interface {
	Get(ctx context.Context, id string) (Account, error)
	Create(ctx context.Context, a Account) error
	// AdjustPacks applies a signed delta to the pack balance. It returns
	// ErrInsufficientPacks when the balance would go negative.
	AdjustPacks(ctx context.Context, id string, delta int64) error
	AddXP(ctx context.Context, id string, amount int64) error
	// MarkAchievement records the achievement idempotently and reports
	// whether this call was the first to record it.
	MarkAchievement(ctx context.Context, id, name string) (first bool, err error)

	GetInstance(ctx context.Context, id string) (CardInstance, error)
	InsertInstance(ctx context.Context, inst CardInstance) error
	DeleteInstance(ctx context.Context, id string) error
	SetInstanceStatus(ctx context.Context, id string, status InstanceStatus) error
	// TransferInstance moves an instance to a new owner and resets its status.
	TransferInstance(ctx context.Context, id, newOwnerID string, status InstanceStatus) error
	// TupleExists reports whether any account holds an instance with the
	// exact (definition, rarity, serial) tuple.
	TupleExists(ctx context.Context, t CardTuple) (bool, error)
	ListInstances(ctx context.Context, ownerID string) ([]CardInstance, error)
}

// TradeStore persists two-party trades.
type TradeStore interface {
	Create(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)
	// SetStatus transitions a trade out of pending. It returns
	// ErrInvalidState when the trade is already terminal.
	SetStatus(ctx context.Context, id string, status TradeStatus, reason string) error
	// ListPendingByInstances returns every pending trade referencing any of
	// the given instance ids, on either side.
	ListPendingByInstances(ctx context.Context, instanceIDs []string) ([]Trade, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]Trade, error)
	// ListTerminalBefore and DeleteBatch support the cold-storage archiver.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Trade, error)
	DeleteBatch(ctx context.Context, ids []string) error
}

// ListingStore persists market listings and their offers.
type ListingStore interface {
	Create(ctx context.Context, l Listing) error
	GetByID(ctx context.Context, id string) (Listing, error)
	// Delete removes a listing and all of its offers. Accepted listings are
	// deleted, not soft-cancelled.
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status ListingStatus, reason string) error
	ListActiveByTuple(ctx context.Context, t CardTuple) ([]Listing, error)
	// ActiveListingExists reports whether the owner already has an active
	// listing for the given card tuple.
	ActiveListingExists(ctx context.Context, ownerID string, t CardTuple) (bool, error)
	ListActiveBefore(ctx context.Context, before time.Time) ([]Listing, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Listing, error)

	AddOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, listingID, offerID string) (Offer, error)
	RemoveOffer(ctx context.Context, offerID string) error
	ListOffers(ctx context.Context, listingID string) ([]Offer, error)
	// HasActiveOffer reports whether the offerer already has an offer on the
	// listing.
	HasActiveOffer(ctx context.Context, listingID, offererID string) (bool, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListBefore(ctx context.Context, before time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Tx bundles every store reachable inside one atomic scope.
type Tx interface {
	Cards() CardStore
	Accounts() AccountStore
	Trades() TradeStore
	Listings() ListingStore
	Audit() AuditStore
}

// Store is the persistence root. InTx runs fn inside a single transaction:
// either every read and write commits together or none of fn's effects exist.
// Returning an error from fn aborts the transaction.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
