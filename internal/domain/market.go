package domain

import "time"

// ListingStatus tracks a market listing. A sold listing is removed outright
// rather than kept in a terminal state, so "sold" never appears here.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing puts one owned card instance up for offers. The listed card stays
// in the owner's inventory with status pending while the listing is active.
type Listing struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	InstanceID string `json:"instance_id"`
	// Snapshot captures the listed card at creation time so the market UI
	// keeps rendering it even if the instance is later removed by an admin.
	Snapshot  CardInstance  `json:"snapshot"`
	Status    ListingStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Tuple returns the listed card's global identity tuple.
func (l Listing) Tuple() CardTuple {
	return l.Snapshot.Tuple()
}

// Offer is a bid against a listing: card instances plus pack currency.
// Offered cards are not escrowed until the moment of acceptance.
// Invariant: at most one active offer per (listing, offerer) pair.
type Offer struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listing_id"`
	OffererID   string    `json:"offerer_id"`
	InstanceIDs []string  `json:"instance_ids"`
	Packs       int64     `json:"packs"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
