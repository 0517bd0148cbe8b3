package domain

import "time"

// Account is a platform user: a pack balance plus an owned card collection.
// Invariant: Packs >= 0; no card instance appears in more than one account.
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	// Packs is the currency balance, denominated in unopened packs.
	Packs     int64     `json:"packs"`
	XP        int64     `json:"xp"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is the payload handed to the notification sink after every
// state transition that affects a party. Delivery is the collaborator's
// concern, not the core's.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}
