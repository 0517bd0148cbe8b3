package domain

import "time"

// RedemptionJob is one "open a pack on stream" request. Jobs are FIFO within
// a target channel and consumed by at most one processing pass at a time.
type RedemptionJob struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	RedeemerID   string    `json:"redeemer_id"`
	PackTemplate string    `json:"pack_template"`
	Attempts     int       `json:"attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}
