package domain

import "time"

// TradeStatus tracks the trade lifecycle. Pending is the only non-terminal
// state; no transition exists between terminal states.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeAccepted  TradeStatus = "accepted"
	TradeRejected  TradeStatus = "rejected"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TradeStatus) Terminal() bool {
	return s == TradeAccepted || s == TradeRejected || s == TradeCancelled
}

// TradeDecision is the action a party takes on a pending trade.
type TradeDecision string

const (
	DecisionAccept TradeDecision = "accept"
	DecisionReject TradeDecision = "reject"
	DecisionCancel TradeDecision = "cancel"
)

// Trade is a two-party swap of card instances and pack currency. While
// pending, every referenced instance is marked pending in its owning account.
type Trade struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	// OfferedInstanceIDs are sender-owned cards offered to the recipient;
	// RequestedInstanceIDs are recipient-owned cards the sender wants back.
	OfferedInstanceIDs   []string    `json:"offered_instance_ids"`
	RequestedInstanceIDs []string    `json:"requested_instance_ids"`
	OfferedPacks         int64       `json:"offered_packs"`
	RequestedPacks       int64       `json:"requested_packs"`
	Status               TradeStatus `json:"status"`
	// Reason records why a trade reached a terminal state (e.g. a cascade
	// cancellation after one of its cards changed hands elsewhere).
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// InstanceIDs returns every card instance the trade references, offered side
// first.
func (t Trade) InstanceIDs() []string {
	ids := make([]string, 0, len(t.OfferedInstanceIDs)+len(t.RequestedInstanceIDs))
	ids = append(ids, t.OfferedInstanceIDs...)
	ids = append(ids, t.RequestedInstanceIDs...)
	return ids
}

// Empty reports whether the trade offers and requests nothing on both sides.
func (t Trade) Empty() bool {
	return len(t.OfferedInstanceIDs) == 0 && len(t.RequestedInstanceIDs) == 0 &&
		t.OfferedPacks == 0 && t.RequestedPacks == 0
}
