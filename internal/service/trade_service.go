package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// Reasons recorded on cascade-cancelled exchanges.
const (
	reasonCardTraded = "card traded elsewhere"
	reasonCardSold   = "card sold elsewhere"
)

// XP awards per settled exchange, credited to both parties.
const (
	tradeSettleXP  = 20
	marketSettleXP = 30
)

// TradeService runs the two-party trade lifecycle: propose, accept, reject,
// cancel. Settlement and its cascades happen inside one store transaction.
type TradeService struct {
	store  domain.Store
	bus    domain.SignalBus
	notify domain.Notifier
	xp     domain.ExperienceSink
	logger *slog.Logger
	now    func() time.Time
}

// NewTradeService creates a TradeService with all required dependencies.
func NewTradeService(
	store domain.Store,
	bus domain.SignalBus,
	notify domain.Notifier,
	xp domain.ExperienceSink,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		store:  store,
		bus:    bus,
		notify: notify,
		xp:     xp,
		logger: logger,
		now:    time.Now,
	}
}

// TradeProposal is the caller's input to Propose.
type TradeProposal struct {
	SenderID             string
	RecipientID          string
	OfferedInstanceIDs   []string
	RequestedInstanceIDs []string
	OfferedPacks         int64
	RequestedPacks       int64
}

// Propose validates a trade proposal and creates it in pending state. Every
// referenced card is marked pending so it cannot be offered twice.
func (s *TradeService) Propose(ctx context.Context, p TradeProposal) (domain.Trade, error) {
	trade := domain.Trade{
		ID:                   uuid.NewString(),
		SenderID:             p.SenderID,
		RecipientID:          p.RecipientID,
		OfferedInstanceIDs:   dedupe(p.OfferedInstanceIDs),
		RequestedInstanceIDs: dedupe(p.RequestedInstanceIDs),
		OfferedPacks:         p.OfferedPacks,
		RequestedPacks:       p.RequestedPacks,
		Status:               domain.TradePending,
		CreatedAt:            s.now().UTC(),
	}

	if trade.SenderID == trade.RecipientID {
		return domain.Trade{}, domain.ErrSelfTrade
	}
	if trade.Empty() {
		return domain.Trade{}, domain.ErrEmptyTrade
	}
	if trade.OfferedPacks < 0 || trade.RequestedPacks < 0 {
		return domain.Trade{}, fmt.Errorf("trade_service: negative pack amount: %w", domain.ErrInvalidState)
	}

	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		sender, err := tx.Accounts().Get(ctx, trade.SenderID)
		if err != nil {
			return fmt.Errorf("trade_service: load sender: %w", err)
		}
		recipient, err := tx.Accounts().Get(ctx, trade.RecipientID)
		if err != nil {
			return fmt.Errorf("trade_service: load recipient: %w", err)
		}
		if sender.Packs < trade.OfferedPacks {
			return domain.ErrInsufficientPacks
		}
		if recipient.Packs < trade.RequestedPacks {
			return domain.ErrInsufficientPacks
		}

		if err := checkSide(ctx, tx, trade.SenderID, trade.OfferedInstanceIDs); err != nil {
			return err
		}
		if err := checkSide(ctx, tx, trade.RecipientID, trade.RequestedInstanceIDs); err != nil {
			return err
		}

		if err := tx.Trades().Create(ctx, trade); err != nil {
			return fmt.Errorf("trade_service: create trade: %w", err)
		}
		for _, id := range trade.InstanceIDs() {
			if err := tx.Accounts().SetInstanceStatus(ctx, id, domain.InstancePending); err != nil {
				return fmt.Errorf("trade_service: mark card pending: %w", err)
			}
		}
		return tx.Audit().Log(ctx, "trade_proposed", map[string]any{
			"trade_id":     trade.ID,
			"sender_id":    trade.SenderID,
			"recipient_id": trade.RecipientID,
		})
	})
	if err != nil {
		return domain.Trade{}, err
	}

	s.afterCommit(ctx, trade.RecipientID, domain.Notification{
		Type:    "trade_received",
		Message: "You received a trade offer",
		Link:    "/trades/" + trade.ID,
	})
	s.publishEvent(ctx, "trade.proposed", trade)
	s.logger.Info("trade proposed",
		"trade_id", trade.ID,
		"sender_id", trade.SenderID,
		"recipient_id", trade.RecipientID)
	return trade, nil
}

// checkSide verifies that every card on one side of a trade exists, belongs
// to the stated party, and is not already committed elsewhere.
func checkSide(ctx context.Context, tx domain.Tx, ownerID string, instanceIDs []string) error {
	for _, id := range instanceIDs {
		inst, err := tx.Accounts().GetInstance(ctx, id)
		if err != nil {
			return fmt.Errorf("trade_service: card %s: %w", id, err)
		}
		if inst.OwnerID != ownerID {
			return fmt.Errorf("trade_service: card %s: %w", id, domain.ErrNotOwned)
		}
		if inst.Status != domain.InstanceAvailable {
			return fmt.Errorf("trade_service: card %s: %w", id, domain.ErrInstanceBusy)
		}
	}
	return nil
}

// Resolve applies a decision to a pending trade. Accept settles atomically:
// ownership of every card flips, pack balances move, and any other pending
// trade or active listing touching those cards is cascade-cancelled in the
// same transaction. Reject and cancel release the cards back to available.
func (s *TradeService) Resolve(ctx context.Context, tradeID, actorID string, decision domain.TradeDecision) (domain.Trade, error) {
	var (
		trade    domain.Trade
		notices  []pendingNotice
		settled  bool
		sweepIDs []string
	)

	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		notices = notices[:0]
		settled = false

		t, err := tx.Trades().GetByID(ctx, tradeID)
		if err != nil {
			return fmt.Errorf("trade_service: load trade: %w", err)
		}
		if t.Status != domain.TradePending {
			return domain.ErrInvalidState
		}

		switch decision {
		case domain.DecisionAccept, domain.DecisionReject:
			if actorID != t.RecipientID {
				return domain.ErrUnauthorized
			}
		case domain.DecisionCancel:
			if actorID != t.SenderID {
				return domain.ErrUnauthorized
			}
		default:
			return fmt.Errorf("trade_service: unknown decision %q: %w", decision, domain.ErrInvalidState)
		}

		if decision != domain.DecisionAccept {
			status := domain.TradeRejected
			if decision == domain.DecisionCancel {
				status = domain.TradeCancelled
			}
			if err := tx.Trades().SetStatus(ctx, t.ID, status, ""); err != nil {
				return fmt.Errorf("trade_service: set status: %w", err)
			}
			if err := releaseInstances(ctx, tx, t.InstanceIDs()); err != nil {
				return err
			}
			t.Status = status
			trade = t
			return tx.Audit().Log(ctx, "trade_"+string(status), map[string]any{
				"trade_id": t.ID,
				"actor_id": actorID,
			})
		}

		// Acceptance: re-run the full validation ladder. State may have
		// drifted since proposal (admin removals, balance changes).
		if err := revalidate(ctx, tx, t); err != nil {
			return err
		}

		if err := tx.Trades().SetStatus(ctx, t.ID, domain.TradeAccepted, ""); err != nil {
			return fmt.Errorf("trade_service: set status: %w", err)
		}
		for _, id := range t.OfferedInstanceIDs {
			if err := tx.Accounts().TransferInstance(ctx, id, t.RecipientID, domain.InstanceAvailable); err != nil {
				return fmt.Errorf("trade_service: transfer card %s: %w", id, err)
			}
		}
		for _, id := range t.RequestedInstanceIDs {
			if err := tx.Accounts().TransferInstance(ctx, id, t.SenderID, domain.InstanceAvailable); err != nil {
				return fmt.Errorf("trade_service: transfer card %s: %w", id, err)
			}
		}
		if t.OfferedPacks > 0 {
			if err := movePacks(ctx, tx, t.SenderID, t.RecipientID, t.OfferedPacks); err != nil {
				return err
			}
		}
		if t.RequestedPacks > 0 {
			if err := movePacks(ctx, tx, t.RecipientID, t.SenderID, t.RequestedPacks); err != nil {
				return err
			}
		}

		cascaded, err := cascadeAfterTransfer(ctx, tx, t.ID, t.InstanceIDs(), reasonCardTraded)
		if err != nil {
			return err
		}
		notices = append(notices, cascaded...)

		if err := tx.Audit().Log(ctx, "trade_accepted", map[string]any{
			"trade_id":     t.ID,
			"sender_id":    t.SenderID,
			"recipient_id": t.RecipientID,
			"cards":        len(t.InstanceIDs()),
		}); err != nil {
			return err
		}

		t.Status = domain.TradeAccepted
		trade = t
		settled = true
		sweepIDs = t.InstanceIDs()
		return nil
	})
	if err != nil {
		return domain.Trade{}, err
	}

	switch trade.Status {
	case domain.TradeAccepted:
		s.afterCommit(ctx, trade.SenderID, domain.Notification{
			Type:    "trade_accepted",
			Message: "Your trade was accepted",
			Link:    "/trades/" + trade.ID,
		})
	case domain.TradeRejected:
		s.afterCommit(ctx, trade.SenderID, domain.Notification{
			Type:    "trade_rejected",
			Message: "Your trade was rejected",
			Link:    "/trades/" + trade.ID,
		})
	case domain.TradeCancelled:
		s.afterCommit(ctx, trade.RecipientID, domain.Notification{
			Type:    "trade_cancelled",
			Message: "A trade offer to you was cancelled",
			Link:    "/trades/" + trade.ID,
		})
	}
	for _, n := range notices {
		s.afterCommit(ctx, n.accountID, n.note)
	}
	if settled {
		s.creditBothParties(ctx, trade.SenderID, trade.RecipientID, tradeSettleXP)
		s.publishEvent(ctx, "trade.settled", trade)
		s.logger.Info("trade settled",
			"trade_id", trade.ID,
			"sender_id", trade.SenderID,
			"recipient_id", trade.RecipientID,
			"cards", len(sweepIDs))
	} else {
		s.publishEvent(ctx, "trade.resolved", trade)
	}
	return trade, nil
}

// Get returns a trade visible to the given account.
func (s *TradeService) Get(ctx context.Context, tradeID, accountID string) (domain.Trade, error) {
	t, err := s.store.Trades().GetByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: load trade: %w", err)
	}
	if t.SenderID != accountID && t.RecipientID != accountID {
		return domain.Trade{}, domain.ErrUnauthorized
	}
	return t, nil
}

// ListForAccount returns trades the account participates in, newest first.
func (s *TradeService) ListForAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.store.Trades().ListByAccount(ctx, accountID, opts)
}

// revalidate re-checks trade preconditions at acceptance time. Cards must
// still exist, still belong to their original side, and still be committed to
// this trade; balances must still cover the pack legs.
func revalidate(ctx context.Context, tx domain.Tx, t domain.Trade) error {
	sender, err := tx.Accounts().Get(ctx, t.SenderID)
	if err != nil {
		return fmt.Errorf("trade_service: load sender: %w", err)
	}
	recipient, err := tx.Accounts().Get(ctx, t.RecipientID)
	if err != nil {
		return fmt.Errorf("trade_service: load recipient: %w", err)
	}
	if sender.Packs < t.OfferedPacks || recipient.Packs < t.RequestedPacks {
		return domain.ErrInsufficientPacks
	}
	check := func(ownerID string, ids []string) error {
		for _, id := range ids {
			inst, err := tx.Accounts().GetInstance(ctx, id)
			if err != nil {
				return fmt.Errorf("trade_service: card %s: %w", id, err)
			}
			if inst.OwnerID != ownerID {
				return fmt.Errorf("trade_service: card %s: %w", id, domain.ErrNotOwned)
			}
			if inst.Status != domain.InstancePending {
				return fmt.Errorf("trade_service: card %s: %w", id, domain.ErrInvalidState)
			}
		}
		return nil
	}
	if err := check(t.SenderID, t.OfferedInstanceIDs); err != nil {
		return err
	}
	return check(t.RecipientID, t.RequestedInstanceIDs)
}

// pendingNotice defers a notification until after the transaction commits.
type pendingNotice struct {
	accountID string
	note      domain.Notification
}

// cascadeAfterTransfer cancels every other pending trade and active listing
// that references any of the transferred cards, inside the caller's
// transaction. excludeTradeID is the trade being settled (already terminal).
func cascadeAfterTransfer(ctx context.Context, tx domain.Tx, excludeTradeID string, instanceIDs []string, reason string) ([]pendingNotice, error) {
	var notices []pendingNotice

	stale, err := tx.Trades().ListPendingByInstances(ctx, instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list stale trades: %w", err)
	}
	transferred := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		transferred[id] = true
	}
	for _, st := range stale {
		if st.ID == excludeTradeID {
			continue
		}
		if err := tx.Trades().SetStatus(ctx, st.ID, domain.TradeCancelled, reason); err != nil {
			return nil, fmt.Errorf("trade_service: cascade trade %s: %w", st.ID, err)
		}
		// Release only cards the settlement did not move: the settled
		// transfers already reset their status.
		for _, id := range st.InstanceIDs() {
			if transferred[id] {
				continue
			}
			if err := tx.Accounts().SetInstanceStatus(ctx, id, domain.InstanceAvailable); err != nil {
				return nil, fmt.Errorf("trade_service: release card %s: %w", id, err)
			}
		}
		if err := tx.Audit().Log(ctx, "trade_cascade_cancelled", map[string]any{
			"trade_id": st.ID,
			"reason":   reason,
		}); err != nil {
			return nil, err
		}
		notices = append(notices,
			pendingNotice{st.SenderID, domain.Notification{
				Type:    "trade_cancelled",
				Message: "Trade cancelled: " + reason,
				Link:    "/trades/" + st.ID,
			}},
			pendingNotice{st.RecipientID, domain.Notification{
				Type:    "trade_cancelled",
				Message: "Trade cancelled: " + reason,
				Link:    "/trades/" + st.ID,
			}})
	}

	for _, id := range instanceIDs {
		inst, err := tx.Accounts().GetInstance(ctx, id)
		if err != nil {
			// Cards can be deleted mid-cascade only by admin tooling; skip.
			continue
		}
		stale, err := tx.Listings().ListActiveByTuple(ctx, inst.Tuple())
		if err != nil {
			return nil, fmt.Errorf("trade_service: list stale listings: %w", err)
		}
		for _, li := range stale {
			if err := tx.Listings().SetStatus(ctx, li.ID, domain.ListingCancelled, reason); err != nil {
				return nil, fmt.Errorf("trade_service: cascade listing %s: %w", li.ID, err)
			}
			if err := tx.Audit().Log(ctx, "listing_cascade_cancelled", map[string]any{
				"listing_id": li.ID,
				"reason":     reason,
			}); err != nil {
				return nil, err
			}
			notices = append(notices, pendingNotice{li.OwnerID, domain.Notification{
				Type:    "listing_cancelled",
				Message: "Listing cancelled: " + reason,
				Link:    "/market/" + li.ID,
			}})
		}
	}
	return notices, nil
}

// releaseInstances marks cards available again after a trade leaves pending
// without settling.
func releaseInstances(ctx context.Context, tx domain.Tx, instanceIDs []string) error {
	for _, id := range instanceIDs {
		if err := tx.Accounts().SetInstanceStatus(ctx, id, domain.InstanceAvailable); err != nil {
			return fmt.Errorf("trade_service: release card %s: %w", id, err)
		}
	}
	return nil
}

// movePacks moves pack currency between two accounts, debit first.
func movePacks(ctx context.Context, tx domain.Tx, fromID, toID string, amount int64) error {
	if err := tx.Accounts().AdjustPacks(ctx, fromID, -amount); err != nil {
		return fmt.Errorf("trade_service: debit %s: %w", fromID, err)
	}
	if err := tx.Accounts().AdjustPacks(ctx, toID, amount); err != nil {
		return fmt.Errorf("trade_service: credit %s: %w", toID, err)
	}
	return nil
}

func (s *TradeService) afterCommit(ctx context.Context, accountID string, n domain.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, accountID, n); err != nil {
		s.logger.Warn("notification failed", "account_id", accountID, "type", n.Type, "error", err)
	}
}

func (s *TradeService) creditBothParties(ctx context.Context, a, b string, amount int64) {
	if s.xp == nil {
		return
	}
	for _, id := range []string{a, b} {
		if err := s.xp.CreditExperience(ctx, id, amount); err != nil {
			s.logger.Warn("xp credit failed", "account_id", id, "error", err)
			continue
		}
		if err := s.xp.RecheckAchievements(ctx, id); err != nil {
			s.logger.Warn("achievement recheck failed", "account_id", id, "error", err)
		}
	}
}

func (s *TradeService) publishEvent(ctx context.Context, event string, t domain.Trade) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":        event,
		"trade_id":     t.ID,
		"sender_id":    t.SenderID,
		"recipient_id": t.RecipientID,
		"status":       t.Status,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "ch:trades", payload); err != nil {
		s.logger.Warn("bus publish failed", "event", event, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
