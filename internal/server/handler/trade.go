package handler

import (
	"log/slog"
	"net/http"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/middleware"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/service"
)

// TradeHandler exposes the two-party trade lifecycle over HTTP.
type TradeHandler struct {
	trades *service.TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades *service.TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

type proposeTradeRequest struct {
	RecipientID          string   `json:"recipient_id"`
	OfferedInstanceIDs   []string `json:"offered_instance_ids"`
	RequestedInstanceIDs []string `json:"requested_instance_ids"`
	OfferedPacks         int64    `json:"offered_packs"`
	RequestedPacks       int64    `json:"requested_packs"`
}

// ProposeTrade creates a pending trade from the caller to a recipient.
// POST /api/trades
func (h *TradeHandler) ProposeTrade(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req proposeTradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trade, err := h.trades.Propose(r.Context(), service.TradeProposal{
		SenderID:             actorID,
		RecipientID:          req.RecipientID,
		OfferedInstanceIDs:   req.OfferedInstanceIDs,
		RequestedInstanceIDs: req.RequestedInstanceIDs,
		OfferedPacks:         req.OfferedPacks,
		RequestedPacks:       req.RequestedPacks,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

type resolveTradeRequest struct {
	Decision string `json:"decision"`
}

// ResolveTrade applies accept/reject/cancel to a pending trade.
// POST /api/trades/{id}/resolve
func (h *TradeHandler) ResolveTrade(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req resolveTradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision := domain.TradeDecision(req.Decision)
	switch decision {
	case domain.DecisionAccept, domain.DecisionReject, domain.DecisionCancel:
	default:
		writeError(w, http.StatusBadRequest, "decision must be accept, reject, or cancel")
		return
	}

	trade, err := h.trades.Resolve(r.Context(), r.PathValue("id"), actorID, decision)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// GetTrade returns one trade visible to the caller.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	trade, err := h.trades.Get(r.Context(), r.PathValue("id"), actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// ListTrades returns the caller's trades, newest first.
// GET /api/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	trades, err := h.trades.ListForAccount(r.Context(), actorID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}
