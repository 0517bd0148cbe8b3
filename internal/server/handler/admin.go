package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/service"
)

// AdminHandler exposes operator actions on collections and the market.
// Every route here sits behind the admin auth middleware.
type AdminHandler struct {
	grants *service.GrantService
	packs  *service.PackService
	market *service.MarketService
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(grants *service.GrantService, packs *service.PackService, market *service.MarketService, audit domain.AuditStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{grants: grants, packs: packs, market: market, audit: audit, logger: logger}
}

type grantCardRequest struct {
	AccountID  string `json:"account_id"`
	Definition string `json:"definition"`
	Rarity     string `json:"rarity"`
}

// GrantCard mints a specific card directly into an account's collection.
// POST /api/admin/cards/grant
func (h *AdminHandler) GrantCard(w http.ResponseWriter, r *http.Request) {
	var req grantCardRequest
	if err := decodeBody(r, &req); err != nil ||
		req.AccountID == "" || req.Definition == "" || req.Rarity == "" {
		writeError(w, http.StatusBadRequest, "account_id, definition, and rarity are required")
		return
	}

	inst, err := h.grants.GrantCard(r.Context(), req.AccountID, req.Definition, domain.Rarity(req.Rarity))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

type removeCardRequest struct {
	Reason string `json:"reason"`
}

// RemoveCard pulls a card instance out of circulation and returns its serial
// to the pool. Pending trades and listings touching the card are cancelled.
// DELETE /api/admin/cards/{id}
func (h *AdminHandler) RemoveCard(w http.ResponseWriter, r *http.Request) {
	var req removeCardRequest
	// Body is optional for removals.
	_ = decodeBody(r, &req)
	if req.Reason == "" {
		req.Reason = "removed by moderator"
	}

	if err := h.grants.RemoveCard(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type duplicateCardRequest struct {
	AccountID string `json:"account_id"`
}

// DuplicateCard mints a fresh serial of the same definition and rarity as an
// existing instance into the target account.
// POST /api/admin/cards/{id}/duplicate
func (h *AdminHandler) DuplicateCard(w http.ResponseWriter, r *http.Request) {
	var req duplicateCardRequest
	if err := decodeBody(r, &req); err != nil || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	inst, err := h.grants.DuplicateCard(r.Context(), r.PathValue("id"), req.AccountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

type creditPacksRequest struct {
	AccountID string `json:"account_id"`
	Count     int64  `json:"count"`
	Source    string `json:"source"`
}

// CreditPacks adds unopened packs to an account balance.
// POST /api/admin/packs/credit
func (h *AdminHandler) CreditPacks(w http.ResponseWriter, r *http.Request) {
	var req creditPacksRequest
	if err := decodeBody(r, &req); err != nil || req.AccountID == "" || req.Count <= 0 {
		writeError(w, http.StatusBadRequest, "account_id and a positive count are required")
		return
	}
	if req.Source == "" {
		req.Source = "admin_credit"
	}

	if err := h.packs.CreditPacks(r.Context(), req.AccountID, req.Count, req.Source); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

// SweepListings expires stale listings immediately instead of waiting for the
// background sweeper.
// POST /api/admin/market/sweep
func (h *AdminHandler) SweepListings(w http.ResponseWriter, r *http.Request) {
	n, err := h.market.SweepExpired(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// ListAudit returns recent audit log entries, oldest first.
// GET /api/admin/audit
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.audit.ListBefore(r.Context(), time.Now(), opts.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
