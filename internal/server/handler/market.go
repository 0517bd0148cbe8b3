package handler

import (
	"log/slog"
	"net/http"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/middleware"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/service"
)

// MarketHandler exposes the listing/offer engine over HTTP.
type MarketHandler struct {
	market *service.MarketService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(market *service.MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{market: market, logger: logger}
}

// ListListings returns active listings.
// GET /api/market/listings
func (h *MarketHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.market.ListActive(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

// GetListing returns one listing.
// GET /api/market/listings/{id}
func (h *MarketHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.market.GetListing(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

type createListingRequest struct {
	InstanceID string `json:"instance_id"`
}

// CreateListing lists one of the caller's cards.
// POST /api/market/listings
func (h *MarketHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createListingRequest
	if err := decodeBody(r, &req); err != nil || req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	listing, err := h.market.CreateListing(r.Context(), actorID, req.InstanceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// CancelListing withdraws the caller's listing.
// DELETE /api/market/listings/{id}
func (h *MarketHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.market.CancelListing(r.Context(), r.PathValue("id"), actorID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListOffers returns a listing's offers to its owner.
// GET /api/market/listings/{id}/offers
func (h *MarketHandler) ListOffers(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	offers, err := h.market.ListOffers(r.Context(), r.PathValue("id"), actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type makeOfferRequest struct {
	InstanceIDs []string `json:"instance_ids"`
	Packs       int64    `json:"packs"`
	Message     string   `json:"message"`
}

// MakeOffer places a bid on a listing.
// POST /api/market/listings/{id}/offers
func (h *MarketHandler) MakeOffer(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req makeOfferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	offer, err := h.market.MakeOffer(r.Context(), r.PathValue("id"), actorID,
		req.InstanceIDs, req.Packs, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// AcceptOffer settles a listing against an offer.
// POST /api/market/listings/{id}/offers/{offerID}/accept
func (h *MarketHandler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	err := h.market.AcceptOffer(r.Context(), r.PathValue("id"), r.PathValue("offerID"), actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sold"})
}

// RejectOffer declines an offer on the caller's listing.
// POST /api/market/listings/{id}/offers/{offerID}/reject
func (h *MarketHandler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	err := h.market.RejectOffer(r.Context(), r.PathValue("id"), r.PathValue("offerID"), actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// WithdrawOffer removes the caller's own offer.
// DELETE /api/market/listings/{id}/offers/{offerID}
func (h *MarketHandler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	err := h.market.WithdrawOffer(r.Context(), r.PathValue("id"), r.PathValue("offerID"), actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}
