package handler

import (
	"log/slog"
	"net/http"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/middleware"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/service"
)

// PackHandler exposes pack opening.
type PackHandler struct {
	packs  *service.PackService
	logger *slog.Logger
}

// NewPackHandler creates a PackHandler.
func NewPackHandler(packs *service.PackService, logger *slog.Logger) *PackHandler {
	return &PackHandler{packs: packs, logger: logger}
}

type openPackRequest struct {
	Template string `json:"template"`
}

// OpenPack spends one pack and returns the minted cards.
// POST /api/packs/open
func (h *PackHandler) OpenPack(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req openPackRequest
	if err := decodeBody(r, &req); err != nil || req.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}

	cards, err := h.packs.OpenPack(r.Context(), actorID, req.Template)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}
