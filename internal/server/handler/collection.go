package handler

import (
	"log/slog"
	"net/http"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/middleware"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/service"
)

// CollectionHandler exposes accounts, owned cards, and the card catalog.
type CollectionHandler struct {
	accounts *service.AccountService
	store    domain.Store
	catalog  domain.CatalogCache
	logger   *slog.Logger
}

// NewCollectionHandler creates a CollectionHandler. catalog may be nil, in
// which case every read goes to the store.
func NewCollectionHandler(accounts *service.AccountService, store domain.Store, catalog domain.CatalogCache, logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{accounts: accounts, store: store, catalog: catalog, logger: logger}
}

// GetMe returns the caller's account.
// GET /api/me
func (h *CollectionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.AccountID(r)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	account, err := h.accounts.GetOrCreate(r.Context(), actorID, r.Header.Get("X-Display-Name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetCollection returns an account's owned cards.
// GET /api/accounts/{id}/collection
func (h *CollectionHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	cards, err := h.accounts.Collection(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

// ListDefinitions returns catalog definitions.
// GET /api/catalog
func (h *CollectionHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.Cards().ListDefinitions(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// GetDefinition returns one catalog definition, served from the cache when
// warm.
// GET /api/catalog/{name}
func (h *CollectionHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if h.catalog != nil {
		if def, err := h.catalog.Get(r.Context(), name); err == nil {
			writeJSON(w, http.StatusOK, def)
			return
		}
	}

	def, err := h.store.Cards().GetDefinition(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.catalog != nil {
		if err := h.catalog.Set(r.Context(), def); err != nil {
			h.logger.Warn("catalog cache set failed", "definition", name, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, def)
}
