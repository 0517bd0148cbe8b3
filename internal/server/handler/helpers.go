package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes and
// writes the response. Unknown errors become opaque 500s.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInstanceBusy),
		errors.Is(err, domain.ErrNotOwned),
		errors.Is(err, domain.ErrInsufficientPacks),
		errors.Is(err, domain.ErrSelfTrade),
		errors.Is(err, domain.ErrEmptyTrade),
		errors.Is(err, domain.ErrDuplicateListing),
		errors.Is(err, domain.ErrDuplicateOffer),
		errors.Is(err, domain.ErrOfferInvalid),
		errors.Is(err, domain.ErrCardMissing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoInventory):
		writeError(w, http.StatusGone, "no card inventory remaining")
	case errors.Is(err, domain.ErrMintContention):
		writeError(w, http.StatusServiceUnavailable, "minting is busy, try again")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseListOpts extracts pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
