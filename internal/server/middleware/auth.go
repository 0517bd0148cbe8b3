package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/crypto"
)

type contextKey string

const accountIDKey contextKey = "account_id"

// Identity returns middleware that extracts the caller's account id from the
// X-Account-ID header set by the authenticating proxy in front of this
// service. Requests without an identity still pass; handlers that need one
// use AccountID and reject when it's empty.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get("X-Account-ID")); id != "" {
				r = r.WithContext(context.WithValue(r.Context(), accountIDKey, id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountID returns the authenticated account id from the request context,
// or "" when the request is anonymous.
func AccountID(r *http.Request) string {
	id, _ := r.Context().Value(accountIDKey).(string)
	return id
}

// AdminAuth returns middleware that gates operator endpoints behind an API
// key checked against a bcrypt hash. With no hash configured every request
// is rejected; operator surfaces never fail open.
func AdminAuth(apiKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKeyHash == "" {
				writeUnauthorized(w, "admin api disabled")
				return
			}
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if !crypto.VerifyAPIKey(apiKeyHash, token) {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
