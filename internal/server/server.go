package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/handler"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/middleware"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	AdminAPIKeyHash string // bcrypt hash; if empty, admin routes reject everything
	RateLimit       int    // requests per window per client IP; 0 disables
	RateWindow      time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Trades     *handler.TradeHandler
	Market     *handler.MarketHandler
	Packs      *handler.PackHandler
	Collection *handler.CollectionHandler
	Queue      *handler.QueueHandler
	Admin      *handler.AdminHandler
	Webhook    http.Handler // Twitch EventSub receiver; optional
}

// Server is the HTTP + WebSocket API server for the trading card platform.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, rate limiting, identity) and
// attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Catalog endpoints (public).
	mux.HandleFunc("GET /api/catalog", handlers.Collection.ListDefinitions)
	mux.HandleFunc("GET /api/catalog/{name}", handlers.Collection.GetDefinition)

	// Account endpoints.
	mux.HandleFunc("GET /api/me", handlers.Collection.GetMe)
	mux.HandleFunc("GET /api/accounts/{id}/collection", handlers.Collection.GetCollection)

	// Pack endpoints.
	mux.HandleFunc("POST /api/packs/open", handlers.Packs.OpenPack)

	// Trade endpoints.
	mux.HandleFunc("POST /api/trades", handlers.Trades.ProposeTrade)
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
	mux.HandleFunc("GET /api/trades/{id}", handlers.Trades.GetTrade)
	mux.HandleFunc("POST /api/trades/{id}/resolve", handlers.Trades.ResolveTrade)

	// Market endpoints.
	mux.HandleFunc("GET /api/listings", handlers.Market.ListListings)
	mux.HandleFunc("POST /api/listings", handlers.Market.CreateListing)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Market.GetListing)
	mux.HandleFunc("DELETE /api/listings/{id}", handlers.Market.CancelListing)
	mux.HandleFunc("GET /api/listings/{id}/offers", handlers.Market.ListOffers)
	mux.HandleFunc("POST /api/listings/{id}/offers", handlers.Market.MakeOffer)
	mux.HandleFunc("POST /api/listings/{id}/offers/{offerID}/accept", handlers.Market.AcceptOffer)
	mux.HandleFunc("POST /api/listings/{id}/offers/{offerID}/reject", handlers.Market.RejectOffer)
	mux.HandleFunc("DELETE /api/listings/{id}/offers/{offerID}", handlers.Market.WithdrawOffer)

	// Queue state is readable by anyone; controls are operator-only.
	adminOnly := middleware.AdminAuth(cfg.AdminAPIKeyHash)
	mux.HandleFunc("GET /api/queue", handlers.Queue.GetState)
	mux.Handle("POST /api/queue/pause", adminOnly(http.HandlerFunc(handlers.Queue.Pause)))
	mux.Handle("POST /api/queue/resume", adminOnly(http.HandlerFunc(handlers.Queue.Resume)))
	mux.Handle("POST /api/queue/jobs", adminOnly(http.HandlerFunc(handlers.Queue.Enqueue)))
	mux.Handle("POST /api/queue/dead/{id}/requeue", adminOnly(http.HandlerFunc(handlers.Queue.RequeueDead)))

	// Admin endpoints.
	mux.Handle("POST /api/admin/cards/grant", adminOnly(http.HandlerFunc(handlers.Admin.GrantCard)))
	mux.Handle("DELETE /api/admin/cards/{id}", adminOnly(http.HandlerFunc(handlers.Admin.RemoveCard)))
	mux.Handle("POST /api/admin/cards/{id}/duplicate", adminOnly(http.HandlerFunc(handlers.Admin.DuplicateCard)))
	mux.Handle("POST /api/admin/packs/credit", adminOnly(http.HandlerFunc(handlers.Admin.CreditPacks)))
	mux.Handle("POST /api/admin/market/sweep", adminOnly(http.HandlerFunc(handlers.Admin.SweepListings)))
	mux.Handle("GET /api/admin/audit", adminOnly(http.HandlerFunc(handlers.Admin.ListAudit)))

	// Twitch EventSub webhook (signature-verified inside the handler).
	if handlers.Webhook != nil {
		mux.Handle("POST /webhooks/twitch", handlers.Webhook)
	}

	// WebSocket endpoints.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
		mux.HandleFunc("GET /ws/overlay", wsHub.HandleOverlayWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Resolve the caller's account identity from request headers.
	h = middleware.Identity()(h)

	// Apply per-client rate limiting when configured.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Account-ID, X-Display-Name")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
