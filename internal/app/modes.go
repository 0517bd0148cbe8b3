package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/mint"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/platform/twitch"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/queue"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/handler"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/server/ws"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/service"
)

// core bundles the wired service layer shared by every mode.
type core struct {
	accounts *service.AccountService
	packs    *service.PackService
	trades   *service.TradeService
	market   *service.MarketService
	grants   *service.GrantService
	queue    *queue.Queue
	hub      *ws.Hub
	srv      *server.Server
}

// redemptionOpener adapts the service layer to the queue's PackOpener. It
// provisions the redeemer's account before opening so first-time redeemers
// succeed, resolving display names through Helix when available.
type redemptionOpener struct {
	accounts *service.AccountService
	packs    *service.PackService
	helix    *twitch.Client
}

func (o *redemptionOpener) OpenPack(ctx context.Context, accountID, templateName string) ([]domain.CardInstance, error) {
	displayName := accountID
	if o.helix != nil {
		if user, err := o.helix.GetUserByID(ctx, accountID); err == nil {
			displayName = user.DisplayName
		}
	}
	if _, err := o.accounts.GetOrCreate(ctx, accountID, displayName); err != nil {
		return nil, err
	}
	return o.packs.OpenPack(ctx, accountID, templateName)
}

// buildCore wires the service layer, redemption queue, websocket hub, and
// HTTP server from the infrastructure dependencies.
func (a *App) buildCore(deps *Dependencies) *core {
	allocator := mint.NewAllocator(deps.Store, a.logger)
	xp := service.NewExperienceService(deps.Store, deps.Notifier, a.logger)

	accounts := service.NewAccountService(deps.Store, a.cfg.Packs.StarterPacks, a.logger)
	packs := service.NewPackService(
		deps.Store, allocator, deps.RateLimiter, deps.SignalBus, xp,
		a.cfg.Packs.OpenLimit, a.cfg.Packs.OpenWindow.Duration, a.logger,
	)
	trades := service.NewTradeService(deps.Store, deps.SignalBus, deps.Notifier, xp, a.logger)
	market := service.NewMarketService(
		deps.Store, deps.LockManager, deps.SignalBus, deps.Notifier, xp,
		a.cfg.Market.ListingMaxAge.Duration, a.logger,
	)
	grants := service.NewGrantService(deps.Store, allocator, deps.Notifier, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger)

	var helix *twitch.Client
	if a.cfg.Twitch.ClientID != "" {
		helix = twitch.NewClient(a.cfg.Twitch.ClientID, a.cfg.Twitch.ClientSecret)
	}
	opener := &redemptionOpener{accounts: accounts, packs: packs, helix: helix}

	q := queue.New(opener, hub, deps.SignalBus, deps.Notifier, a.logger)
	hub.SetQueueControl(q)

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(),
		Trades:     handler.NewTradeHandler(trades, a.logger),
		Market:     handler.NewMarketHandler(market, a.logger),
		Packs:      handler.NewPackHandler(packs, a.logger),
		Collection: handler.NewCollectionHandler(accounts, deps.Store, deps.Catalog, a.logger),
		Queue:      handler.NewQueueHandler(q, a.logger),
		Admin:      handler.NewAdminHandler(grants, packs, market, deps.Store.Audit(), a.logger),
	}
	if a.cfg.Twitch.WebhookSecret != "" {
		handlers.Webhook = twitch.NewWebhookHandler(twitch.WebhookConfig{
			Secret:          a.cfg.Twitch.WebhookSecret,
			SubPacks:        a.cfg.Twitch.SubPacks,
			RewardTemplates: a.cfg.Twitch.RewardTemplates,
			DefaultTemplate: a.cfg.Twitch.DefaultTemplate,
		}, packs, q, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		AdminAPIKeyHash: a.cfg.Server.AdminAPIKeyHash,
		RateLimit:       a.cfg.Server.RateLimit,
		RateWindow:      a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	return &core{
		accounts: accounts,
		packs:    packs,
		trades:   trades,
		market:   market,
		grants:   grants,
		queue:    q,
		hub:      hub,
		srv:      srv,
	}
}

// runServer starts the HTTP server and shuts it down when ctx is cancelled.
func (a *App) runServer(ctx context.Context, g *errgroup.Group, c *core) {
	g.Go(func() error {
		return c.srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		return c.hub.Run(ctx)
	})
}

// FullMode runs the HTTP/WS API plus every background worker: the listing
// expiry sweeper and, when configured, the cold-storage archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c := a.buildCore(deps)
	g, ctx := errgroup.WithContext(ctx)

	a.runServer(ctx, g, c)

	// Listing expiry sweep.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Market.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n, err := c.market.SweepExpired(ctx)
				if err != nil {
					a.logger.ErrorContext(ctx, "listing sweep failed", "error", err)
					continue
				}
				if n > 0 {
					a.logger.InfoContext(ctx, "listings expired", "count", n)
				}
			}
		}
	})

	// Cold-storage archiver.
	if deps.Archiver != nil {
		g.Go(func() error {
			ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					cutoff := time.Now().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
					if n, err := deps.Archiver.ArchiveTrades(ctx, cutoff); err != nil {
						a.logger.ErrorContext(ctx, "trade archive failed", "error", err)
					} else if n > 0 {
						a.logger.InfoContext(ctx, "trades archived", "count", n)
					}
					if n, err := deps.Archiver.ArchiveAudit(ctx, cutoff); err != nil {
						a.logger.ErrorContext(ctx, "audit archive failed", "error", err)
					} else if n > 0 {
						a.logger.InfoContext(ctx, "audit entries archived", "count", n)
					}
				}
			}
		})
	}

	return waitGroup(g)
}

// APIMode runs the HTTP/WS API without background workers.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	c := a.buildCore(deps)
	g, ctx := errgroup.WithContext(ctx)

	a.runServer(ctx, g, c)

	return waitGroup(g)
}

// DevMode runs the API against the in-memory store with no external
// backends. Intended for local development.
func (a *App) DevMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dev mode (in-memory store)")
	return a.APIMode(ctx, deps)
}

// waitGroup waits for the group and suppresses the cancellation error that
// a clean shutdown produces.
func waitGroup(g *errgroup.Group) error {
	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("app: %w", err)
}
