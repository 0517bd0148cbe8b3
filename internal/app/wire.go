package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/Just-Joe-Barnes/twitch-trading-cards/internal/blob/s3"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/cache/redis"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/config"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/notify"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/store/memory"
	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Persistence
	Store domain.Store

	// Caches and coordination
	Catalog     domain.CatalogCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// usesMemoryStore returns true for modes that run without external backends.
func usesMemoryStore(mode string) bool {
	return strings.ToLower(mode) == "dev"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if usesMemoryStore(cfg.Mode) {
		store := memory.New()
		seedDevCatalog(store)
		deps.Store = store
	} else {
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Store = postgres.NewStore(pgClient)

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Catalog = redis.NewCatalogCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Store.Trades(), deps.Store.Audit())
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(deps.SignalBus, senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// seedDevCatalog installs a small catalog into the in-memory store so dev
// mode is usable out of the box.
func seedDevCatalog(store *memory.Store) {
	type tier struct {
		rarity domain.Rarity
		total  int
	}
	defs := []struct {
		name        string
		description string
		tiers       []tier
	}{
		{"Ember Fox", "Quick to spark, slow to settle.",
			[]tier{{domain.RarityBasic, 500}, {domain.RarityRare, 50}, {domain.RarityEpic, 10}, {domain.RarityLegendary, 1}}},
		{"Tide Caller", "The sea answers when asked politely.",
			[]tier{{domain.RarityBasic, 500}, {domain.RarityRare, 50}, {domain.RarityEpic, 10}, {domain.RarityLegendary, 1}}},
		{"Stone Warden", "Patience measured in centuries.",
			[]tier{{domain.RarityBasic, 500}, {domain.RarityRare, 50}, {domain.RarityEpic, 10}}},
	}

	for _, d := range defs {
		def := domain.CardDefinition{
			Name:        d.name,
			Description: d.description,
		}
		for _, c := range d.tiers {
			serials := make([]int, c.total)
			for i := range serials {
				serials[i] = i + 1
			}
			def.Pools = append(def.Pools, domain.Pool{
				Rarity:    c.rarity,
				Total:     c.total,
				Remaining: c.total,
				Serials:   serials,
			})
		}
		store.PutDefinition(def)
	}

	store.PutTemplate(domain.PackTemplate{
		Name: "standard",
		Size: 5,
	})
}
