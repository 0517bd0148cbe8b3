// Package config defines the top-level configuration for the trading card
// platform and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by NTC_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Twitch   TwitchConfig   `toml:"twitch"`
	Market   MarketConfig   `toml:"market"`
	Packs    PacksConfig    `toml:"packs"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	AdminAPIKeyHash string   `toml:"admin_api_key_hash"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TwitchConfig holds EventSub webhook and Helix API credentials.
type TwitchConfig struct {
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	WebhookSecret string `toml:"webhook_secret"`
	// SubPacks is the number of packs credited per subscription event.
	SubPacks int64 `toml:"sub_packs"`
	// RewardTemplates maps channel point reward titles to pack templates.
	RewardTemplates map[string]string `toml:"reward_templates"`
	DefaultTemplate string            `toml:"default_template"`
}

// MarketConfig holds marketplace parameters.
type MarketConfig struct {
	// ListingMaxAge is how long a listing stays active before the expiry
	// sweep closes it.
	ListingMaxAge duration `toml:"listing_max_age"`
	// SweepInterval is how often the background expiry sweep runs.
	SweepInterval duration `toml:"sweep_interval"`
}

// PacksConfig holds pack opening parameters.
type PacksConfig struct {
	// StarterPacks is the pack balance granted to newly created accounts.
	StarterPacks int64 `toml:"starter_packs"`
	// OpenLimit and OpenWindow bound pack opening per account.
	OpenLimit  int      `toml:"open_limit"`
	OpenWindow duration `toml:"open_window"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	// Events lists notification types forwarded to operator channels. Empty
	// forwards everything.
	Events []string `toml:"events"`
}

// duration wraps time.Duration so TOML files can use strings like "5m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Defaults returns the built-in configuration a TOML file is merged over.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "cards",
			User:          "cards",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Twitch: TwitchConfig{
			SubPacks:        1,
			RewardTemplates: map[string]string{},
		},
		Market: MarketConfig{
			ListingMaxAge: duration{72 * time.Hour},
			SweepInterval: duration{5 * time.Minute},
		},
		Packs: PacksConfig{
			StarterPacks: 3,
			OpenLimit:    5,
			OpenWindow:   duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"redemption_failed", "queue_paused", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
//
//	full — postgres + redis backed, all background workers
//	api  — postgres + redis backed, HTTP/WS only (no sweeper or archiver)
//	dev  — in-memory store, no external services required
var validModes = map[string]bool{
	"full": true,
	"api":  true,
	"dev":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, api, dev)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be positive when rate_limit is set")
	}

	// Postgres and Redis back every mode except dev.
	needsBackends := strings.ToLower(c.Mode) != "dev"
	if needsBackends {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 is only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Twitch — webhook secret is required whenever credentials are present.
	if (c.Twitch.ClientID != "") != (c.Twitch.ClientSecret != "") {
		errs = append(errs, "twitch: client_id and client_secret must be set together")
	}
	if c.Twitch.ClientID != "" && c.Twitch.WebhookSecret == "" {
		errs = append(errs, "twitch: webhook_secret is required when credentials are set")
	}
	if c.Twitch.SubPacks < 1 {
		errs = append(errs, "twitch: sub_packs must be >= 1")
	}

	// Market
	if c.Market.ListingMaxAge.Duration <= 0 {
		errs = append(errs, "market: listing_max_age must be positive")
	}
	if c.Market.SweepInterval.Duration <= 0 {
		errs = append(errs, "market: sweep_interval must be positive")
	}

	// Packs
	if c.Packs.StarterPacks < 0 {
		errs = append(errs, "packs: starter_packs must be >= 0")
	}
	if c.Packs.OpenLimit < 1 {
		errs = append(errs, "packs: open_limit must be >= 1")
	}
	if c.Packs.OpenWindow.Duration <= 0 {
		errs = append(errs, "packs: open_window must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
