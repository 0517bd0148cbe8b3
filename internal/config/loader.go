package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies NTC_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known NTC_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "NTC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "NTC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKeyHash, "NTC_SERVER_ADMIN_API_KEY_HASH")
	setInt(&cfg.Server.RateLimit, "NTC_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "NTC_SERVER_RATE_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "NTC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "NTC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "NTC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "NTC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "NTC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "NTC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "NTC_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "NTC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "NTC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "NTC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "NTC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "NTC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "NTC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "NTC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "NTC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "NTC_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "NTC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "NTC_S3_REGION")
	setStr(&cfg.S3.Bucket, "NTC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "NTC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "NTC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "NTC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "NTC_S3_FORCE_PATH_STYLE")

	// ── Twitch ──
	setStr(&cfg.Twitch.ClientID, "NTC_TWITCH_CLIENT_ID")
	setStr(&cfg.Twitch.ClientSecret, "NTC_TWITCH_CLIENT_SECRET")
	setStr(&cfg.Twitch.WebhookSecret, "NTC_TWITCH_WEBHOOK_SECRET")
	setInt64(&cfg.Twitch.SubPacks, "NTC_TWITCH_SUB_PACKS")
	setStr(&cfg.Twitch.DefaultTemplate, "NTC_TWITCH_DEFAULT_TEMPLATE")

	// ── Market ──
	setDuration(&cfg.Market.ListingMaxAge, "NTC_MARKET_LISTING_MAX_AGE")
	setDuration(&cfg.Market.SweepInterval, "NTC_MARKET_SWEEP_INTERVAL")

	// ── Packs ──
	setInt64(&cfg.Packs.StarterPacks, "NTC_PACKS_STARTER_PACKS")
	setInt(&cfg.Packs.OpenLimit, "NTC_PACKS_OPEN_LIMIT")
	setDuration(&cfg.Packs.OpenWindow, "NTC_PACKS_OPEN_WINDOW")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "NTC_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "NTC_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "NTC_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NTC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NTC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NTC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NTC_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "NTC_MODE")
	setStr(&cfg.LogLevel, "NTC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
