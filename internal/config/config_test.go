package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "cluster"
	cfg.Server.Port = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config validated")
	}
	for _, want := range []string{"unknown mode", "port must be 1-65535", "redis: addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("combined error missing %q: %v", want, err)
		}
	}
}

func TestValidateDevModeSkipsBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "dev"
	cfg.Postgres.Host = ""
	cfg.Postgres.Database = ""
	cfg.Redis.Addr = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev mode rejected without backends: %v", err)
	}
}

func TestValidateTwitchCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Twitch.ClientID = "abc"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "set together") {
		t.Fatalf("lone client_id accepted: %v", err)
	}

	cfg.Twitch.ClientSecret = "xyz"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "webhook_secret") {
		t.Fatalf("credentials without webhook secret accepted: %v", err)
	}

	cfg.Twitch.WebhookSecret = "shh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete twitch config rejected: %v", err)
	}
}

func TestValidateArchiveNeedsBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "s3: bucket") {
		t.Fatalf("archive without bucket accepted: %v", err)
	}

	cfg.S3.Bucket = "cards-archive"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("archive config rejected: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	raw := `
mode = "dev"
log_level = "debug"

[server]
port = 9090

[market]
listing_max_age = "12h"

[twitch]
sub_packs = 2

[twitch.reward_templates]
"Open a Pack" = "standard"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "dev" || cfg.LogLevel != "debug" {
		t.Fatalf("mode/log_level %s/%s", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Market.ListingMaxAge.Duration != 12*time.Hour {
		t.Fatalf("listing_max_age %s, want 12h", cfg.Market.ListingMaxAge.Duration)
	}
	// Untouched sections keep their defaults.
	if cfg.Market.SweepInterval.Duration != 5*time.Minute {
		t.Fatalf("sweep_interval %s, want default 5m", cfg.Market.SweepInterval.Duration)
	}
	if cfg.Twitch.SubPacks != 2 || cfg.Twitch.RewardTemplates["Open a Pack"] != "standard" {
		t.Fatalf("twitch section %+v", cfg.Twitch)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NTC_SERVER_PORT", "7070")
	t.Setenv("NTC_MODE", "dev")
	t.Setenv("NTC_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port %d, want 7070 from env", cfg.Server.Port)
	}
	if cfg.Mode != "dev" {
		t.Fatalf("mode %s, want dev from env", cfg.Mode)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("redis addr %s, want env override", cfg.Redis.Addr)
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-pass"
	cfg.Redis.Password = "redis-pass"
	cfg.Twitch.ClientSecret = "tw-secret"
	cfg.Twitch.WebhookSecret = "wh-secret"
	cfg.S3.SecretKey = "s3-secret"

	red := RedactedConfig(&cfg)
	for name, got := range map[string]string{
		"postgres password": red.Postgres.Password,
		"redis password":    red.Redis.Password,
		"twitch secret":     red.Twitch.ClientSecret,
		"webhook secret":    red.Twitch.WebhookSecret,
		"s3 secret":         red.S3.SecretKey,
	} {
		if got != "***" {
			t.Fatalf("%s not redacted: %q", name, got)
		}
	}
	// The original is untouched.
	if cfg.Postgres.Password != "pg-pass" {
		t.Fatal("redaction mutated the source config")
	}
}
