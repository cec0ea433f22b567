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
// built-in defaults, applies PULSEFEED_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PULSEFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Aggregate ──
	setInt(&cfg.Aggregate.StalenessMs, "PULSEFEED_AGGREGATE_STALENESS_MS")
	setInt(&cfg.Aggregate.MinSources, "PULSEFEED_AGGREGATE_MIN_SOURCES")
	setBool(&cfg.Aggregate.USDOnly, "PULSEFEED_AGGREGATE_USD_ONLY")
	setFloat64(&cfg.Aggregate.MaxDeviationPct, "PULSEFEED_AGGREGATE_MAX_DEVIATION_PCT")

	// ── Venues ──
	setStringSlice(&cfg.Venues.Enabled, "PULSEFEED_VENUES_ENABLED")
	setStr(&cfg.Venues.Asset, "PULSEFEED_VENUES_ASSET")
	setDuration(&cfg.Venues.BackoffMax, "PULSEFEED_VENUES_BACKOFF_MAX")

	// ── Outcome ──
	setStr(&cfg.Outcome.WSURL, "PULSEFEED_OUTCOME_WS_URL")
	setDuration(&cfg.Outcome.StaleAfter, "PULSEFEED_OUTCOME_STALE_AFTER")

	// ── Rollover ──
	setStringSlice(&cfg.Rollover.Assets, "PULSEFEED_ROLLOVER_ASSETS")
	setStringSlice(&cfg.Rollover.Timeframes, "PULSEFEED_ROLLOVER_TIMEFRAMES")
	setInt(&cfg.Rollover.PreconnectWorkers, "PULSEFEED_ROLLOVER_PRECONNECT_WORKERS")
	setDuration(&cfg.Rollover.DownGrace, "PULSEFEED_ROLLOVER_DOWN_GRACE")
	setDuration(&cfg.Rollover.StaleAfter, "PULSEFEED_ROLLOVER_STALE_AFTER")

	// ── Discovery ──
	setStr(&cfg.Discovery.GammaURL, "PULSEFEED_DISCOVERY_GAMMA_URL")
	setStr(&cfg.Discovery.ClobURL, "PULSEFEED_DISCOVERY_CLOB_URL")
	setFloat64(&cfg.Discovery.RatePerSec, "PULSEFEED_DISCOVERY_RATE_PER_SEC")

	// ── Oracle ──
	setBool(&cfg.Oracle.Enabled, "PULSEFEED_ORACLE_ENABLED")
	setStr(&cfg.Oracle.URL, "PULSEFEED_ORACLE_URL")

	// ── Capture ──
	setStr(&cfg.Capture.CoverageCron, "PULSEFEED_CAPTURE_COVERAGE_CRON")
	setFloat64(&cfg.Capture.CoverageThreshold, "PULSEFEED_CAPTURE_COVERAGE_THRESHOLD")
	setBool(&cfg.Capture.ArchiveEnabled, "PULSEFEED_CAPTURE_ARCHIVE_ENABLED")
	setInt(&cfg.Capture.RetentionDays, "PULSEFEED_CAPTURE_RETENTION_DAYS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PULSEFEED_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PULSEFEED_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PULSEFEED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PULSEFEED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PULSEFEED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PULSEFEED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PULSEFEED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PULSEFEED_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "PULSEFEED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PULSEFEED_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PULSEFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PULSEFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PULSEFEED_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PULSEFEED_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "PULSEFEED_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PULSEFEED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PULSEFEED_S3_REGION")
	setStr(&cfg.S3.Bucket, "PULSEFEED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PULSEFEED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PULSEFEED_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PULSEFEED_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PULSEFEED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PULSEFEED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PULSEFEED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PULSEFEED_SERVER_API_KEY")
	setFloat64(&cfg.Server.RatePerSec, "PULSEFEED_SERVER_RATE_PER_SEC")
	setInt(&cfg.Server.RateBurst, "PULSEFEED_SERVER_RATE_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PULSEFEED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PULSEFEED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PULSEFEED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PULSEFEED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PULSEFEED_MODE")
	setStr(&cfg.LogLevel, "PULSEFEED_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
