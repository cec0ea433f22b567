// Package config defines the top-level configuration for pulsefeed and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PULSEFEED_* environment variables.
type Config struct {
	Aggregate AggregateConfig `toml:"aggregate"`
	Venues    VenuesConfig    `toml:"venues"`
	Outcome   OutcomeConfig   `toml:"outcome"`
	Rollover  RolloverConfig  `toml:"rollover"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Oracle    OracleConfig    `toml:"oracle"`
	Capture   CaptureConfig   `toml:"capture"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// AggregateConfig controls the cross-venue aggregation engine.
type AggregateConfig struct {
	StalenessMs        int      `toml:"staleness_ms"`
	MinSources         int      `toml:"min_sources"`
	HealthySources     int      `toml:"healthy_sources"`
	USDOnly            bool     `toml:"usd_only"`
	USDExchanges       []string `toml:"usd_exchanges"`
	USDTExchanges      []string `toml:"usdt_exchanges"`
	WarningDivergence  float64  `toml:"warning_divergence_pct"`
	CriticalDivergence float64  `toml:"critical_divergence_pct"`
	// MaxDeviationPct enables explicit outlier rejection when > 0.
	MaxDeviationPct float64 `toml:"max_deviation_pct"`
}

// VenuesConfig selects the exchanges to stream and tunes their reconnect loop.
type VenuesConfig struct {
	Enabled        []string `toml:"enabled"`
	Asset          string   `toml:"asset"`
	BackoffMin     duration `toml:"backoff_min"`
	BackoffMax     duration `toml:"backoff_max"`
	BackoffFactor  float64  `toml:"backoff_factor"`
	ConnectTimeout duration `toml:"connect_timeout"`
	PingInterval   duration `toml:"ping_interval"`
}

// OutcomeConfig holds the prediction-market order-book stream parameters.
type OutcomeConfig struct {
	WSURL          string   `toml:"ws_url"`
	Resubscribe    duration `toml:"resubscribe"`
	StaleAfter     duration `toml:"stale_after"`
	ReconnectMax   duration `toml:"reconnect_max"`
	ConnectTimeout duration `toml:"connect_timeout"`
}

// RolloverConfig controls window hand-off scheduling.
type RolloverConfig struct {
	Assets            []string `toml:"assets"`
	Timeframes        []string `toml:"timeframes"`
	Tick              duration `toml:"tick"`
	Lead              duration `toml:"lead"`
	LazyWindow        duration `toml:"lazy_window"`
	PreconnectWorkers int      `toml:"preconnect_workers"`
	PreconnectTimeout duration `toml:"preconnect_timeout"`
	BackgroundWorkers int      `toml:"background_workers"`
	// DownGrace and StaleAfter decide when an active outcome feed is
	// replaced: disconnected for DownGrace, or no book update for StaleAfter.
	DownGrace  duration `toml:"down_grace"`
	StaleAfter duration `toml:"stale_after"`
}

// DiscoveryConfig holds Polymarket HTTP endpoints used for market lookup.
type DiscoveryConfig struct {
	GammaURL   string   `toml:"gamma_url"`
	ClobURL    string   `toml:"clob_url"`
	CacheTTL   duration `toml:"cache_ttl"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Timeout    duration `toml:"timeout"`
}

// OracleConfig holds the best-effort oracle reference poller settings.
type OracleConfig struct {
	Enabled      bool     `toml:"enabled"`
	URL          string   `toml:"url"`
	Pair         string   `toml:"pair"`
	PollInterval duration `toml:"poll_interval"`
}

// CaptureConfig controls the row capture loop and its scheduled checks.
type CaptureConfig struct {
	Tick                 duration `toml:"tick"`
	HTTPFallbackInterval duration `toml:"http_fallback_interval"`
	WatchdogInterval     duration `toml:"watchdog_interval"`
	CoverageCron         string   `toml:"coverage_cron"`
	CoverageThreshold    float64  `toml:"coverage_threshold"`
	ArchiveEnabled       bool     `toml:"archive_enabled"`
	ArchivePrefix        string   `toml:"archive_prefix"`
	Stream               string   `toml:"stream"`
	RetentionDays        int      `toml:"retention_days"`
	RetentionCron        string   `toml:"retention_cron"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required as X-API-Key on every route except
	// /api/health and /metrics.
	APIKey     string  `toml:"api_key"`
	RatePerSec float64 `toml:"rate_per_sec"`
	RateBurst  int     `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramURL       string   `toml:"telegram_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Aggregate: AggregateConfig{
			StalenessMs:        2000,
			MinSources:         1,
			HealthySources:     2,
			USDExchanges:       []string{"coinbase", "kraken", "gemini"},
			USDTExchanges:      []string{"binance", "okx", "bybit", "kucoin", "gateio"},
			WarningDivergence:  0.3,
			CriticalDivergence: 0.5,
		},
		Venues: VenuesConfig{
			Enabled:        []string{"binance", "coinbase", "kraken", "okx", "bybit", "gemini", "kucoin", "gateio"},
			Asset:          "btc",
			BackoffMin:     duration{time.Second},
			BackoffMax:     duration{30 * time.Second},
			BackoffFactor:  1.5,
			ConnectTimeout: duration{5 * time.Second},
			PingInterval:   duration{20 * time.Second},
		},
		Outcome: OutcomeConfig{
			WSURL:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			Resubscribe:    duration{3 * time.Minute},
			StaleAfter:     duration{5 * time.Second},
			ReconnectMax:   duration{5 * time.Second},
			ConnectTimeout: duration{5 * time.Second},
		},
		Rollover: RolloverConfig{
			Assets:            []string{"btc"},
			Timeframes:        []string{"15m"},
			Tick:              duration{5 * time.Second},
			Lead:              duration{30 * time.Second},
			LazyWindow:        duration{15 * time.Second},
			PreconnectWorkers: 8,
			PreconnectTimeout: duration{2 * time.Second},
			BackgroundWorkers: 2,
			DownGrace:         duration{15 * time.Second},
			StaleAfter:        duration{time.Minute},
		},
		Discovery: DiscoveryConfig{
			GammaURL:   "https://gamma-api.polymarket.com",
			ClobURL:    "https://clob.polymarket.com",
			CacheTTL:   duration{5 * time.Second},
			RatePerSec: 10,
			Timeout:    duration{10 * time.Second},
		},
		Oracle: OracleConfig{
			Enabled:      true,
			URL:          "https://api.kraken.com/0/public/Ticker",
			Pair:         "XBTUSD",
			PollInterval: duration{time.Second},
		},
		Capture: CaptureConfig{
			Tick:                 duration{500 * time.Millisecond},
			HTTPFallbackInterval: duration{30 * time.Second},
			WatchdogInterval:     duration{10 * time.Second},
			CoverageCron:         "*/15 * * * *",
			CoverageThreshold:    95,
			ArchiveEnabled:       false,
			ArchivePrefix:        "captures",
			Stream:               "pulse:capture",
			RetentionCron:        "15 3 * * *",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pulsefeed-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RatePerSec:  20,
			RateBurst:   40,
		},
		Notify: NotifyConfig{
			Cooldown: duration{10 * time.Minute},
		},
		Mode:     "capture",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"capture": true,
	"feed":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTimeframes = map[string]bool{
	"5m":  true,
	"15m": true,
	"1hr": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: capture, feed)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Aggregate
	if c.Aggregate.StalenessMs <= 0 {
		errs = append(errs, "aggregate: staleness_ms must be > 0")
	}
	if c.Aggregate.MinSources < 1 {
		errs = append(errs, "aggregate: min_sources must be >= 1")
	}
	if c.Aggregate.WarningDivergence > c.Aggregate.CriticalDivergence {
		errs = append(errs, "aggregate: warning_divergence_pct must not exceed critical_divergence_pct")
	}
	if c.Aggregate.MaxDeviationPct < 0 {
		errs = append(errs, "aggregate: max_deviation_pct must be >= 0")
	}

	// Venues
	if len(c.Venues.Enabled) == 0 {
		errs = append(errs, "venues: enabled must list at least one exchange")
	}
	if c.Venues.Asset == "" {
		errs = append(errs, "venues: asset must not be empty")
	}
	if c.Venues.BackoffMin.Duration <= 0 || c.Venues.BackoffMax.Duration < c.Venues.BackoffMin.Duration {
		errs = append(errs, "venues: backoff_min must be > 0 and <= backoff_max")
	}
	if c.Venues.BackoffFactor < 1 {
		errs = append(errs, "venues: backoff_factor must be >= 1")
	}

	// Outcome
	if c.Outcome.WSURL == "" {
		errs = append(errs, "outcome: ws_url must not be empty")
	}

	// Rollover
	if strings.ToLower(c.Mode) == "capture" {
		if len(c.Rollover.Assets) == 0 {
			errs = append(errs, "rollover: assets must not be empty in capture mode")
		}
		for _, tf := range c.Rollover.Timeframes {
			if !validTimeframes[tf] {
				errs = append(errs, fmt.Sprintf("rollover: unknown timeframe %q (valid: 5m, 15m, 1hr)", tf))
			}
		}
	}
	if c.Rollover.PreconnectWorkers < 1 {
		errs = append(errs, "rollover: preconnect_workers must be >= 1")
	}
	if c.Rollover.BackgroundWorkers < 1 {
		errs = append(errs, "rollover: background_workers must be >= 1")
	}
	if c.Rollover.Tick.Duration <= 0 {
		errs = append(errs, "rollover: tick must be > 0")
	}

	// Discovery
	if c.Discovery.GammaURL == "" || c.Discovery.ClobURL == "" {
		errs = append(errs, "discovery: gamma_url and clob_url must not be empty")
	}

	// Capture
	if c.Capture.Tick.Duration <= 0 {
		errs = append(errs, "capture: tick must be > 0")
	}
	if c.Capture.RetentionDays < 0 {
		errs = append(errs, "capture: retention_days must be >= 0")
	}
	if c.Capture.CoverageThreshold < 0 || c.Capture.CoverageThreshold > 100 {
		errs = append(errs, "capture: coverage_threshold must be within 0-100")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// S3
	if c.Capture.ArchiveEnabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RatePerSec < 0 || c.Server.RateBurst < 0 {
			errs = append(errs, "server: rate_per_sec and rate_burst must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
