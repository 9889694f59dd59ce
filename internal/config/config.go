// Package config defines the top-level configuration for the perp bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PERPBOT_* environment
// variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Feed      FeedConfig      `toml:"feed"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds Binance USDT-M futures credentials and contract
// selection.
type ExchangeConfig struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	Testnet   bool   `toml:"testnet"`
	Symbol    string `toml:"symbol"`
	Leverage  int    `toml:"leverage"`
}

// FeedConfig holds the market-data stream parameters.
type FeedConfig struct {
	WsURL      string   `toml:"ws_url"`
	StaleAfter duration `toml:"stale_after"`
	Buffer     int      `toml:"buffer"`
}

// RiskConfig holds the risk gate limits.
type RiskConfig struct {
	PerTradeRisk     float64 `toml:"per_trade_risk"`
	MaxPositionRisk  float64 `toml:"max_position_risk"`
	MaxDailyDrawdown float64 `toml:"max_daily_drawdown"`
	MaxTradesPerDay  int     `toml:"max_trades_per_day"`
	FundingGuard     float64 `toml:"funding_guard"`
	MinQty           float64 `toml:"min_qty"`
	MaxQty           float64 `toml:"max_qty"`
}

// ExecutionConfig holds the order sequencer parameters.
type ExecutionConfig struct {
	EntryOffset    float64  `toml:"entry_offset"`
	MinFillRatio   float64  `toml:"min_fill_ratio"`
	MaxStatusPolls int      `toml:"max_status_polls"`
	PollMinWait    duration `toml:"poll_min_wait"`
	PollMaxWait    duration `toml:"poll_max_wait"`
	TPRetryLimit   int      `toml:"tp_retry_limit"`
}

// StrategyConfig enables and tunes the strategies.
type StrategyConfig struct {
	OverheatShort OverheatShortConfig `toml:"overheat_short"`
	TrendLong     TrendLongConfig     `toml:"trend_long"`
}

// OverheatShortConfig holds the blow-off fade parameters.
type OverheatShortConfig struct {
	Enabled            bool     `toml:"enabled"`
	MinTriggers        int      `toml:"min_triggers"`
	DepthDropThreshold float64  `toml:"depth_drop_threshold"`
	StopOffset         float64  `toml:"stop_offset"`
	MaxHold            duration `toml:"max_hold"`
}

// TrendLongConfig holds the pullback-continuation parameters.
type TrendLongConfig struct {
	Enabled           bool     `toml:"enabled"`
	PullbackTolerance float64  `toml:"pullback_tolerance"`
	BreakoutVolRatio  float64  `toml:"breakout_vol_ratio"`
	StopOffset        float64  `toml:"stop_offset"`
	TrailingOffset    float64  `toml:"trailing_offset"`
	MaxHold           duration `toml:"max_hold"`
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
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the retention sweep that moves aged records to
// object storage.
type ArchiveConfig struct {
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values in
// config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Testnet:  true,
			Symbol:   "BTCUSDT",
			Leverage: 5,
		},
		Feed: FeedConfig{
			WsURL:      "wss://fstream.binance.com/stream",
			StaleAfter: duration{30 * time.Second},
			Buffer:     256,
		},
		Risk: RiskConfig{
			PerTradeRisk:     0.003,
			MaxPositionRisk:  0.005,
			MaxDailyDrawdown: 0.02,
			MaxTradesPerDay:  6,
			FundingGuard:     0.0003,
			MinQty:           0.001,
			MaxQty:           1000,
		},
		Execution: ExecutionConfig{
			EntryOffset:    0.001,
			MinFillRatio:   0.9,
			MaxStatusPolls: 20,
			PollMinWait:    duration{250 * time.Millisecond},
			PollMaxWait:    duration{4 * time.Second},
			TPRetryLimit:   3,
		},
		Strategy: StrategyConfig{
			OverheatShort: OverheatShortConfig{
				Enabled:            true,
				MinTriggers:        2,
				DepthDropThreshold: 0.20,
				StopOffset:         0.0025,
				MaxHold:            duration{30 * time.Minute},
			},
			TrendLong: TrendLongConfig{
				Enabled:           true,
				PullbackTolerance: 0.005,
				BreakoutVolRatio:  1.2,
				StopOffset:        0.002,
				TrailingOffset:    0.002,
				MaxHold:           duration{2 * time.Hour},
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "risk_suspended", "failsafe"},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Exchange.Symbol == "" {
		errs = append(errs, "exchange: symbol must not be empty")
	}
	if strings.ToLower(c.Mode) == "trade" {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			errs = append(errs, "exchange: api_key and api_secret are required for trade mode")
		}
	}
	if c.Exchange.Leverage < 1 || c.Exchange.Leverage > 125 {
		errs = append(errs, fmt.Sprintf("exchange: leverage must be 1-125, got %d", c.Exchange.Leverage))
	}

	if c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if c.Feed.StaleAfter.Duration <= 0 {
		errs = append(errs, "feed: stale_after must be positive")
	}

	if c.Risk.PerTradeRisk <= 0 || c.Risk.PerTradeRisk > c.Risk.MaxPositionRisk {
		errs = append(errs, "risk: per_trade_risk must be positive and not exceed max_position_risk")
	}
	if c.Risk.MaxDailyDrawdown <= 0 || c.Risk.MaxDailyDrawdown >= 1 {
		errs = append(errs, "risk: max_daily_drawdown must be in (0, 1)")
	}
	if c.Risk.MaxTradesPerDay < 1 {
		errs = append(errs, "risk: max_trades_per_day must be >= 1")
	}
	if c.Risk.MinQty <= 0 || c.Risk.MaxQty < c.Risk.MinQty {
		errs = append(errs, "risk: min_qty must be positive and not exceed max_qty")
	}

	if c.Execution.MinFillRatio <= 0 || c.Execution.MinFillRatio > 1 {
		errs = append(errs, "execution: min_fill_ratio must be in (0, 1]")
	}
	if c.Execution.MaxStatusPolls < 1 {
		errs = append(errs, "execution: max_status_polls must be >= 1")
	}

	if !c.Strategy.OverheatShort.Enabled && !c.Strategy.TrendLong.Enabled {
		errs = append(errs, "strategy: at least one strategy must be enabled")
	}

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
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
