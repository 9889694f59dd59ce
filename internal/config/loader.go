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
// built-in defaults and applies PERPBOT_* environment variable overrides.
// The returned Config has not been validated; call Config.Validate after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present; missing is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from well-known PERPBOT_*
// variables so operators can inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.APIKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "PERPBOT_EXCHANGE_API_SECRET")
	setBool(&cfg.Exchange.Testnet, "PERPBOT_EXCHANGE_TESTNET")
	setStr(&cfg.Exchange.Symbol, "PERPBOT_EXCHANGE_SYMBOL")
	setInt(&cfg.Exchange.Leverage, "PERPBOT_EXCHANGE_LEVERAGE")

	setStr(&cfg.Feed.WsURL, "PERPBOT_FEED_WS_URL")
	setDuration(&cfg.Feed.StaleAfter, "PERPBOT_FEED_STALE_AFTER")
	setInt(&cfg.Feed.Buffer, "PERPBOT_FEED_BUFFER")

	setFloat64(&cfg.Risk.PerTradeRisk, "PERPBOT_RISK_PER_TRADE_RISK")
	setFloat64(&cfg.Risk.MaxPositionRisk, "PERPBOT_RISK_MAX_POSITION_RISK")
	setFloat64(&cfg.Risk.MaxDailyDrawdown, "PERPBOT_RISK_MAX_DAILY_DRAWDOWN")
	setInt(&cfg.Risk.MaxTradesPerDay, "PERPBOT_RISK_MAX_TRADES_PER_DAY")
	setFloat64(&cfg.Risk.FundingGuard, "PERPBOT_RISK_FUNDING_GUARD")
	setFloat64(&cfg.Risk.MinQty, "PERPBOT_RISK_MIN_QTY")
	setFloat64(&cfg.Risk.MaxQty, "PERPBOT_RISK_MAX_QTY")

	setFloat64(&cfg.Execution.EntryOffset, "PERPBOT_EXECUTION_ENTRY_OFFSET")
	setFloat64(&cfg.Execution.MinFillRatio, "PERPBOT_EXECUTION_MIN_FILL_RATIO")
	setInt(&cfg.Execution.MaxStatusPolls, "PERPBOT_EXECUTION_MAX_STATUS_POLLS")
	setDuration(&cfg.Execution.PollMinWait, "PERPBOT_EXECUTION_POLL_MIN_WAIT")
	setDuration(&cfg.Execution.PollMaxWait, "PERPBOT_EXECUTION_POLL_MAX_WAIT")
	setInt(&cfg.Execution.TPRetryLimit, "PERPBOT_EXECUTION_TP_RETRY_LIMIT")

	setBool(&cfg.Strategy.OverheatShort.Enabled, "PERPBOT_STRATEGY_OVERHEAT_SHORT_ENABLED")
	setBool(&cfg.Strategy.TrendLong.Enabled, "PERPBOT_STRATEGY_TREND_LONG_ENABLED")

	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")

	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")

	setInt(&cfg.Archive.RetentionDays, "PERPBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "PERPBOT_ARCHIVE_INTERVAL")

	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
