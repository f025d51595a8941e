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
// built-in defaults, applies EXITGUARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
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

// applyEnvOverrides reads well-known EXITGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Instrument, "EXITGUARD_ENGINE_INSTRUMENT")
	setInt(&cfg.Engine.CheckIntervalMs, "EXITGUARD_ENGINE_CHECK_INTERVAL_MS")
	setInt(&cfg.Engine.RetryCount, "EXITGUARD_ENGINE_RETRY_COUNT")
	setInt(&cfg.Engine.RetryDelayMs, "EXITGUARD_ENGINE_RETRY_DELAY_MS")
	setBool(&cfg.Engine.DryRun, "EXITGUARD_ENGINE_DRY_RUN")
	setBool(&cfg.Engine.Verbose, "EXITGUARD_ENGINE_VERBOSE")
	setBool(&cfg.Engine.ReleaseOnSuccess, "EXITGUARD_ENGINE_RELEASE_ON_SUCCESS")
	setInt(&cfg.Engine.ReservationTTLMs, "EXITGUARD_ENGINE_RESERVATION_TTL_MS")

	// ── Exit ──
	setFloat64(&cfg.Exit.TargetProfit, "EXITGUARD_EXIT_TARGET_PROFIT")
	setFloat64(&cfg.Exit.FeeFloor, "EXITGUARD_EXIT_FEE_FLOOR")
	setFloat64(&cfg.Exit.MaxLoss, "EXITGUARD_EXIT_MAX_LOSS")

	// ── Filters ──
	setBool(&cfg.Filters.OnlyManualPositions, "EXITGUARD_FILTERS_ONLY_MANUAL_POSITIONS")
	setStr(&cfg.Filters.ManualLabelWhitelist, "EXITGUARD_FILTERS_MANUAL_LABEL_WHITELIST")

	// ── Guards ──
	setBool(&cfg.Guards.UseSpreadGuard, "EXITGUARD_GUARDS_USE_SPREAD_GUARD")
	setFloat64(&cfg.Guards.MaxSpreadPoints, "EXITGUARD_GUARDS_MAX_SPREAD_POINTS")
	setBool(&cfg.Guards.UseMinHold, "EXITGUARD_GUARDS_USE_MIN_HOLD")
	setInt(&cfg.Guards.MinHoldMs, "EXITGUARD_GUARDS_MIN_HOLD_MS")

	// ── OANDA ──
	setStr(&cfg.Oanda.Environment, "EXITGUARD_OANDA_ENVIRONMENT")
	setStr(&cfg.Oanda.APIKey, "EXITGUARD_OANDA_API_KEY")
	setStr(&cfg.Oanda.APIKey, "OANDA_API_KEY") // compatibility alias
	setStr(&cfg.Oanda.AccountID, "EXITGUARD_OANDA_ACCOUNT_ID")
	setStr(&cfg.Oanda.AccountID, "OANDA_ACCOUNT_ID") // compatibility alias
	setStr(&cfg.Oanda.Instrument, "EXITGUARD_OANDA_INSTRUMENT")
	setStr(&cfg.Oanda.RESTURL, "EXITGUARD_OANDA_REST_URL")
	setStr(&cfg.Oanda.StreamURL, "EXITGUARD_OANDA_STREAM_URL")
	setFloat64(&cfg.Oanda.TickSize, "EXITGUARD_OANDA_TICK_SIZE")
	setInt(&cfg.Oanda.PollIntervalMs, "EXITGUARD_OANDA_POLL_INTERVAL_MS")
	setBool(&cfg.Oanda.StreamEnabled, "EXITGUARD_OANDA_STREAM_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "EXITGUARD_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "EXITGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXITGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXITGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXITGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXITGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXITGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXITGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXITGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXITGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXITGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "EXITGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXITGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITGUARD_REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.UseLocks, "EXITGUARD_REDIS_USE_LOCKS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "EXITGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXITGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITGUARD_S3_FORCE_PATH_STYLE")

	// ── Journal ──
	setBool(&cfg.Journal.Enabled, "EXITGUARD_JOURNAL_ENABLED")
	setStr(&cfg.Journal.Dir, "EXITGUARD_JOURNAL_DIR")
	setBool(&cfg.Journal.ArchiveToS3, "EXITGUARD_JOURNAL_ARCHIVE_TO_S3")
	setDuration(&cfg.Journal.ArchiveInterval, "EXITGUARD_JOURNAL_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXITGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXITGUARD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "EXITGUARD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "EXITGUARD_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN") // compatibility alias
	setStr(&cfg.Notify.TelegramChatID, "EXITGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramChatID, "TELEGRAM_CHAT_ID") // compatibility alias
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITGUARD_MODE")
	setStr(&cfg.LogLevel, "EXITGUARD_LOG_LEVEL")
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
