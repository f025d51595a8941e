// Package config defines the top-level configuration for the exit engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/exit"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITGUARD_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Exit     ExitConfig     `toml:"exit"`
	Filters  FiltersConfig  `toml:"filters"`
	Guards   GuardsConfig   `toml:"guards"`
	Oanda    OandaConfig    `toml:"oanda"`
	Paper    PaperConfig    `toml:"paper"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Journal  JournalConfig  `toml:"journal"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds evaluation loop and close executor settings.
type EngineConfig struct {
	Instrument       string `toml:"instrument"`
	CheckIntervalMs  int    `toml:"check_interval_ms"`
	RetryCount       int    `toml:"retry_count"`
	RetryDelayMs     int    `toml:"retry_delay_ms"`
	DryRun           bool   `toml:"dry_run"`
	Verbose          bool   `toml:"verbose"`
	ReleaseOnSuccess bool   `toml:"release_on_success"`
	ReservationTTLMs int    `toml:"reservation_ttl_ms"`
	ReportBuffer     int    `toml:"report_buffer"`
}

// ExitConfig holds the money thresholds, in account currency.
type ExitConfig struct {
	TargetProfit float64 `toml:"target_profit"`
	FeeFloor     float64 `toml:"fee_floor"`
	MaxLoss      float64 `toml:"max_loss"`
}

// FiltersConfig selects which positions are managed.
type FiltersConfig struct {
	OnlyManualPositions  bool   `toml:"only_manual_positions"`
	ManualLabelWhitelist string `toml:"manual_label_whitelist"`
}

// GuardsConfig holds the optional take-profit gates.
type GuardsConfig struct {
	UseSpreadGuard  bool    `toml:"use_spread_guard"`
	MaxSpreadPoints float64 `toml:"max_spread_points"`
	UseMinHold      bool    `toml:"use_min_hold"`
	MinHoldMs       int     `toml:"min_hold_ms"`
}

// OandaConfig holds OANDA v20 credentials and polling parameters.
type OandaConfig struct {
	Environment    string  `toml:"environment"`
	APIKey         string  `toml:"api_key"`
	AccountID      string  `toml:"account_id"`
	Instrument     string  `toml:"instrument"`
	RESTURL        string  `toml:"rest_url"`
	StreamURL      string  `toml:"stream_url"`
	TickSize       float64 `toml:"tick_size"`
	PollIntervalMs int     `toml:"poll_interval_ms"`
	StreamEnabled  bool    `toml:"stream_enabled"`
}

// PaperConfig drives the in-memory simulated host.
type PaperConfig struct {
	StartPrice     float64         `toml:"start_price"`
	TickSize       float64         `toml:"tick_size"`
	SpreadTicks    int64           `toml:"spread_ticks"`
	TickIntervalMs int             `toml:"tick_interval_ms"`
	Positions      []PaperPosition `toml:"positions"`
}

// PaperPosition is a position opened at paper-host start.
type PaperPosition struct {
	Label string  `toml:"label"`
	Side  string  `toml:"side"`
	Units float64 `toml:"units"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	UseLocks   bool   `toml:"use_locks"`
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

// JournalConfig controls the daily CSV/TXT exit journal.
type JournalConfig struct {
	Enabled           bool     `toml:"enabled"`
	Dir               string   `toml:"dir"`
	ArchiveToS3       bool     `toml:"archive_to_s3"`
	ArchiveInterval   duration `toml:"archive_interval"`
	ArchivePrefix     string   `toml:"archive_prefix"`
	DeleteAfterUpload bool     `toml:"delete_after_upload"`
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
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Instrument:      "XAUUSD",
			CheckIntervalMs: 200,
			RetryCount:      1,
			RetryDelayMs:    150,
			DryRun:          false,
			Verbose:         true,
			ReportBuffer:    1024,
		},
		Exit: ExitConfig{
			TargetProfit: 1.20,
			FeeFloor:     1.00,
			MaxLoss:      3.00,
		},
		Filters: FiltersConfig{
			OnlyManualPositions: true,
		},
		Guards: GuardsConfig{
			UseSpreadGuard:  false,
			MaxSpreadPoints: 80,
			UseMinHold:      false,
			MinHoldMs:       1200,
		},
		Oanda: OandaConfig{
			Environment:    "practice",
			Instrument:     "XAU_USD",
			TickSize:       0.01,
			PollIntervalMs: 1000,
			StreamEnabled:  true,
		},
		Paper: PaperConfig{
			StartPrice:     2400,
			TickSize:       0.01,
			SpreadTicks:    30,
			TickIntervalMs: 250,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exitguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			UseLocks:   true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitguard-journal",
			ForcePathStyle: true,
		},
		Journal: JournalConfig{
			Enabled:         true,
			Dir:             "logs",
			ArchiveInterval: duration{time.Hour},
			ArchivePrefix:   "journal",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.ExitEventClosed),
				string(domain.ExitEventCloseFailed),
				string(domain.ExitEventExternalClose),
				string(domain.ExitEventStarted),
				string(domain.ExitEventStopped),
			},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. The engine must not start when it
// returns an error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exit thresholds
	if c.Exit.TargetProfit <= 0 {
		errs = append(errs, "exit: target_profit must be > 0")
	}
	if c.Exit.FeeFloor < 0 {
		errs = append(errs, "exit: fee_floor must be >= 0")
	}
	if c.Exit.MaxLoss <= 0 {
		errs = append(errs, "exit: max_loss must be > 0")
	}

	// Guards
	if c.Guards.UseSpreadGuard && c.Guards.MaxSpreadPoints <= 0 {
		errs = append(errs, "guards: max_spread_points must be > 0 when use_spread_guard is set")
	}
	if c.Guards.UseMinHold && c.Guards.MinHoldMs < 0 {
		errs = append(errs, "guards: min_hold_ms must be >= 0 when use_min_hold is set")
	}

	// Engine
	if strings.TrimSpace(c.Engine.Instrument) == "" {
		errs = append(errs, "engine: instrument must not be empty")
	}
	if c.Engine.CheckIntervalMs < 10 {
		errs = append(errs, "engine: check_interval_ms must be >= 10")
	}
	if c.Engine.RetryCount < 0 || c.Engine.RetryCount > 5 {
		errs = append(errs, fmt.Sprintf("engine: retry_count must be 0-5, got %d", c.Engine.RetryCount))
	}
	if c.Engine.RetryDelayMs < 50 || c.Engine.RetryDelayMs > 1000 {
		errs = append(errs, fmt.Sprintf("engine: retry_delay_ms must be 50-1000, got %d", c.Engine.RetryDelayMs))
	}
	if c.Engine.ReservationTTLMs < 0 {
		errs = append(errs, "engine: reservation_ttl_ms must be >= 0")
	}
	if c.Engine.ReportBuffer < 1 {
		errs = append(errs, "engine: report_buffer must be >= 1")
	}

	// Host
	switch strings.ToLower(c.Mode) {
	case "live":
		if c.Oanda.APIKey == "" {
			errs = append(errs, "oanda: api_key is required for live mode")
		}
		if c.Oanda.AccountID == "" {
			errs = append(errs, "oanda: account_id is required for live mode")
		}
		if c.Oanda.Environment != "practice" && c.Oanda.Environment != "live" {
			errs = append(errs, fmt.Sprintf("oanda: environment must be practice or live, got %q", c.Oanda.Environment))
		}
		if c.Oanda.Instrument == "" {
			errs = append(errs, "oanda: instrument must not be empty")
		}
		if c.Oanda.TickSize < 0 {
			errs = append(errs, "oanda: tick_size must be >= 0")
		}
		if c.Oanda.PollIntervalMs < 100 {
			errs = append(errs, "oanda: poll_interval_ms must be >= 100")
		}
	case "paper":
		if c.Paper.StartPrice <= 0 {
			errs = append(errs, "paper: start_price must be > 0")
		}
		if c.Paper.TickSize <= 0 {
			errs = append(errs, "paper: tick_size must be > 0")
		}
		if c.Paper.TickIntervalMs < 10 {
			errs = append(errs, "paper: tick_interval_ms must be >= 10")
		}
		for i, p := range c.Paper.Positions {
			if p.Side != "long" && p.Side != "short" {
				errs = append(errs, fmt.Sprintf("paper: positions[%d].side must be long or short", i))
			}
			if p.Units <= 0 {
				errs = append(errs, fmt.Sprintf("paper: positions[%d].units must be > 0", i))
			}
		}
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
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Journal
	if c.Journal.Enabled && c.Journal.Dir == "" {
		errs = append(errs, "journal: dir must not be empty")
	}
	if c.Journal.ArchiveToS3 {
		if !c.S3.Enabled {
			errs = append(errs, "journal: archive_to_s3 requires s3.enabled")
		}
		if c.Journal.ArchiveInterval.Duration < time.Minute {
			errs = append(errs, "journal: archive_interval must be >= 1m")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", domain.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Rules converts the validated thresholds and gates to exit rules.
func (c *Config) Rules() exit.Rules {
	return exit.Rules{
		Instrument:      strings.TrimSpace(c.Engine.Instrument),
		TargetProfit:    decimal.NewFromFloat(c.Exit.TargetProfit),
		FeeFloor:        decimal.NewFromFloat(c.Exit.FeeFloor),
		MaxLoss:         decimal.NewFromFloat(c.Exit.MaxLoss),
		OnlyManual:      c.Filters.OnlyManualPositions,
		LabelWhitelist:  c.Filters.ManualLabelWhitelist,
		UseSpreadGuard:  c.Guards.UseSpreadGuard,
		MaxSpreadPoints: decimal.NewFromFloat(c.Guards.MaxSpreadPoints),
		UseMinHold:      c.Guards.UseMinHold,
		MinHold:         ms(c.Guards.MinHoldMs),
	}
}

// CheckInterval is the periodic timer interval.
func (c *Config) CheckInterval() time.Duration { return ms(c.Engine.CheckIntervalMs) }

// RetryDelay is the wait between close attempts.
func (c *Config) RetryDelay() time.Duration { return ms(c.Engine.RetryDelayMs) }

// ReservationTTL is the age after which an unconfirmed reservation is
// dropped; zero disables expiry.
func (c *Config) ReservationTTL() time.Duration { return ms(c.Engine.ReservationTTLMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
