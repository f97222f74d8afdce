package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Retry     RetryConfig     `yaml:"retry"`
	Limits    LimitsConfig    `yaml:"limits"`
	Journal   JournalConfig   `yaml:"journal"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// InternalToken guards the matcher and oracle event endpoints. Empty
	// leaves them open, which is only suitable behind a private network.
	InternalToken string `yaml:"internal_token"`
}

// StoreConfig selects the order/position store. Driver is "memory" or "postgres".
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

type LedgerConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ProgramID      string        `yaml:"program_id"`
	AuthorityKey   string        `yaml:"authority_key"`
	Decimals       int32         `yaml:"decimals"`
	SkipPreflight  bool          `yaml:"skip_preflight"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// LimitsConfig caps open exposure per user. Zero disables a cap.
type LimitsConfig struct {
	MaxPerBand        float64 `yaml:"max_per_band"`
	MaxCorrelated     float64 `yaml:"max_correlated"`
	CorrelationRadius float64 `yaml:"correlation_radius"`
	MaxTotal          float64 `yaml:"max_total"`
}

type JournalConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ReconcileConfig drives the intent reconciler. Lease defaults to the
// longest a live transfer can take under the retry and ledger settings.
type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Lease       time.Duration `yaml:"lease"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path yields defaults plus
// environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("LEDGER_PROGRAM_ID"); v != "" {
		cfg.Ledger.ProgramID = v
	}
	if v := os.Getenv("LEDGER_AUTHORITY_KEY"); v != "" {
		cfg.Ledger.AuthorityKey = v
	}
	if v := os.Getenv("INTERNAL_TOKEN"); v != "" {
		cfg.HTTP.InternalToken = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// Transfers wait for confirmation under the retry budget.
		cfg.HTTP.WriteTimeout = 90 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 30 * time.Second
	}
	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = "https://api.devnet.solana.com"
	}
	if cfg.Ledger.Decimals == 0 {
		cfg.Ledger.Decimals = 9
	}
	if cfg.Ledger.ConfirmTimeout == 0 {
		cfg.Ledger.ConfirmTimeout = 30 * time.Second
	}
	if cfg.Ledger.PollInterval == 0 {
		cfg.Ledger.PollInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff == 0 {
		cfg.Retry.Backoff = time.Second
	}
	if cfg.Journal.SQLitePath == "" {
		cfg.Journal.SQLitePath = "data/intents.db"
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = time.Minute
	}
	if cfg.Reconcile.MaxAttempts == 0 {
		cfg.Reconcile.MaxAttempts = 10
	}
	if cfg.Reconcile.Lease == 0 {
		cfg.Reconcile.Lease = time.Duration(cfg.Retry.MaxAttempts)*cfg.Retry.Backoff + cfg.Ledger.ConfirmTimeout + time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "memory":
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q must be memory or postgres", cfg.Store.Driver)
	}
	if cfg.Ledger.ProgramID == "" {
		return errors.New("ledger.program_id is required")
	}
	if cfg.Ledger.Decimals < 0 || cfg.Ledger.Decimals > 18 {
		return errors.New("ledger.decimals must be between 0 and 18")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Limits.MaxPerBand < 0 || cfg.Limits.MaxCorrelated < 0 || cfg.Limits.MaxTotal < 0 || cfg.Limits.CorrelationRadius < 0 {
		return errors.New("limits must not be negative")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
