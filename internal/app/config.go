package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Store backends selectable through LEDGER_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"60s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string     `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  slog.Level `envconfig:"LOG_LEVEL" default:"INFO"`

	LedgerStore          string          `envconfig:"LEDGER_STORE" default:"memory"`
	LedgerBaseCurrency   string          `envconfig:"LEDGER_BASE_CURRENCY" default:"PEN"`
	LedgerFallbackFXRate decimal.Decimal `envconfig:"LEDGER_FALLBACK_FX_RATE" default:"0"`
	LedgerMaxRetries     int             `envconfig:"LEDGER_MAX_RETRIES" default:"3"`
	StockAlertLimit      int             `envconfig:"STOCK_ALERT_LIMIT" default:"15"`

	PGDSN         string `envconfig:"PG_DSN"`
	PGAutoMigrate bool   `envconfig:"PG_AUTO_MIGRATE" default:"true"`

	// RedisAddr empty disables the report cache and the job queue.
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"10m"`

	// WorkerEmbedded runs the job worker inside the API process. Required for
	// jobs to see the memory store.
	WorkerEmbedded bool `envconfig:"WORKER_EMBEDDED" default:"false"`

	// KafkaBrokers empty disables event publishing.
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"odyssey.ledger.events"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.LedgerStore {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			return errors.New("PG_DSN must be provided when LEDGER_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown LEDGER_STORE %q", c.LedgerStore)
	}
	if _, err := currency.ParseISO(c.LedgerBaseCurrency); err != nil {
		return fmt.Errorf("invalid LEDGER_BASE_CURRENCY %q: %w", c.LedgerBaseCurrency, err)
	}
	if c.LedgerFallbackFXRate.IsNegative() {
		return errors.New("LEDGER_FALLBACK_FX_RATE must not be negative")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// UsePostgres reports whether the durable store is selected.
func (c *Config) UsePostgres() bool {
	return c != nil && c.LedgerStore == StorePostgres
}
