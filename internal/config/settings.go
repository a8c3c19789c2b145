package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings are the process-level options read from the environment.
type Settings struct {
	Workspace   string `env:"ORDERLINE_WORKSPACE" envDefault:"."`
	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisURL     string        `env:"REDIS_URL"`
	ItemTTL      time.Duration `env:"ITEM_CACHE_TTL" envDefault:"10m"`
	ScopeTTL     time.Duration `env:"SCOPE_CACHE_TTL" envDefault:"5m"`
	AggregateTTL time.Duration `env:"AGGREGATE_CACHE_TTL" envDefault:"1m"`

	LifecycleConfig string `env:"LIFECYCLE_CONFIG"`

	HTTPAddr        string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	JWTSecret       string `env:"JWT_SECRET"`
	RateLimitBurst  int    `env:"RATE_LIMIT_BURST" envDefault:"40"`
	RateLimitPerSec int    `env:"RATE_LIMIT_RPS" envDefault:"20"`
	TrustProxy      bool   `env:"TRUST_PROXY" envDefault:"false"`

	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	NotifyQueue   int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	NotifyRetries int    `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"3"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadEnv loads whichever of the given dotenv files exist. Missing files are ignored.
func LoadEnv(files ...string) (int, error) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// LoadSettings reads .env files and parses the environment.
func LoadSettings() (Settings, error) {
	if _, err := LoadEnv(".env", ".env.local"); err != nil {
		return Settings{}, fmt.Errorf("load env files: %w", err)
	}
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, err
	}
	return s, s.Validate()
}

// Validate checks the settings combination.
func (s Settings) Validate() error {
	switch s.DBDriver {
	case "sqlite":
	case "postgres":
		if s.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", s.DBDriver)
	}
	if s.ItemTTL <= 0 || s.ScopeTTL <= 0 || s.AggregateTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if s.RateLimitPerSec < 0 || s.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	if s.NotifyQueue <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive")
	}
	return nil
}
