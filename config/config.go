/*
Package config loads server configuration.

SOURCES (later wins):
  1. .env in the working directory, if present
  2. NEXUS_* environment variables
  3. Command-line flags (-port, -db, -store, -catalog)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreSupabase = "supabase"
)

type Config struct {
	Port  int    `env:"NEXUS_PORT"  envDefault:"8080"`
	Store string `env:"NEXUS_STORE" envDefault:"sqlite"`
	Dev   bool   `env:"NEXUS_DEV"`

	DBPath      string `env:"NEXUS_DB_PATH"      envDefault:"nexus.db"`
	SupabaseURL string `env:"NEXUS_SUPABASE_URL"`
	SupabaseKey string `env:"NEXUS_SUPABASE_KEY"`

	CatalogPath string `env:"NEXUS_CATALOG_PATH" envDefault:"catalog.json"`

	JWTSecret  string        `env:"NEXUS_JWT_SECRET"`
	SessionTTL time.Duration `env:"NEXUS_SESSION_TTL" envDefault:"24h"`

	WriteQueue    int  `env:"NEXUS_WRITE_QUEUE"     envDefault:"256"`
	WriteMaxTries uint `env:"NEXUS_WRITE_MAX_TRIES" envDefault:"3"`

	RateLimit      float64  `env:"NEXUS_RATE_LIMIT"      envDefault:"10"`
	RateBurst      int      `env:"NEXUS_RATE_BURST"      envDefault:"20"`
	AllowedOrigins []string `env:"NEXUS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads .env, the environment and then args (without the program name).
func Load(args []string) (Config, error) {
	// best-effort: a missing .env is normal outside local development
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("nexus", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path (":memory:" for in-memory)`)
	fs.StringVar(&cfg.Store, "store", cfg.Store, "profile store: memory, sqlite or supabase")
	fs.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "catalog JSON file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Dev && cfg.JWTSecret == "" {
		cfg.JWTSecret = "nexus-dev-secret"
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StoreSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return errors.New("supabase store requires NEXUS_SUPABASE_URL and NEXUS_SUPABASE_KEY")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.JWTSecret == "" {
		return errors.New("NEXUS_JWT_SECRET is required outside dev mode")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit and burst must be positive")
	}
	return nil
}
