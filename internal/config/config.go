package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime settings for the API server and background sweeps.
// Values come from the environment; defaults suit local development.
type Config struct {
	Addr            string        `env:"INKSIGN_ADDR" envDefault:":8080"`
	PostgresDSN     string        `env:"INKSIGN_PG_DSN"`
	AuthSecret      string        `env:"INKSIGN_AUTH_SECRET"`
	SessionIdleTTL  time.Duration `env:"INKSIGN_SESSION_IDLE_TTL" envDefault:"30m"`
	SweepInterval   time.Duration `env:"INKSIGN_SWEEP_INTERVAL" envDefault:"1m"`
	RateLimitBurst  int           `env:"INKSIGN_RATE_BURST" envDefault:"20"`
	RateLimitPerSec int           `env:"INKSIGN_RATE_PER_SEC" envDefault:"10"`
	MaxBodyBytes    int64         `env:"INKSIGN_MAX_BODY_BYTES" envDefault:"1048576"`
	MigrationsDir   string        `env:"INKSIGN_MIGRATIONS_DIR" envDefault:"db/migrations"`
	SeedsDir        string        `env:"INKSIGN_SEEDS_DIR" envDefault:"db/seeds"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
