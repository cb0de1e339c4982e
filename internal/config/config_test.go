package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("unexpected session ttl: %v", cfg.SessionIdleTTL)
	}
	if cfg.RateLimitBurst != 20 || cfg.RateLimitPerSec != 10 {
		t.Fatalf("unexpected rate limits: %d/%d", cfg.RateLimitBurst, cfg.RateLimitPerSec)
	}
}

func TestLoadOverridesAndErrors(t *testing.T) {
	t.Setenv("INKSIGN_ADDR", ":9090")
	t.Setenv("INKSIGN_SESSION_IDLE_TTL", "5m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.SessionIdleTTL != 5*time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	t.Setenv("INKSIGN_SESSION_IDLE_TTL", "not-a-duration")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
