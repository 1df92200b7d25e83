package config

import (
	"strings"
	"testing"
	"time"
)

type testConfig struct {
	Port    int           `env:"DRIFTLINE_TEST_PORT" envDefault:"8093"`
	Backoff time.Duration `env:"DRIFTLINE_TEST_BACKOFF" envDefault:"5s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 8093 {
		t.Fatalf("port = %d, want default 8093", cfg.Port)
	}
	if cfg.Backoff != 5*time.Second {
		t.Fatalf("backoff = %v, want default 5s", cfg.Backoff)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	var cfg testConfig
	t.Setenv("DRIFTLINE_TEST_PORT", "9100")
	t.Setenv("DRIFTLINE_TEST_BACKOFF", "250ms")

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, want 9100", cfg.Port)
	}
	if cfg.Backoff != 250*time.Millisecond {
		t.Fatalf("backoff = %v, want 250ms", cfg.Backoff)
	}
}

func TestParseEnvBadValue(t *testing.T) {
	var cfg testConfig
	t.Setenv("DRIFTLINE_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "environment config:") {
		t.Fatalf("expected environment config prefix, got %v", err)
	}
}
