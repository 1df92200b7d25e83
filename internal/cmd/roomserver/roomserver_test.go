package roomserver

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("roomserver", flag.ContinueOnError)
	t.Setenv("DRIFTLINE_ROOMSERVER_PORT", "9093")
	t.Setenv("DRIFTLINE_SERVER_NAME", "driftline.example")

	cfg, err := ParseConfig(fs, []string{"-instance", "roomserver-e2e", "-retry-backoff", "1s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9093 {
		t.Fatalf("port = %d, want 9093", cfg.Port)
	}
	if cfg.ServerName != "driftline.example" {
		t.Fatalf("server name = %q, want %q", cfg.ServerName, "driftline.example")
	}
	if cfg.Instance != "roomserver-e2e" {
		t.Fatalf("instance = %q, want %q", cfg.Instance, "roomserver-e2e")
	}
	if cfg.RetryBackoff != time.Second {
		t.Fatalf("retry backoff = %v, want 1s", cfg.RetryBackoff)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("roomserver", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8093 {
		t.Fatalf("port = %d, want 8093", cfg.Port)
	}
	if cfg.DBPath != "data/roomserver.db" {
		t.Fatalf("db path = %q, want data/roomserver.db", cfg.DBPath)
	}
	if cfg.Instance != "roomserver-1" {
		t.Fatalf("instance = %q, want roomserver-1", cfg.Instance)
	}
	if cfg.RetryBackoff != 5*time.Second {
		t.Fatalf("retry backoff = %v, want 5s", cfg.RetryBackoff)
	}
	if cfg.RetryMaxDelay != 5*time.Minute {
		t.Fatalf("retry max delay = %v, want 5m", cfg.RetryMaxDelay)
	}
}
