package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
	if got := len(cfg.WebRTC.ICEServers[0].URLs); got != 5 {
		t.Fatalf("expected 5 default STUN urls, got %d", got)
	}
	if cfg.WebRTC.ICECandidatePoolSize != 10 {
		t.Fatalf("expected candidate pool size 10, got %d", cfg.WebRTC.ICECandidatePoolSize)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "server address must not be empty",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Server.PongTimeout = c.Server.PingInterval },
		},
		{
			name:   "negotiation timeout must not be negative",
			mutate: func(c *Config) { c.Engine.NegotiationTimeout = -time.Second },
		},
		{
			name:   "event buffer must be > 0",
			mutate: func(c *Config) { c.Engine.EventBuffer = 0 },
		},
		{
			name:   "frame duration must be > 0",
			mutate: func(c *Config) { c.Capture.FrameDuration = 0 },
		},
		{
			name: "port range requires both ends",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 10000
			},
		},
		{
			name: "port range min below max",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 20000
				c.WebRTC.PortRange.Max = 10000
			},
		},
		{
			name:   "ice server needs urls",
			mutate: func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} },
		},
		{
			name:   "unknown relay backend",
			mutate: func(c *Config) { c.Relay.Backend = "postgres" },
		},
		{
			name: "redis backend needs address",
			mutate: func(c *Config) {
				c.Relay.Backend = "redis"
				c.Relay.Redis.Address = ""
			},
		},
		{
			name:   "retry attempts",
			mutate: func(c *Config) { c.Reliability.Retry.MaxAttempts = 0 },
		},
		{
			name:   "tracing endpoint",
			mutate: func(c *Config) { c.Tracing.Enabled = true },
		},
		{
			name:   "sampling rate range",
			mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 },
		},
		{
			name: "rate limit rps",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.RequestsPerSecond = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Relay.Backend)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airwave.yaml")
	body := []byte(`
participant:
  display_name: Alice
engine:
  negotiation_timeout: 5s
relay:
  backend: memory
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AIRWAVE_LOG_LEVEL", "debug")
	t.Setenv("AIRWAVE_NEGOTIATION_TIMEOUT", "7s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Participant.DisplayName != "Alice" {
		t.Fatalf("expected Alice, got %q", cfg.Participant.DisplayName)
	}
	if cfg.Engine.NegotiationTimeout != 7*time.Second {
		t.Fatalf("expected env override 7s, got %v", cfg.Engine.NegotiationTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default server address, got %q", cfg.Server.Address)
	}
}
