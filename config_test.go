package authsentry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing access secret", func(c *Config) { c.Access.Secret = "  " }},
		{"zero access ttl", func(c *Config) { c.Access.TTL = 0 }},
		{"zero refresh ttl", func(c *Config) { c.Refresh.TTL = 0 }},
		{"refresh below access", func(c *Config) { c.Refresh.TTL = c.Access.TTL }},
		{"empty lockout table", func(c *Config) { c.Lockout.Steps = nil }},
		{"negative lockout step", func(c *Config) { c.Lockout.Steps[0].Threshold = -1 }},
		{"zero otp attempts", func(c *Config) { c.OTP.MaxAttempts = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseLockoutSteps(t *testing.T) {
	steps, err := parseLockoutSteps("5:5m, 10:30m,15:24h")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []LockoutStep{
		{Threshold: 5, Lockout: 5 * time.Minute},
		{Threshold: 10, Lockout: 30 * time.Minute},
		{Threshold: 15, Lockout: 24 * time.Hour},
	}
	if len(steps) != len(want) {
		t.Fatalf("steps = %d, want %d", len(steps), len(want))
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("step %d = %+v, want %+v", i, steps[i], want[i])
		}
	}

	for _, bad := range []string{"5", "x:5m", "5:xyz", ""} {
		if _, err := parseLockoutSteps(bad); err == nil {
			t.Fatalf("parseLockoutSteps(%q) should fail", bad)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AUTHSENTRY_ACCESS_SECRET", "env-secret")
	t.Setenv("AUTHSENTRY_ACCESS_TTL", "15m")
	t.Setenv("AUTHSENTRY_OTP_MAX_ATTEMPTS", "3")
	t.Setenv("AUTHSENTRY_LOCKOUT_STEPS", "3:1m,6:10m")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Access.Secret != "env-secret" {
		t.Fatalf("secret = %q", cfg.Access.Secret)
	}
	if cfg.Access.TTL != 15*time.Minute {
		t.Fatalf("access ttl = %v", cfg.Access.TTL)
	}
	if cfg.OTP.MaxAttempts != 3 {
		t.Fatalf("otp attempts = %d", cfg.OTP.MaxAttempts)
	}
	if len(cfg.Lockout.Steps) != 2 || cfg.Lockout.Steps[1].Lockout != 10*time.Minute {
		t.Fatalf("lockout steps = %+v", cfg.Lockout.Steps)
	}
	// Untouched keys keep their defaults.
	if cfg.Refresh.TTL != 48*time.Hour {
		t.Fatalf("refresh ttl = %v", cfg.Refresh.TTL)
	}
}

func TestConfigFromEnvBadValue(t *testing.T) {
	t.Setenv("AUTHSENTRY_ACCESS_SECRET", "env-secret")
	t.Setenv("AUTHSENTRY_ACCESS_TTL", "not-a-duration")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authsentry.yaml")
	body := `
access:
  secret: file-secret
  ttl: 20m
lockout:
  steps:
    - threshold: 4
      lockout: 2m
otp:
  max_attempts: 4
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Access.Secret != "file-secret" || cfg.Access.TTL != 20*time.Minute {
		t.Fatalf("access = %+v", cfg.Access)
	}
	if len(cfg.Lockout.Steps) != 1 || cfg.Lockout.Steps[0].Threshold != 4 {
		t.Fatalf("lockout = %+v", cfg.Lockout)
	}
	if cfg.OTP.MaxAttempts != 4 {
		t.Fatalf("otp = %+v", cfg.OTP)
	}
	// Unset sections keep their defaults.
	if cfg.Recovery.BatchSize != 10 {
		t.Fatalf("recovery batch = %d", cfg.Recovery.BatchSize)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}
