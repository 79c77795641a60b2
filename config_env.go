package authsentry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML config file over DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ConfigFromEnv builds a Config from AUTHSENTRY_* environment variables
// over DefaultConfig. A .env file in the working directory is loaded first
// when present; explicit environment always wins.
//
// Recognized keys:
//
//	AUTHSENTRY_ACCESS_SECRET        access token signing secret (required)
//	AUTHSENTRY_ACCESS_ISSUER        access token issuer
//	AUTHSENTRY_ACCESS_TTL           e.g. 30m
//	AUTHSENTRY_REFRESH_TTL          e.g. 48h
//	AUTHSENTRY_LOCKOUT_STEPS        e.g. 5:5m,10:30m,15:24h
//	AUTHSENTRY_OTP_TTL              e.g. 5m
//	AUTHSENTRY_OTP_MAX_ATTEMPTS     e.g. 5
//	AUTHSENTRY_REAUTH_TTL           e.g. 5m
//	AUTHSENTRY_RECOVERY_BATCH_SIZE  e.g. 10
//	AUTHSENTRY_STATE_SECRET         oauth state signing secret
//	AUTHSENTRY_STATE_TTL            e.g. 5m
//	AUTHSENTRY_TOTP_ISSUER          authenticator app label
func ConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.Access.Secret = os.Getenv("AUTHSENTRY_ACCESS_SECRET")
	cfg.OAuth.StateSecret = os.Getenv("AUTHSENTRY_STATE_SECRET")

	if v := os.Getenv("AUTHSENTRY_ACCESS_ISSUER"); v != "" {
		cfg.Access.Issuer = v
	}
	if v := os.Getenv("AUTHSENTRY_TOTP_ISSUER"); v != "" {
		cfg.TOTP.Issuer = v
	}

	var err error
	if cfg.Access.TTL, err = envDuration("AUTHSENTRY_ACCESS_TTL", cfg.Access.TTL); err != nil {
		return cfg, err
	}
	if cfg.Refresh.TTL, err = envDuration("AUTHSENTRY_REFRESH_TTL", cfg.Refresh.TTL); err != nil {
		return cfg, err
	}
	if cfg.OTP.TTL, err = envDuration("AUTHSENTRY_OTP_TTL", cfg.OTP.TTL); err != nil {
		return cfg, err
	}
	if cfg.Reauth.TTL, err = envDuration("AUTHSENTRY_REAUTH_TTL", cfg.Reauth.TTL); err != nil {
		return cfg, err
	}
	if cfg.OAuth.StateTTL, err = envDuration("AUTHSENTRY_STATE_TTL", cfg.OAuth.StateTTL); err != nil {
		return cfg, err
	}
	if cfg.OTP.MaxAttempts, err = envInt("AUTHSENTRY_OTP_MAX_ATTEMPTS", cfg.OTP.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.Recovery.BatchSize, err = envInt("AUTHSENTRY_RECOVERY_BATCH_SIZE", cfg.Recovery.BatchSize); err != nil {
		return cfg, err
	}

	if v := os.Getenv("AUTHSENTRY_LOCKOUT_STEPS"); v != "" {
		steps, err := parseLockoutSteps(v)
		if err != nil {
			return cfg, err
		}
		cfg.Lockout.Steps = steps
	}

	return cfg, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// yamlDuration accepts Go duration strings ("30m") and plain integers
// (nanoseconds) in YAML, neither of which yaml.v3 maps to time.Duration on
// its own.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = yamlDuration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("line %d: want a duration", node.Line)
	}
	*d = yamlDuration(n)
	return nil
}

// The duration-bearing sections decode through shadow structs so absent
// keys keep the defaults already present in the target.

func (c *AccessConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Secret string       `yaml:"secret"`
		Issuer string       `yaml:"issuer"`
		TTL    yamlDuration `yaml:"ttl"`
		Leeway yamlDuration `yaml:"leeway"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Secret != "" {
		c.Secret = raw.Secret
	}
	if raw.Issuer != "" {
		c.Issuer = raw.Issuer
	}
	if raw.TTL != 0 {
		c.TTL = time.Duration(raw.TTL)
	}
	if raw.Leeway != 0 {
		c.Leeway = time.Duration(raw.Leeway)
	}
	return nil
}

func (c *RefreshConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		TTL yamlDuration `yaml:"ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.TTL != 0 {
		c.TTL = time.Duration(raw.TTL)
	}
	return nil
}

func (s *LockoutStep) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Threshold int          `yaml:"threshold"`
		Lockout   yamlDuration `yaml:"lockout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Threshold = raw.Threshold
	s.Lockout = time.Duration(raw.Lockout)
	return nil
}

func (c *OTPConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		TTL         yamlDuration `yaml:"ttl"`
		MaxAttempts int          `yaml:"max_attempts"`
		Digits      int          `yaml:"digits"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.TTL != 0 {
		c.TTL = time.Duration(raw.TTL)
	}
	if raw.MaxAttempts != 0 {
		c.MaxAttempts = raw.MaxAttempts
	}
	if raw.Digits != 0 {
		c.Digits = raw.Digits
	}
	return nil
}

func (c *ReauthConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		TTL yamlDuration `yaml:"ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.TTL != 0 {
		c.TTL = time.Duration(raw.TTL)
	}
	return nil
}

func (c *OAuthConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		StateSecret string       `yaml:"state_secret"`
		StateTTL    yamlDuration `yaml:"state_ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.StateSecret != "" {
		c.StateSecret = raw.StateSecret
	}
	if raw.StateTTL != 0 {
		c.StateTTL = time.Duration(raw.StateTTL)
	}
	return nil
}

func (c *ActionTokenConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		VerifyEmailTTL   yamlDuration `yaml:"verify_email_ttl"`
		PasswordResetTTL yamlDuration `yaml:"password_reset_ttl"`
		EmailChangeTTL   yamlDuration `yaml:"email_change_ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.VerifyEmailTTL != 0 {
		c.VerifyEmailTTL = time.Duration(raw.VerifyEmailTTL)
	}
	if raw.PasswordResetTTL != 0 {
		c.PasswordResetTTL = time.Duration(raw.PasswordResetTTL)
	}
	if raw.EmailChangeTTL != 0 {
		c.EmailChangeTTL = time.Duration(raw.EmailChangeTTL)
	}
	return nil
}

// parseLockoutSteps parses "threshold:duration" pairs separated by commas,
// e.g. "5:5m,10:30m,15:24h".
func parseLockoutSteps(s string) ([]LockoutStep, error) {
	parts := strings.Split(s, ",")
	steps := make([]LockoutStep, 0, len(parts))
	for _, part := range parts {
		threshold, duration, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("lockout step %q: want threshold:duration", part)
		}
		n, err := strconv.Atoi(threshold)
		if err != nil {
			return nil, fmt.Errorf("lockout step %q: %w", part, err)
		}
		d, err := time.ParseDuration(duration)
		if err != nil {
			return nil, fmt.Errorf("lockout step %q: %w", part, err)
		}
		steps = append(steps, LockoutStep{Threshold: n, Lockout: d})
	}
	return steps, nil
}
