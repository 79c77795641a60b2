package authsentry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davxom/authsentry/internal/attempts"
	"github.com/davxom/authsentry/password"
)

// AccessConfig controls access token signing.
type AccessConfig struct {
	// Secret is the service-wide component of the signing key. The full
	// key is Secret plus the per-identity secret.
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
	Leeway time.Duration `yaml:"leeway"`
}

// RefreshConfig controls refresh token lifetime. Sessions share the same
// horizon: a session outlives its tokens only as an inactive row.
type RefreshConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LockoutStep maps a failure-count threshold to a lockout duration.
type LockoutStep struct {
	Threshold int           `yaml:"threshold"`
	Lockout   time.Duration `yaml:"lockout"`
}

// LockoutConfig holds the brute-force escalation table.
type LockoutConfig struct {
	Steps []LockoutStep `yaml:"steps"`
}

// OTPConfig controls emailed one-time codes.
type OTPConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
	Digits      int           `yaml:"digits"`
}

// ReauthConfig controls step-up proof lifetime.
type ReauthConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RecoveryConfig controls recovery code batches.
type RecoveryConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// TOTPConfig controls authenticator-app codes.
type TOTPConfig struct {
	Issuer    string `yaml:"issuer"`
	Period    int    `yaml:"period"`
	Digits    int    `yaml:"digits"`
	Skew      int    `yaml:"skew"`
	Algorithm string `yaml:"algorithm"`
}

// OAuthConfig controls the state signer guarding federated callbacks.
type OAuthConfig struct {
	StateSecret string        `yaml:"state_secret"`
	StateTTL    time.Duration `yaml:"state_ttl"`
}

// ActionTokenConfig controls mailed single-use tokens.
type ActionTokenConfig struct {
	VerifyEmailTTL   time.Duration `yaml:"verify_email_ttl"`
	PasswordResetTTL time.Duration `yaml:"password_reset_ttl"`
	EmailChangeTTL   time.Duration `yaml:"email_change_ttl"`
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled          bool `yaml:"enabled"`
	LatencyHistogram bool `yaml:"latency_histogram"`
}

// Config is the full engine configuration. Zero values are filled from
// DefaultConfig during Build; secrets have no defaults and must be set.
type Config struct {
	Access       AccessConfig      `yaml:"access"`
	Refresh      RefreshConfig     `yaml:"refresh"`
	Lockout      LockoutConfig     `yaml:"lockout"`
	OTP          OTPConfig         `yaml:"otp"`
	Reauth       ReauthConfig      `yaml:"reauth"`
	Recovery     RecoveryConfig    `yaml:"recovery"`
	TOTP         TOTPConfig        `yaml:"totp"`
	OAuth        OAuthConfig       `yaml:"oauth"`
	ActionTokens ActionTokenConfig `yaml:"action_tokens"`
	Audit        AuditConfig       `yaml:"audit"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	Password     password.Params   `yaml:"password"`
}

// DefaultConfig returns the production defaults: 30 minute access tokens,
// 2 day refresh tokens, the 5/10/15 failure escalation table, 5 minute
// one-time codes with 5 attempts, 5 minute step-up proofs, and batches of
// 10 recovery codes.
func DefaultConfig() Config {
	return Config{
		Access: AccessConfig{
			Issuer: "authsentry",
			TTL:    30 * time.Minute,
			Leeway: 30 * time.Second,
		},
		Refresh: RefreshConfig{TTL: 48 * time.Hour},
		Lockout: LockoutConfig{Steps: []LockoutStep{
			{Threshold: 5, Lockout: 5 * time.Minute},
			{Threshold: 10, Lockout: 30 * time.Minute},
			{Threshold: 15, Lockout: 24 * time.Hour},
		}},
		OTP:      OTPConfig{TTL: 5 * time.Minute, MaxAttempts: 5, Digits: 6},
		Reauth:   ReauthConfig{TTL: 5 * time.Minute},
		Recovery: RecoveryConfig{BatchSize: 10},
		TOTP: TOTPConfig{
			Issuer:    "authsentry",
			Period:    30,
			Digits:    6,
			Skew:      1,
			Algorithm: "SHA1",
		},
		OAuth: OAuthConfig{StateTTL: 5 * time.Minute},
		ActionTokens: ActionTokenConfig{
			VerifyEmailTTL:   24 * time.Hour,
			PasswordResetTTL: time.Hour,
			EmailChangeTTL:   time.Hour,
		},
		Audit:    AuditConfig{Enabled: true, BufferSize: 256, DropIfFull: true},
		Metrics:  MetricsConfig{Enabled: true},
		Password: password.DefaultParams(),
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Access.Secret) == "" {
		return errors.New("access secret required")
	}
	if c.Access.TTL <= 0 {
		return errors.New("access ttl must be positive")
	}
	if c.Refresh.TTL <= 0 {
		return errors.New("refresh ttl must be positive")
	}
	if c.Refresh.TTL <= c.Access.TTL {
		return errors.New("refresh ttl must exceed access ttl")
	}
	if len(c.Lockout.Steps) == 0 {
		return errors.New("lockout escalation table required")
	}
	for i, s := range c.Lockout.Steps {
		if s.Threshold <= 0 || s.Lockout <= 0 {
			return fmt.Errorf("lockout step %d: threshold and duration must be positive", i)
		}
	}
	if c.OTP.TTL <= 0 || c.OTP.MaxAttempts <= 0 {
		return errors.New("otp ttl and max attempts must be positive")
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return errors.New("otp digits must be between 4 and 10")
	}
	if c.Reauth.TTL <= 0 {
		return errors.New("reauth ttl must be positive")
	}
	if c.Recovery.BatchSize <= 0 {
		return errors.New("recovery batch size must be positive")
	}
	if strings.TrimSpace(c.OAuth.StateSecret) == "" {
		return errors.New("oauth state secret required")
	}
	if c.OAuth.StateTTL <= 0 {
		return errors.New("oauth state ttl must be positive")
	}
	return nil
}

// applyDefaults fills unset fields from DefaultConfig. Secrets are left
// alone; Validate catches them.
func (c Config) applyDefaults() Config {
	d := DefaultConfig()
	if c.Access.Issuer == "" {
		c.Access.Issuer = d.Access.Issuer
	}
	if c.Access.TTL == 0 {
		c.Access.TTL = d.Access.TTL
	}
	if c.Access.Leeway == 0 {
		c.Access.Leeway = d.Access.Leeway
	}
	if c.Refresh.TTL == 0 {
		c.Refresh.TTL = d.Refresh.TTL
	}
	if len(c.Lockout.Steps) == 0 {
		c.Lockout.Steps = d.Lockout.Steps
	}
	if c.OTP.TTL == 0 {
		c.OTP.TTL = d.OTP.TTL
	}
	if c.OTP.MaxAttempts == 0 {
		c.OTP.MaxAttempts = d.OTP.MaxAttempts
	}
	if c.OTP.Digits == 0 {
		c.OTP.Digits = d.OTP.Digits
	}
	if c.Reauth.TTL == 0 {
		c.Reauth.TTL = d.Reauth.TTL
	}
	if c.Recovery.BatchSize == 0 {
		c.Recovery.BatchSize = d.Recovery.BatchSize
	}
	if c.TOTP.Issuer == "" {
		c.TOTP.Issuer = d.TOTP.Issuer
	}
	if c.TOTP.Period == 0 {
		c.TOTP.Period = d.TOTP.Period
	}
	if c.TOTP.Digits == 0 {
		c.TOTP.Digits = d.TOTP.Digits
	}
	if c.TOTP.Algorithm == "" {
		c.TOTP.Algorithm = d.TOTP.Algorithm
	}
	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = d.OAuth.StateTTL
	}
	if c.ActionTokens.VerifyEmailTTL == 0 {
		c.ActionTokens.VerifyEmailTTL = d.ActionTokens.VerifyEmailTTL
	}
	if c.ActionTokens.PasswordResetTTL == 0 {
		c.ActionTokens.PasswordResetTTL = d.ActionTokens.PasswordResetTTL
	}
	if c.ActionTokens.EmailChangeTTL == 0 {
		c.ActionTokens.EmailChangeTTL = d.ActionTokens.EmailChangeTTL
	}
	if c.Password == (password.Params{}) {
		c.Password = d.Password
	}
	return c
}

func (c Config) escalation() []attempts.Step {
	steps := make([]attempts.Step, len(c.Lockout.Steps))
	for i, s := range c.Lockout.Steps {
		steps[i] = attempts.Step{Threshold: s.Threshold, Lockout: s.Lockout}
	}
	return steps
}
