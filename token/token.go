// Package token issues and verifies the engine's signed tokens: short-lived
// HS256 access tokens and OAuth round-trip state tokens.
//
// Access tokens are signed with a key derived from the service secret plus a
// per-identity secret. Rotating the identity secret invalidates every access
// token that identity holds without any server-side token state.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed, forged, expired, or mis-issued tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// SecretSource resolves the current per-identity secret during verification.
type SecretSource func(ctx context.Context, identityID string) (string, error)

// AccessClaims is the access token payload.
type AccessClaims struct {
	Email       string   `json:"email,omitempty"`
	SessionID   string   `json:"sid"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Config holds access token signing parameters.
type Config struct {
	// Secret is the service-wide signing secret component.
	Secret string
	// Issuer is stamped into and required from every token.
	Issuer string
	// TTL bounds access token lifetime.
	TTL time.Duration
	// Leeway tolerates clock skew during validation.
	Leeway time.Duration
}

// Manager signs and verifies access tokens.
type Manager struct {
	cfg     Config
	secrets SecretSource
	now     func() time.Time
}

func NewManager(cfg Config, secrets SecretSource, now func() time.Time) (*Manager, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("access token secret required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	if secrets == nil {
		return nil, errors.New("secret source required")
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, secrets: secrets, now: now}, nil
}

// TTL reports the configured access token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

func (m *Manager) signingKey(identitySecret string) []byte {
	return []byte(m.cfg.Secret + identitySecret)
}

// Issue mints an access token for the identity over its current secret.
func (m *Manager) Issue(identityID, identitySecret, email, sessionID string, permissions []string) (string, error) {
	now := m.now()
	claims := AccessClaims{
		Email:       email,
		SessionID:   sessionID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey(identitySecret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, expiry, and issuer, deriving the verification
// key from the subject's current secret. Any identity whose secret rotated
// since issuance fails here with ErrInvalidToken.
func (m *Manager) Parse(ctx context.Context, raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, errors.New("missing subject")
		}
		secret, err := m.secrets(ctx, sub)
		if err != nil {
			return nil, err
		}
		return m.signingKey(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.cfg.Leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
