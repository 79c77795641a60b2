package authsentry

import (
	"time"

	"github.com/davxom/authsentry/store"
)

// Client carries per-request caller metadata. DeviceID identifies the
// physical device or browser; when empty the engine generates one and
// returns it with the session.
type Client struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// TokenPair is one issued access/refresh credential set.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
	DeviceID         string
}

// LoginResult is the outcome of a credential check. When TwoFactorRequired
// is set no token material is issued; the caller must complete the 2FA
// sub-flow with the returned identity id.
type LoginResult struct {
	TwoFactorRequired bool
	IdentityID        string
	Email             string
	Permissions       []string
	Tokens            *TokenPair
}

// TwoFactorEnrollment is returned when enrollment begins. SecretBase32 and
// ProvisionURI are set for TOTP only; email factors get a mailed code.
type TwoFactorEnrollment struct {
	FactorType   store.FactorType
	SecretBase32 string
	ProvisionURI string
}

// TwoFactorStatus reports the current 2FA configuration for an identity.
type TwoFactorStatus struct {
	Enabled    bool
	FactorType store.FactorType
	ChangedAt  time.Time
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	IdentityID  string
	Email       string
	SessionID   string
	Permissions []string
	ExpiresAt   time.Time
}

// SessionInfo is a read-only view of one device session.
type SessionInfo struct {
	ID        string
	DeviceID  string
	IP        string
	UserAgent string
	Active    bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

func sessionInfo(s *store.Session) SessionInfo {
	return SessionInfo{
		ID:        s.ID,
		DeviceID:  s.DeviceID,
		IP:        s.IP,
		UserAgent: s.UserAgent,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}
