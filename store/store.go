// Package store defines the relational contract consumed by the authsentry
// engine: one repository per entity, conditional updates for the operations
// whose atomicity the engine relies on, and transactional composition via
// [Store.WithinTx].
//
// Two implementations ship with the module: store/postgres (sqlx + lib/pq)
// and store/memory (mutex-guarded maps, used by tests and examples). Both
// must honor the same unique constraints: identity email, session
// (device_id, identity_id), refresh token hash, oauth (provider, provider_id).
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row matches the lookup key, or when a
	// consumable token is already past its expiry.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("store: conflict")

	// ErrReplayed is returned by consume operations when the row exists but
	// was already consumed. The caller treats this as replay detection.
	ErrReplayed = errors.New("store: already consumed")
)

// IdentityStatus is the lifecycle state of an identity.
type IdentityStatus string

const (
	StatusActive    IdentityStatus = "active"
	StatusPending   IdentityStatus = "pending"
	StatusSuspended IdentityStatus = "suspended"
	StatusInactive  IdentityStatus = "inactive"
	StatusDeleted   IdentityStatus = "deleted"
)

// FactorType tags the active second factor of a TwoFactorConfig.
type FactorType string

const (
	FactorNone     FactorType = ""
	FactorTOTP     FactorType = "totp"
	FactorEmailOTP FactorType = "email_otp"
)

// ActionTokenKind classifies single-use account tokens.
type ActionTokenKind string

const (
	ActionVerifyEmail   ActionTokenKind = "verify_email"
	ActionPasswordReset ActionTokenKind = "password_reset"
	ActionEmailChange   ActionTokenKind = "email_change"
)

// Identity is one account row. PasswordHash is empty for OAuth-only
// identities. Secret is mixed into the access-token signing key and is
// rotated on every password change, which invalidates all outstanding
// access tokens at once.
type Identity struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	PasswordHash string         `db:"password_hash"`
	Secret       string         `db:"secret"`
	Status       IdentityStatus `db:"status"`
	Permissions  Permissions    `db:"permissions"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	DeletedAt    *time.Time     `db:"deleted_at"`
}

// Session is one (device, identity) pairing. A device that logs in again
// after a soft logout reactivates its existing row instead of creating a
// duplicate.
type Session struct {
	ID         string    `db:"id"`
	IdentityID string    `db:"identity_id"`
	DeviceID   string    `db:"device_id"`
	IP         string    `db:"ip"`
	UserAgent  string    `db:"user_agent"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// RefreshToken stores only the sha256 of the opaque token value.
type RefreshToken struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	TokenHash string    `db:"token_hash"`
	Revoked   bool      `db:"revoked"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// TwoFactorConfig is the per-identity 2FA row. Enabled=false with a
// non-empty FactorType means enrollment is pending confirmation.
type TwoFactorConfig struct {
	IdentityID    string     `db:"identity_id"`
	Enabled       bool       `db:"enabled"`
	FactorType    FactorType `db:"factor_type"`
	FactorData    []byte     `db:"factor_data"`
	LastChangedAt time.Time  `db:"last_changed_at"`
}

// RecoveryCode is one single-use hashed backup code.
type RecoveryCode struct {
	IdentityID string `db:"identity_id"`
	CodeHash   string `db:"code_hash"`
	Used       bool   `db:"used"`
}

// OAuthLink binds a (provider, providerID) pair to an identity.
type OAuthLink struct {
	Provider   string    `db:"provider"`
	ProviderID string    `db:"provider_id"`
	IdentityID string    `db:"identity_id"`
	CreatedAt  time.Time `db:"created_at"`
}

// ActionToken is a hashed single-use account token (email verification,
// password reset, email change). Payload carries kind-specific data such
// as the requested new email address.
type ActionToken struct {
	ID         string          `db:"id"`
	IdentityID string          `db:"identity_id"`
	Kind       ActionTokenKind `db:"kind"`
	TokenHash  string          `db:"token_hash"`
	Payload    string          `db:"payload"`
	Used       bool            `db:"used"`
	ExpiresAt  time.Time       `db:"expires_at"`
	CreatedAt  time.Time       `db:"created_at"`
}

// IdentityRepo is keyed by id and by unique email.
type IdentityRepo interface {
	Create(ctx context.Context, identity *Identity) error
	GetByID(ctx context.Context, id string) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	// UpdateCredentials replaces the password hash and the signing secret in
	// one write. Rotating the secret is what invalidates issued access tokens.
	UpdateCredentials(ctx context.Context, id, passwordHash, secret string) error
	UpdateStatus(ctx context.Context, id string, status IdentityStatus) error
	UpdateEmail(ctx context.Context, id, email string) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// SessionRepo is keyed by id and by the unique (identityID, deviceID) pair.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*Session, error)
	// FindByDevice must be called inside the same transaction as the
	// subsequent Create/SetActive so two concurrent logins from one device
	// cannot race into duplicate rows.
	FindByDevice(ctx context.Context, identityID, deviceID string) (*Session, error)
	ListByIdentity(ctx context.Context, identityID string) ([]Session, error)
	Create(ctx context.Context, session *Session) error
	SetActive(ctx context.Context, id string, active bool, expiresAt time.Time) error
	// DeactivateByIdentity flips every active session of the identity except
	// keepSessionID (pass "" to include all).
	DeactivateByIdentity(ctx context.Context, identityID, keepSessionID string) error
}

// RefreshTokenRepo owns the one-time rotation semantics.
type RefreshTokenRepo interface {
	Create(ctx context.Context, token *RefreshToken) error
	// FindByHash returns the row regardless of revocation state.
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Consume looks up by hash and flips revoked in a single conditional
	// update. It returns ErrNotFound for an absent or expired hash and
	// ErrReplayed when the row was already revoked; under concurrent use of
	// the same token exactly one caller wins.
	Consume(ctx context.Context, tokenHash string, now time.Time) (*RefreshToken, error)
	RevokeBySession(ctx context.Context, sessionID string) error
	// RevokeByIdentity revokes every live token of the identity except those
	// belonging to keepSessionID (pass "" for all).
	RevokeByIdentity(ctx context.Context, identityID, keepSessionID string) error
}

// TwoFactorRepo is one row per identity.
type TwoFactorRepo interface {
	Get(ctx context.Context, identityID string) (*TwoFactorConfig, error)
	Save(ctx context.Context, config *TwoFactorConfig) error
}

// RecoveryCodeRepo stores hashed single-use backup codes in batches.
type RecoveryCodeRepo interface {
	// Replace drops any previous batch and installs the new hashes.
	Replace(ctx context.Context, identityID string, hashes []string) error
	// Consume marks the matching unused code as used. Returns false when the
	// hash is unknown or already spent.
	Consume(ctx context.Context, identityID, hash string) (bool, error)
}

// OAuthLinkRepo is keyed by the unique (provider, providerID) pair.
type OAuthLinkRepo interface {
	Find(ctx context.Context, provider, providerID string) (*OAuthLink, error)
	// Ensure creates the link if absent. A link that already points at the
	// same identity is a no-op; one pointing elsewhere is ErrConflict.
	Ensure(ctx context.Context, link *OAuthLink) error
}

// ActionTokenRepo stores hashed single-use account tokens.
type ActionTokenRepo interface {
	Create(ctx context.Context, token *ActionToken) error
	// Consume marks the matching token used. ErrNotFound for absent/expired,
	// ErrReplayed for an already-used token.
	Consume(ctx context.Context, kind ActionTokenKind, tokenHash string, now time.Time) (*ActionToken, error)
}

// Store bundles the repositories. WithinTx runs fn against a transactional
// view; every write issued through that view commits or rolls back as a
// unit. fn must not carry side effects beyond the store; the engine keeps
// mail and audit emission outside the transaction.
type Store interface {
	Identities() IdentityRepo
	Sessions() SessionRepo
	RefreshTokens() RefreshTokenRepo
	TwoFactor() TwoFactorRepo
	RecoveryCodes() RecoveryCodeRepo
	OAuthLinks() OAuthLinkRepo
	ActionTokens() ActionTokenRepo
	WithinTx(ctx context.Context, fn func(Store) error) error
}
