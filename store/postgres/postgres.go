// Package postgres implements the store contract on PostgreSQL via sqlx.
// Conditional UPDATE ... RETURNING statements carry the single-winner
// semantics the engine relies on for refresh rotation and single-use codes.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/davxom/authsentry/store"
)

const uniqueViolation = "23505"

// Store implements store.Store against a *sqlx.DB or, inside WithinTx, a
// *sqlx.Tx.
type Store struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// Open connects, pings, and applies sane pool limits.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx runs fn against a transactional view. Nested calls join the
// outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	if _, ok := s.ext.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Identities() store.IdentityRepo        { return identityRepo{s.ext} }
func (s *Store) Sessions() store.SessionRepo           { return sessionRepo{s.ext} }
func (s *Store) RefreshTokens() store.RefreshTokenRepo { return refreshRepo{s.ext} }
func (s *Store) TwoFactor() store.TwoFactorRepo        { return twoFactorRepo{s.ext} }
func (s *Store) RecoveryCodes() store.RecoveryCodeRepo { return recoveryRepo{s.ext} }
func (s *Store) OAuthLinks() store.OAuthLinkRepo       { return oauthRepo{s.ext} }
func (s *Store) ActionTokens() store.ActionTokenRepo   { return actionRepo{s.ext} }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return store.ErrConflict
	}
	return err
}

type identityRepo struct{ ext sqlx.ExtContext }

func (r identityRepo) Create(ctx context.Context, identity *store.Identity) error {
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO identities (id, email, password_hash, secret, status, permissions, created_at, updated_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $7)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.Secret,
		identity.Status, identity.Permissions, identity.CreatedAt,
	)
	return mapErr(err)
}

func (r identityRepo) GetByID(ctx context.Context, id string) (*store.Identity, error) {
	var identity store.Identity
	err := sqlx.GetContext(ctx, r.ext, &identity, `
		SELECT * FROM identities WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &identity, nil
}

func (r identityRepo) GetByEmail(ctx context.Context, email string) (*store.Identity, error) {
	var identity store.Identity
	err := sqlx.GetContext(ctx, r.ext, &identity, `
		SELECT * FROM identities WHERE email = lower($1) AND deleted_at IS NULL`, email)
	if err != nil {
		return nil, mapErr(err)
	}
	return &identity, nil
}

func (r identityRepo) UpdateCredentials(ctx context.Context, id, passwordHash, secret string) error {
	return execOne(ctx, r.ext, `
		UPDATE identities SET password_hash = $2, secret = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, passwordHash, secret)
}

func (r identityRepo) UpdateStatus(ctx context.Context, id string, status store.IdentityStatus) error {
	return execOne(ctx, r.ext, `
		UPDATE identities SET status = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, status)
}

func (r identityRepo) UpdateEmail(ctx context.Context, id, email string) error {
	return execOne(ctx, r.ext, `
		UPDATE identities SET email = lower($2), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, email)
}

func (r identityRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return execOne(ctx, r.ext, `
		UPDATE identities SET deleted_at = $2, status = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, at, store.StatusDeleted)
}

type sessionRepo struct{ ext sqlx.ExtContext }

func (r sessionRepo) GetByID(ctx context.Context, id string) (*store.Session, error) {
	var session store.Session
	err := sqlx.GetContext(ctx, r.ext, &session, `SELECT * FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &session, nil
}

func (r sessionRepo) FindByDevice(ctx context.Context, identityID, deviceID string) (*store.Session, error) {
	var session store.Session
	// FOR UPDATE serializes concurrent logins from the same device when the
	// caller runs inside a transaction.
	err := sqlx.GetContext(ctx, r.ext, &session, `
		SELECT * FROM sessions WHERE identity_id = $1 AND device_id = $2 FOR UPDATE`,
		identityID, deviceID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &session, nil
}

func (r sessionRepo) ListByIdentity(ctx context.Context, identityID string) ([]store.Session, error) {
	var sessions []store.Session
	err := sqlx.SelectContext(ctx, r.ext, &sessions, `
		SELECT * FROM sessions WHERE identity_id = $1 ORDER BY created_at`, identityID)
	if err != nil {
		return nil, mapErr(err)
	}
	return sessions, nil
}

func (r sessionRepo) Create(ctx context.Context, session *store.Session) error {
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO sessions (id, identity_id, device_id, ip, user_agent, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.IdentityID, session.DeviceID, session.IP,
		session.UserAgent, session.Active, session.CreatedAt, session.ExpiresAt,
	)
	return mapErr(err)
}

func (r sessionRepo) SetActive(ctx context.Context, id string, active bool, expiresAt time.Time) error {
	return execOne(ctx, r.ext, `
		UPDATE sessions SET active = $2, expires_at = $3 WHERE id = $1`, id, active, expiresAt)
}

func (r sessionRepo) DeactivateByIdentity(ctx context.Context, identityID, keepSessionID string) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE sessions SET active = false
		WHERE identity_id = $1 AND active AND ($2 = '' OR id <> $2)`,
		identityID, keepSessionID)
	return mapErr(err)
}

type refreshRepo struct{ ext sqlx.ExtContext }

func (r refreshRepo) Create(ctx context.Context, token *store.RefreshToken) error {
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, session_id, token_hash, revoked, expires_at, created_at)
		VALUES ($1, $2, $3, false, $4, $5)`,
		token.ID, token.SessionID, token.TokenHash, token.ExpiresAt, token.CreatedAt,
	)
	return mapErr(err)
}

func (r refreshRepo) FindByHash(ctx context.Context, tokenHash string) (*store.RefreshToken, error) {
	var token store.RefreshToken
	err := sqlx.GetContext(ctx, r.ext, &token, `
		SELECT * FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return nil, mapErr(err)
	}
	return &token, nil
}

func (r refreshRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (*store.RefreshToken, error) {
	var token store.RefreshToken
	// Conditional flip: concurrent consumers of the same hash see exactly
	// one row returned; the loser falls through to the replay check.
	err := sqlx.GetContext(ctx, r.ext, &token, `
		UPDATE refresh_tokens SET revoked = true
		WHERE token_hash = $1 AND NOT revoked AND expires_at > $2
		RETURNING *`, tokenHash, now)
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var revoked bool
	err = sqlx.GetContext(ctx, r.ext, &revoked, `
		SELECT revoked FROM refresh_tokens WHERE token_hash = $1 AND expires_at > $2`,
		tokenHash, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, store.ErrReplayed
	}
	return nil, store.ErrNotFound
}

func (r refreshRepo) RevokeBySession(ctx context.Context, sessionID string) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = true WHERE session_id = $1 AND NOT revoked`,
		sessionID)
	return mapErr(err)
}

func (r refreshRepo) RevokeByIdentity(ctx context.Context, identityID, keepSessionID string) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = true
		WHERE NOT revoked
		  AND session_id IN (
			SELECT id FROM sessions WHERE identity_id = $1 AND ($2 = '' OR id <> $2)
		  )`, identityID, keepSessionID)
	return mapErr(err)
}

type twoFactorRepo struct{ ext sqlx.ExtContext }

func (r twoFactorRepo) Get(ctx context.Context, identityID string) (*store.TwoFactorConfig, error) {
	var config store.TwoFactorConfig
	err := sqlx.GetContext(ctx, r.ext, &config, `
		SELECT * FROM two_factor_configs WHERE identity_id = $1`, identityID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &config, nil
}

func (r twoFactorRepo) Save(ctx context.Context, config *store.TwoFactorConfig) error {
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO two_factor_configs (identity_id, enabled, factor_type, factor_data, last_changed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			factor_type = EXCLUDED.factor_type,
			factor_data = EXCLUDED.factor_data,
			last_changed_at = EXCLUDED.last_changed_at`,
		config.IdentityID, config.Enabled, config.FactorType, config.FactorData, config.LastChangedAt,
	)
	return mapErr(err)
}

type recoveryRepo struct{ ext sqlx.ExtContext }

func (r recoveryRepo) Replace(ctx context.Context, identityID string, hashes []string) error {
	if _, err := r.ext.ExecContext(ctx, `
		DELETE FROM recovery_codes WHERE identity_id = $1`, identityID); err != nil {
		return mapErr(err)
	}
	for _, hash := range hashes {
		if _, err := r.ext.ExecContext(ctx, `
			INSERT INTO recovery_codes (identity_id, code_hash, used) VALUES ($1, $2, false)`,
			identityID, hash); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r recoveryRepo) Consume(ctx context.Context, identityID, hash string) (bool, error) {
	res, err := r.ext.ExecContext(ctx, `
		UPDATE recovery_codes SET used = true
		WHERE identity_id = $1 AND code_hash = $2 AND NOT used`,
		identityID, hash)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type oauthRepo struct{ ext sqlx.ExtContext }

func (r oauthRepo) Find(ctx context.Context, provider, providerID string) (*store.OAuthLink, error) {
	var link store.OAuthLink
	err := sqlx.GetContext(ctx, r.ext, &link, `
		SELECT * FROM oauth_links WHERE provider = $1 AND provider_id = $2`,
		provider, providerID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &link, nil
}

func (r oauthRepo) Ensure(ctx context.Context, link *store.OAuthLink) error {
	var identityID string
	err := sqlx.GetContext(ctx, r.ext, &identityID, `
		INSERT INTO oauth_links (provider, provider_id, identity_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_id) DO UPDATE SET provider = EXCLUDED.provider
		RETURNING identity_id`,
		link.Provider, link.ProviderID, link.IdentityID, link.CreatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if identityID != link.IdentityID {
		return store.ErrConflict
	}
	return nil
}

type actionRepo struct{ ext sqlx.ExtContext }

func (r actionRepo) Create(ctx context.Context, token *store.ActionToken) error {
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO action_tokens (id, identity_id, kind, token_hash, payload, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7)`,
		token.ID, token.IdentityID, token.Kind, token.TokenHash, token.Payload,
		token.ExpiresAt, token.CreatedAt,
	)
	return mapErr(err)
}

func (r actionRepo) Consume(ctx context.Context, kind store.ActionTokenKind, tokenHash string, now time.Time) (*store.ActionToken, error) {
	var token store.ActionToken
	err := sqlx.GetContext(ctx, r.ext, &token, `
		UPDATE action_tokens SET used = true
		WHERE kind = $1 AND token_hash = $2 AND NOT used AND expires_at > $3
		RETURNING *`, kind, tokenHash, now)
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var used bool
	err = sqlx.GetContext(ctx, r.ext, &used, `
		SELECT used FROM action_tokens WHERE kind = $1 AND token_hash = $2 AND expires_at > $3`,
		kind, tokenHash, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if used {
		return nil, store.ErrReplayed
	}
	return nil, store.ErrNotFound
}

func execOne(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) error {
	res, err := ext.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
