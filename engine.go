package authsentry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/attempts"
	"github.com/davxom/authsentry/internal/audit"
	"github.com/davxom/authsentry/internal/challenge"
	"github.com/davxom/authsentry/internal/mail"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/internal/reauth"
	"github.com/davxom/authsentry/internal/totp"
	"github.com/davxom/authsentry/password"
	"github.com/davxom/authsentry/provider"
	"github.com/davxom/authsentry/store"
	"github.com/davxom/authsentry/token"
	"github.com/google/uuid"
)

// Engine orchestrates every authentication flow. Build one through
// [Builder.Build]; all methods are then safe for concurrent use.
type Engine struct {
	cfg       Config
	st        store.Store
	attempts  *attempts.Tracker
	otp       *challenge.Store
	reauth    *reauth.Ledger
	audit     *audit.Dispatcher
	mail      *mail.Dispatcher
	metrics   *metrics.Metrics
	hasher    *password.Hasher
	totp      *totp.Generator
	access    *token.Manager
	state     *token.StateSigner
	providers map[string]provider.Provider
	logger    *log.Logger
	now       func() time.Time
}

// identitySecretSource feeds the access-token verifier the identity's
// current secret. No caching: rotation must take effect on the next parse.
func identitySecretSource(st store.Store) token.SecretSource {
	return func(ctx context.Context, identityID string) (string, error) {
		ident, err := st.Identities().GetByID(ctx, identityID)
		if err != nil {
			return "", err
		}
		return ident.Secret, nil
	}
}

// Close drains the audit dispatcher and waits for in-flight mail.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
	e.mail.Close()
}

// ValidateAccess verifies an access token and returns its claims. The
// signing key is re-derived from the identity's current secret, so tokens
// minted before a password change fail here.
func (e *Engine) ValidateAccess(ctx context.Context, raw string) (*AccessClaims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := e.now()
	claims, err := e.access.Parse(ctx, raw)
	e.metrics.ObserveValidate(e.now().Sub(start))
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &AccessClaims{
		IdentityID:  claims.Subject,
		Email:       claims.Email,
		SessionID:   claims.SessionID,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Sessions lists the identity's device sessions.
func (e *Engine) Sessions(ctx context.Context, identityID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	rows, err := e.st.Sessions().ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, e.internalErr("list sessions", err)
	}
	out := make([]SessionInfo, len(rows))
	for i := range rows {
		out[i] = sessionInfo(&rows[i])
	}
	return out, nil
}

// usableIdentity gates flows on account status.
func usableIdentity(ident *store.Identity) error {
	if ident.Status != store.StatusActive {
		return &AccountNotUsableError{Status: ident.Status}
	}
	return nil
}

// checkLockout fails fast when the identity is inside a lockout window.
func (e *Engine) checkLockout(ctx context.Context, email string) error {
	status, err := e.attempts.Get(ctx, email)
	if err != nil {
		return e.internalErr("attempt tracker", err)
	}
	if status.Blocked(e.now()) {
		e.metrics.Inc(metrics.LoginBlocked)
		return &TooManyAttemptsError{Class: lockoutClass(status.BlockedUntil.Sub(e.now()))}
	}
	return nil
}

// recordFailure bumps the attempt counter. Tracker errors are logged, not
// surfaced: a Redis blip must not turn a wrong password into an internal
// error.
func (e *Engine) recordFailure(ctx context.Context, email string) {
	if _, err := e.attempts.RecordFailure(ctx, email); err != nil {
		e.logger.Printf("attempt tracker failure for %s: %v", email, err)
	}
}

func (e *Engine) resetAttempts(ctx context.Context, email string) {
	if err := e.attempts.Reset(ctx, email); err != nil {
		e.logger.Printf("attempt tracker reset for %s: %v", email, err)
	}
}

// issueTokens creates or reactivates the (device, identity) session, mints
// a fresh refresh token (revoking the session's prior live ones), and signs
// an access token. All store writes run in one transaction.
func (e *Engine) issueTokens(ctx context.Context, ident *store.Identity, client Client) (*TokenPair, error) {
	deviceID := client.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	rawRefresh, refreshHash, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, e.internalErr("mint refresh token", err)
	}

	now := e.now()
	refreshExpiry := now.Add(e.cfg.Refresh.TTL)

	var sessionID string
	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		sess, err := tx.Sessions().FindByDevice(ctx, ident.ID, deviceID)
		switch {
		case err == nil:
			sessionID = sess.ID
			if !sess.Active {
				if err := tx.Sessions().SetActive(ctx, sess.ID, true, refreshExpiry); err != nil {
					return err
				}
				e.metrics.Inc(metrics.SessionReactivated)
			}
		case errors.Is(err, store.ErrNotFound):
			sess := &store.Session{
				ID:         uuid.NewString(),
				IdentityID: ident.ID,
				DeviceID:   deviceID,
				IP:         client.IP,
				UserAgent:  client.UserAgent,
				Active:     true,
				CreatedAt:  now,
				ExpiresAt:  refreshExpiry,
			}
			if err := tx.Sessions().Create(ctx, sess); err != nil {
				return err
			}
			sessionID = sess.ID
			e.metrics.Inc(metrics.SessionCreated)
		default:
			return err
		}

		// One live refresh token per session.
		if err := tx.RefreshTokens().RevokeBySession(ctx, sessionID); err != nil {
			return err
		}
		return tx.RefreshTokens().Create(ctx, &store.RefreshToken{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			TokenHash: refreshHash,
			ExpiresAt: refreshExpiry,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, e.internalErr("issue tokens", err)
	}

	accessToken, err := e.access.Issue(ident.ID, ident.Secret, ident.Email, sessionID, ident.Permissions)
	if err != nil {
		return nil, e.internalErr("sign access token", err)
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  now.Add(e.access.TTL()),
		RefreshExpiresAt: refreshExpiry,
		SessionID:        sessionID,
		DeviceID:         deviceID,
	}, nil
}

// internalErr logs the real cause and returns the generic backend error.
func (e *Engine) internalErr(op string, err error) error {
	e.logger.Printf("%s: %v", op, err)
	return ErrBackendUnavailable
}
