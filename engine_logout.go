package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/store"
)

// Logout deactivates one session and revokes its refresh tokens. Access
// tokens already issued for the session keep working until they expire;
// only a password change cuts them off early.
func (e *Engine) Logout(ctx context.Context, sessionID string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}

	var identityID string
	err := e.st.WithinTx(ctx, func(tx store.Store) error {
		sess, err := tx.Sessions().GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		identityID = sess.IdentityID
		if err := tx.Sessions().SetActive(ctx, sessionID, false, sess.ExpiresAt); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeBySession(ctx, sessionID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return e.internalErr("logout", err)
	}

	e.metrics.Inc(metrics.Logout)
	e.metrics.Inc(metrics.SessionDeactivated)
	e.emitAudit(ctx, EventLogout, identityID, sessionID, client, true, nil, nil)
	return nil
}

// LogoutAll deactivates every session of the identity and revokes their
// refresh tokens, keeping the caller's own session alive when
// keepSessionID is non-empty. Pass "" to wipe everything, including the
// session the call arrived on.
func (e *Engine) LogoutAll(ctx context.Context, identityID, keepSessionID string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}

	err := e.st.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Sessions().DeactivateByIdentity(ctx, identityID, keepSessionID); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeByIdentity(ctx, identityID, keepSessionID)
	})
	if err != nil {
		return e.internalErr("logout all", err)
	}

	e.metrics.Inc(metrics.LogoutAll)
	e.emitAudit(ctx, EventLogoutAll, identityID, keepSessionID, client, true, nil, nil)
	return nil
}
