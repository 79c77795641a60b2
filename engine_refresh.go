package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/store"
	"github.com/google/uuid"
)

// Refresh rotates a refresh token: the presented token is revoked and one
// fresh access/refresh pair is minted against the same session. A token
// can be consumed exactly once; concurrent presentations produce one
// winner, and every later attempt is replay. On replay the engine
// deactivates the owning session and revokes its tokens, forcing a fresh
// login on the compromised device.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, client Client) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	hash := internal.HashToken(refreshToken)

	var (
		sess  *store.Session
		ident *store.Identity
	)
	rawRefresh, newHash, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, e.internalErr("mint refresh token", err)
	}

	now := e.now()
	refreshExpiry := now.Add(e.cfg.Refresh.TTL)

	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		consumed, err := tx.RefreshTokens().Consume(ctx, hash, now)
		if err != nil {
			return err
		}
		if sess, err = tx.Sessions().GetByID(ctx, consumed.SessionID); err != nil {
			return err
		}
		if !sess.Active || !sess.ExpiresAt.After(now) {
			return store.ErrNotFound
		}
		if ident, err = tx.Identities().GetByID(ctx, sess.IdentityID); err != nil {
			return err
		}
		if err := usableIdentity(ident); err != nil {
			return err
		}
		if err := tx.Sessions().SetActive(ctx, sess.ID, true, refreshExpiry); err != nil {
			return err
		}
		return tx.RefreshTokens().Create(ctx, &store.RefreshToken{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			TokenHash: newHash,
			ExpiresAt: refreshExpiry,
			CreatedAt: now,
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, store.ErrReplayed):
		e.handleReplay(ctx, hash, client)
		return nil, ErrUnauthorized
	case errors.Is(err, store.ErrNotFound):
		e.metrics.Inc(metrics.RefreshFailure)
		return nil, ErrTokenExpiredOrRevoked
	case errors.Is(err, ErrAccountNotUsable):
		e.metrics.Inc(metrics.RefreshFailure)
		return nil, err
	default:
		return nil, e.internalErr("rotate refresh token", err)
	}

	accessToken, err := e.access.Issue(ident.ID, ident.Secret, ident.Email, sess.ID, ident.Permissions)
	if err != nil {
		return nil, e.internalErr("sign access token", err)
	}

	e.metrics.Inc(metrics.RefreshSuccess)
	e.emitAudit(ctx, EventRefreshRotated, ident.ID, sess.ID, client, true, nil, nil)

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  now.Add(e.access.TTL()),
		RefreshExpiresAt: refreshExpiry,
		SessionID:        sess.ID,
		DeviceID:         sess.DeviceID,
	}, nil
}

// handleReplay contains the blast radius of a replayed refresh token: the
// owning session goes inactive and its live tokens are revoked.
func (e *Engine) handleReplay(ctx context.Context, hash string, client Client) {
	e.metrics.Inc(metrics.RefreshReplayDetected)

	err := e.st.WithinTx(ctx, func(tx store.Store) error {
		replayed, err := tx.RefreshTokens().FindByHash(ctx, hash)
		if err != nil {
			return err
		}
		if err := tx.Sessions().SetActive(ctx, replayed.SessionID, false, e.now()); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeBySession(ctx, replayed.SessionID)
	})
	if err != nil {
		e.logger.Printf("replay containment: %v", err)
	}

	e.emitAudit(ctx, EventRefreshReplay, "", "", client, false, ErrUnauthorized, nil)
	e.metrics.Inc(metrics.SessionDeactivated)
}
