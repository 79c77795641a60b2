package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/internal/reauth"
	"github.com/davxom/authsentry/store"
)

// Reauthenticate proves a fresh password re-entry and returns a short-lived
// opaque step-up token for the next sensitive call. At most one proof is
// live per identity: issuing a new one displaces any earlier proof.
// Failures count against the brute-force tracker like login failures.
func (e *Engine) Reauthenticate(ctx context.Context, identityID, pass string, client Client) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	ident, err := e.st.Identities().GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnauthorized
		}
		return "", e.internalErr("load identity", err)
	}
	if err := usableIdentity(ident); err != nil {
		return "", err
	}
	if err := e.checkLockout(ctx, ident.Email); err != nil {
		return "", err
	}

	if ident.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	ok, err := e.hasher.Verify(pass, ident.PasswordHash)
	if err != nil {
		return "", e.internalErr("verify password", err)
	}
	if !ok {
		e.metrics.Inc(metrics.ReauthFailure)
		e.recordFailure(ctx, ident.Email)
		e.emitAudit(ctx, EventReauthFailed, identityID, "", client, false, nil, nil)
		return "", ErrInvalidCredentials
	}

	raw, hash, err := internal.NewOpaqueToken()
	if err != nil {
		return "", e.internalErr("mint reauth token", err)
	}
	if err := e.reauth.Issue(ctx, identityID, hash); err != nil {
		return "", e.internalErr("store reauth token", err)
	}

	e.resetAttempts(ctx, ident.Email)
	e.metrics.Inc(metrics.ReauthIssued)
	e.emitAudit(ctx, EventReauthIssued, identityID, "", client, true, nil, nil)
	return raw, nil
}

// consumeReauth spends the identity's step-up proof. Consume-once: success
// removes the proof, so each sensitive call needs a fresh Reauthenticate.
func (e *Engine) consumeReauth(ctx context.Context, identityID, raw string) error {
	err := e.reauth.Consume(ctx, identityID, internal.HashToken(raw))
	switch {
	case err == nil:
		e.metrics.Inc(metrics.ReauthConsumed)
		e.emitAudit(ctx, EventReauthConsumed, identityID, "", Client{}, true, nil, nil)
		return nil
	case errors.Is(err, reauth.ErrNotValid):
		e.metrics.Inc(metrics.ReauthFailure)
		return ErrTokenExpiredOrRevoked
	default:
		return e.internalErr("consume reauth token", err)
	}
}
