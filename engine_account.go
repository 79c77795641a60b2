package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/mail"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/store"
	"github.com/google/uuid"
)

// Register creates a pending identity and mails a verification token. The
// account cannot log in until VerifyEmail flips it active. A duplicate
// email fails with ErrConflict.
func (e *Engine) Register(ctx context.Context, email, pass string, client Client) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	email = normalizeEmail(email)

	hash, err := e.hasher.Hash(pass)
	if err != nil {
		return "", err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", e.internalErr("generate identity secret", err)
	}
	rawToken, tokenHash, err := internal.NewOpaqueToken()
	if err != nil {
		return "", e.internalErr("mint verification token", err)
	}

	now := e.now()
	ident := &store.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Secret:       secret,
		Status:       store.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Identities().Create(ctx, ident); err != nil {
			return err
		}
		return tx.ActionTokens().Create(ctx, &store.ActionToken{
			ID:         uuid.NewString(),
			IdentityID: ident.ID,
			Kind:       store.ActionVerifyEmail,
			TokenHash:  tokenHash,
			ExpiresAt:  now.Add(e.cfg.ActionTokens.VerifyEmailTTL),
			CreatedAt:  now,
		})
	})
	if errors.Is(err, store.ErrConflict) {
		e.metrics.Inc(metrics.RegisterDuplicate)
		return "", ErrConflict
	}
	if err != nil {
		return "", e.internalErr("register", err)
	}

	e.metrics.Inc(metrics.RegisterSuccess)
	e.emitAudit(ctx, EventRegistered, ident.ID, "", client, true, nil, nil)
	e.mail.Send(mail.Message{
		To:       email,
		Template: mail.TemplateVerifyEmail,
		Data:     map[string]string{"token": rawToken},
	})
	return ident.ID, nil
}

// VerifyEmail consumes a mailed verification token and activates the
// pending identity.
func (e *Engine) VerifyEmail(ctx context.Context, rawToken string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}

	var identityID string
	err := e.st.WithinTx(ctx, func(tx store.Store) error {
		tok, err := tx.ActionTokens().Consume(ctx, store.ActionVerifyEmail, internal.HashToken(rawToken), e.now())
		if err != nil {
			return err
		}
		identityID = tok.IdentityID
		return tx.Identities().UpdateStatus(ctx, tok.IdentityID, store.StatusActive)
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrReplayed) {
		return ErrTokenExpiredOrRevoked
	}
	if err != nil {
		return e.internalErr("verify email", err)
	}

	e.metrics.Inc(metrics.EmailVerified)
	e.emitAudit(ctx, EventEmailVerified, identityID, "", client, true, nil, nil)
	return nil
}

// RequestPasswordReset mails a reset token. Unknown emails return success
// without sending anything, so the endpoint cannot be used to probe for
// accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}
	email = normalizeEmail(email)

	ident, err := e.st.Identities().GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return e.internalErr("load identity", err)
	}

	rawToken, tokenHash, err := internal.NewOpaqueToken()
	if err != nil {
		return e.internalErr("mint reset token", err)
	}
	now := e.now()
	err = e.st.ActionTokens().Create(ctx, &store.ActionToken{
		ID:         uuid.NewString(),
		IdentityID: ident.ID,
		Kind:       store.ActionPasswordReset,
		TokenHash:  tokenHash,
		ExpiresAt:  now.Add(e.cfg.ActionTokens.PasswordResetTTL),
		CreatedAt:  now,
	})
	if err != nil {
		return e.internalErr("store reset token", err)
	}

	e.metrics.Inc(metrics.PasswordResetRequested)
	e.emitAudit(ctx, EventPasswordResetReq, ident.ID, "", client, true, nil, nil)
	e.mail.Send(mail.Message{
		To:       email,
		Template: mail.TemplatePasswordReset,
		Data:     map[string]string{"token": rawToken},
	})
	return nil
}

// ResetPassword consumes a reset token, installs the new password, and
// rotates the identity secret so every outstanding access token dies
// immediately. All sessions are logged out; the device must log in again.
func (e *Engine) ResetPassword(ctx context.Context, rawToken, newPass string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}
	hash, err := e.hasher.Hash(newPass)
	if err != nil {
		return err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return e.internalErr("rotate identity secret", err)
	}

	var identityID string
	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		tok, err := tx.ActionTokens().Consume(ctx, store.ActionPasswordReset, internal.HashToken(rawToken), e.now())
		if err != nil {
			return err
		}
		identityID = tok.IdentityID
		if err := tx.Identities().UpdateCredentials(ctx, tok.IdentityID, hash, secret); err != nil {
			return err
		}
		if err := tx.Sessions().DeactivateByIdentity(ctx, tok.IdentityID, ""); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeByIdentity(ctx, tok.IdentityID, "")
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrReplayed) {
		return ErrTokenExpiredOrRevoked
	}
	if err != nil {
		return e.internalErr("reset password", err)
	}

	e.metrics.Inc(metrics.PasswordResetCompleted)
	e.emitAudit(ctx, EventPasswordReset, identityID, "", client, true, nil, nil)
	return nil
}

// ChangePassword is the logged-in variant: it requires a live re-auth
// token. The identity secret rotates (invalidating all outstanding access
// tokens) and every other session is logged out; the caller's session and
// next token pair keep working after the caller refreshes.
func (e *Engine) ChangePassword(ctx context.Context, identityID, reauthToken, newPass, keepSessionID string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.consumeReauth(ctx, identityID, reauthToken); err != nil {
		return err
	}

	hash, err := e.hasher.Hash(newPass)
	if err != nil {
		return err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return e.internalErr("rotate identity secret", err)
	}

	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Identities().UpdateCredentials(ctx, identityID, hash, secret); err != nil {
			return err
		}
		if err := tx.Sessions().DeactivateByIdentity(ctx, identityID, keepSessionID); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeByIdentity(ctx, identityID, keepSessionID)
	})
	if err != nil {
		return e.internalErr("change password", err)
	}

	e.metrics.Inc(metrics.PasswordChanged)
	e.emitAudit(ctx, EventPasswordChanged, identityID, keepSessionID, client, true, nil, nil)
	return nil
}

// RequestEmailChange mails a confirmation token to the address being
// adopted. Step-up operation: requires a live re-auth token. The change
// takes effect only when ConfirmEmailChange consumes the token.
func (e *Engine) RequestEmailChange(ctx context.Context, identityID, reauthToken, newEmail string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.consumeReauth(ctx, identityID, reauthToken); err != nil {
		return err
	}
	newEmail = normalizeEmail(newEmail)

	if _, err := e.st.Identities().GetByEmail(ctx, newEmail); err == nil {
		return ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return e.internalErr("check email", err)
	}

	rawToken, tokenHash, err := internal.NewOpaqueToken()
	if err != nil {
		return e.internalErr("mint email change token", err)
	}
	now := e.now()
	err = e.st.ActionTokens().Create(ctx, &store.ActionToken{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Kind:       store.ActionEmailChange,
		TokenHash:  tokenHash,
		Payload:    newEmail,
		ExpiresAt:  now.Add(e.cfg.ActionTokens.EmailChangeTTL),
		CreatedAt:  now,
	})
	if err != nil {
		return e.internalErr("store email change token", err)
	}

	e.emitAudit(ctx, EventEmailChangeReq, identityID, "", client, true, nil,
		map[string]string{"new_email": newEmail})
	e.mail.Send(mail.Message{
		To:       newEmail,
		Template: mail.TemplateEmailChange,
		Data:     map[string]string{"token": rawToken},
	})
	return nil
}

// ConfirmEmailChange consumes the mailed token and swaps the address.
// Other sessions are logged out; the unique email constraint is the
// backstop against a race with a conflicting registration.
func (e *Engine) ConfirmEmailChange(ctx context.Context, rawToken, keepSessionID string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}

	var identityID, newEmail string
	err := e.st.WithinTx(ctx, func(tx store.Store) error {
		tok, err := tx.ActionTokens().Consume(ctx, store.ActionEmailChange, internal.HashToken(rawToken), e.now())
		if err != nil {
			return err
		}
		identityID = tok.IdentityID
		newEmail = tok.Payload
		if err := tx.Identities().UpdateEmail(ctx, tok.IdentityID, tok.Payload); err != nil {
			return err
		}
		if err := tx.Sessions().DeactivateByIdentity(ctx, tok.IdentityID, keepSessionID); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeByIdentity(ctx, tok.IdentityID, keepSessionID)
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrReplayed) {
		return ErrTokenExpiredOrRevoked
	}
	if errors.Is(err, store.ErrConflict) {
		return ErrConflict
	}
	if err != nil {
		return e.internalErr("confirm email change", err)
	}

	e.metrics.Inc(metrics.EmailChanged)
	e.emitAudit(ctx, EventEmailChanged, identityID, "", client, true, nil,
		map[string]string{"new_email": newEmail})
	return nil
}
