package authsentry

import (
	"context"
	"errors"
	"strings"

	"github.com/davxom/authsentry/internal/mail"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/store"
)

// Login authenticates an email/password pair. Unknown email and wrong
// password produce the same ErrInvalidCredentials; the audit trail records
// which it was. When the identity has 2FA enabled the result carries
// TwoFactorRequired and the identity id, and no token material: the caller
// must finish with CompleteTwoFactorLogin.
func (e *Engine) Login(ctx context.Context, email, pass string, client Client) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	email = normalizeEmail(email)

	// Lockout gates the flow before the password is even checked.
	if err := e.checkLockout(ctx, email); err != nil {
		e.emitAudit(ctx, EventLoginBlocked, "", "", client, false, err, map[string]string{"email": email})
		return nil, err
	}

	ident, err := e.st.Identities().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.metrics.Inc(metrics.LoginFailure)
			e.recordFailure(ctx, email)
			e.emitAudit(ctx, EventLoginFailure, "", "", client, false, err,
				map[string]string{"email": email, "reason": "unknown_email"})
			return nil, ErrInvalidCredentials
		}
		return nil, e.internalErr("load identity", err)
	}

	if ident.PasswordHash == "" {
		// OAuth-only account; no password to check.
		e.metrics.Inc(metrics.LoginFailure)
		e.recordFailure(ctx, email)
		e.emitAudit(ctx, EventLoginFailure, ident.ID, "", client, false, nil,
			map[string]string{"reason": "no_password"})
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(pass, ident.PasswordHash)
	if err != nil {
		return nil, e.internalErr("verify password", err)
	}
	if !ok {
		e.metrics.Inc(metrics.LoginFailure)
		e.recordFailure(ctx, email)
		e.emitAudit(ctx, EventLoginFailure, ident.ID, "", client, false, nil,
			map[string]string{"reason": "password_mismatch"})
		return nil, ErrInvalidCredentials
	}

	if err := usableIdentity(ident); err != nil {
		e.emitAudit(ctx, EventLoginFailure, ident.ID, "", client, false, err,
			map[string]string{"reason": "status_" + string(ident.Status)})
		return nil, err
	}

	tf, err := e.st.TwoFactor().Get(ctx, ident.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, e.internalErr("load two-factor config", err)
	}
	if tf != nil && tf.Enabled {
		return e.beginTwoFactorLogin(ctx, ident, tf, client)
	}

	return e.finishLogin(ctx, ident, client)
}

// beginTwoFactorLogin suspends the flow pending a second factor. For email
// OTP factors a fresh code is generated and mailed here.
func (e *Engine) beginTwoFactorLogin(ctx context.Context, ident *store.Identity, tf *store.TwoFactorConfig, client Client) (*LoginResult, error) {
	if tf.FactorType == store.FactorEmailOTP {
		if err := e.sendLoginOTP(ctx, ident); err != nil {
			return nil, err
		}
	}
	e.metrics.Inc(metrics.LoginTwoFactorRequired)
	e.emitAudit(ctx, EventLoginTwoFactor, ident.ID, "", client, true, nil,
		map[string]string{"factor": string(tf.FactorType)})
	return &LoginResult{TwoFactorRequired: true, IdentityID: ident.ID}, nil
}

// finishLogin issues tokens after every gate has passed.
func (e *Engine) finishLogin(ctx context.Context, ident *store.Identity, client Client) (*LoginResult, error) {
	pair, err := e.issueTokens(ctx, ident, client)
	if err != nil {
		return nil, err
	}

	e.resetAttempts(ctx, ident.Email)
	e.metrics.Inc(metrics.LoginSuccess)
	e.emitAudit(ctx, EventLoginSuccess, ident.ID, pair.SessionID, client, true, nil, nil)
	e.mail.Send(mail.Message{
		To:       ident.Email,
		Template: mail.TemplateLoginAlert,
		Data:     map[string]string{"ip": client.IP, "user_agent": client.UserAgent},
	})

	return &LoginResult{
		IdentityID:  ident.ID,
		Email:       ident.Email,
		Permissions: ident.Permissions,
		Tokens:      pair,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
