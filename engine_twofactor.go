package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/challenge"
	"github.com/davxom/authsentry/internal/mail"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/store"
)

// challenge kinds in the OTP store; enrollment and login codes never
// satisfy each other.
const (
	otpKindEnroll = "enroll"
	otpKindLogin  = "login"
)

// factorBackend is the per-factor capability set: start an enrollment,
// verify a code. Factors are data variants, not subclasses.
type factorBackend interface {
	begin(ctx context.Context, ident *store.Identity, tf *store.TwoFactorConfig) (*TwoFactorEnrollment, error)
	verify(ctx context.Context, ident *store.Identity, tf *store.TwoFactorConfig, code, kind string) error
}

func (e *Engine) backendFor(factor store.FactorType) (factorBackend, error) {
	switch factor {
	case store.FactorTOTP:
		return totpBackend{e}, nil
	case store.FactorEmailOTP:
		return emailBackend{e}, nil
	default:
		return nil, errors.New("unsupported factor type")
	}
}

type totpBackend struct{ e *Engine }

func (b totpBackend) begin(_ context.Context, ident *store.Identity, tf *store.TwoFactorConfig) (*TwoFactorEnrollment, error) {
	raw, encoded, err := b.e.totp.GenerateSecret()
	if err != nil {
		return nil, b.e.internalErr("generate totp secret", err)
	}
	tf.FactorData = raw
	return &TwoFactorEnrollment{
		FactorType:   store.FactorTOTP,
		SecretBase32: encoded,
		ProvisionURI: b.e.totp.ProvisionURI(encoded, ident.Email),
	}, nil
}

func (b totpBackend) verify(_ context.Context, _ *store.Identity, tf *store.TwoFactorConfig, code, _ string) error {
	ok, _, err := b.e.totp.Verify(tf.FactorData, code, b.e.now())
	if err != nil {
		return b.e.internalErr("verify totp", err)
	}
	if !ok {
		return ErrInvalidTwoFactorCode
	}
	return nil
}

type emailBackend struct{ e *Engine }

func (b emailBackend) begin(ctx context.Context, ident *store.Identity, tf *store.TwoFactorConfig) (*TwoFactorEnrollment, error) {
	tf.FactorData = nil
	if err := b.e.sendOTP(ctx, ident, otpKindEnroll); err != nil {
		return nil, err
	}
	return &TwoFactorEnrollment{FactorType: store.FactorEmailOTP}, nil
}

func (b emailBackend) verify(ctx context.Context, ident *store.Identity, _ *store.TwoFactorConfig, code, kind string) error {
	err := b.e.otp.Verify(ctx, kind, ident.ID, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, challenge.ErrLocked):
		b.e.metrics.Inc(metrics.TwoFactorLocked)
		return ErrOtpLocked
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, challenge.ErrMismatch):
		return ErrInvalidTwoFactorCode
	default:
		return b.e.internalErr("verify otp", err)
	}
}

// sendOTP creates a fresh one-time code and mails it. Any prior code of
// the same kind is displaced.
func (e *Engine) sendOTP(ctx context.Context, ident *store.Identity, kind string) error {
	code, err := internal.NewDigits(e.cfg.OTP.Digits)
	if err != nil {
		return e.internalErr("generate otp", err)
	}
	if err := e.otp.Create(ctx, kind, ident.ID, code); err != nil {
		return e.internalErr("store otp", err)
	}
	e.mail.Send(mail.Message{
		To:       ident.Email,
		Template: mail.TemplateLoginCode,
		Data:     map[string]string{"code": code},
	})
	return nil
}

func (e *Engine) sendLoginOTP(ctx context.Context, ident *store.Identity) error {
	return e.sendOTP(ctx, ident, otpKindLogin)
}

// TwoFactorStatus reports whether and how the identity has 2FA configured.
func (e *Engine) TwoFactorStatus(ctx context.Context, identityID string) (*TwoFactorStatus, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	tf, err := e.st.TwoFactor().Get(ctx, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return &TwoFactorStatus{}, nil
	}
	if err != nil {
		return nil, e.internalErr("load two-factor config", err)
	}
	return &TwoFactorStatus{Enabled: tf.Enabled, FactorType: tf.FactorType, ChangedAt: tf.LastChangedAt}, nil
}

// EnableTwoFactor starts enrollment for the chosen factor. The config
// enters a pending state with enabled=false; nothing is enforced at login
// until ConfirmTwoFactor succeeds. Re-enrolling while enabled is rejected;
// restarting a pending enrollment is allowed and replaces it.
func (e *Engine) EnableTwoFactor(ctx context.Context, identityID string, factor store.FactorType) (*TwoFactorEnrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	backend, err := e.backendFor(factor)
	if err != nil {
		return nil, err
	}

	ident, err := e.st.Identities().GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, e.internalErr("load identity", err)
	}

	tf, err := e.st.TwoFactor().Get(ctx, identityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, e.internalErr("load two-factor config", err)
	}
	if tf != nil && tf.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if tf == nil {
		tf = &store.TwoFactorConfig{IdentityID: identityID}
	}
	tf.Enabled = false
	tf.FactorType = factor
	tf.LastChangedAt = e.now()

	enrollment, err := backend.begin(ctx, ident, tf)
	if err != nil {
		return nil, err
	}
	if err := e.st.TwoFactor().Save(ctx, tf); err != nil {
		return nil, e.internalErr("save two-factor config", err)
	}
	return enrollment, nil
}

// ConfirmTwoFactor completes a pending enrollment. A wrong code leaves the
// config untouched. Success flips enabled=true and returns a fresh batch
// of recovery codes, replacing any earlier batch.
func (e *Engine) ConfirmTwoFactor(ctx context.Context, identityID, code string, client Client) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ident, err := e.st.Identities().GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, e.internalErr("load identity", err)
	}

	tf, err := e.st.TwoFactor().Get(ctx, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTwoFactorNotPending
	}
	if err != nil {
		return nil, e.internalErr("load two-factor config", err)
	}
	if tf.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if tf.FactorType == store.FactorNone {
		return nil, ErrTwoFactorNotPending
	}

	backend, err := e.backendFor(tf.FactorType)
	if err != nil {
		return nil, err
	}
	if err := backend.verify(ctx, ident, tf, code, otpKindEnroll); err != nil {
		e.metrics.Inc(metrics.TwoFactorFailure)
		e.emitAudit(ctx, EventTwoFactorFailed, identityID, "", client, false, err,
			map[string]string{"stage": "confirm"})
		return nil, err
	}

	codes, hashes, err := e.newRecoveryBatch()
	if err != nil {
		return nil, err
	}

	tf.Enabled = true
	tf.LastChangedAt = e.now()
	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.TwoFactor().Save(ctx, tf); err != nil {
			return err
		}
		return tx.RecoveryCodes().Replace(ctx, identityID, hashes)
	})
	if err != nil {
		return nil, e.internalErr("enable two-factor", err)
	}

	e.metrics.Inc(metrics.TwoFactorEnabled)
	e.emitAudit(ctx, EventTwoFactorEnabled, identityID, "", client, true, nil,
		map[string]string{"factor": string(tf.FactorType)})
	return codes, nil
}

// CompleteTwoFactorLogin finishes a login that stopped at the second
// factor. A failed factor check falls back to consuming a recovery code;
// failures on both paths count against the brute-force tracker.
func (e *Engine) CompleteTwoFactorLogin(ctx context.Context, identityID, code string, client Client) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ident, err := e.st.Identities().GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, e.internalErr("load identity", err)
	}
	if err := usableIdentity(ident); err != nil {
		return nil, err
	}
	if err := e.checkLockout(ctx, ident.Email); err != nil {
		return nil, err
	}

	tf, err := e.st.TwoFactor().Get(ctx, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTwoFactorNotEnabled
	}
	if err != nil {
		return nil, e.internalErr("load two-factor config", err)
	}
	if !tf.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	backend, err := e.backendFor(tf.FactorType)
	if err != nil {
		return nil, err
	}

	verr := backend.verify(ctx, ident, tf, code, otpKindLogin)
	switch {
	case verr == nil:
		e.metrics.Inc(metrics.TwoFactorSuccess)
		e.emitAudit(ctx, EventTwoFactorVerified, identityID, "", client, true, nil, nil)
	case errors.Is(verr, ErrOtpLocked):
		e.recordFailure(ctx, ident.Email)
		return nil, verr
	case errors.Is(verr, ErrInvalidTwoFactorCode) && code != "":
		// Recovery fallback: a valid single-use code bypasses the factor.
		if e.consumeRecoveryCode(ctx, identityID, code, client) {
			break
		}
		fallthrough
	default:
		e.metrics.Inc(metrics.TwoFactorFailure)
		e.recordFailure(ctx, ident.Email)
		e.emitAudit(ctx, EventTwoFactorFailed, identityID, "", client, false, verr,
			map[string]string{"stage": "login"})
		if errors.Is(verr, ErrInvalidTwoFactorCode) {
			return nil, ErrInvalidTwoFactorCode
		}
		return nil, verr
	}

	return e.finishLogin(ctx, ident, client)
}

// DisableTwoFactor turns enforcement off and clears the factor material.
// It is a step-up operation: the caller must present a live re-auth token.
func (e *Engine) DisableTwoFactor(ctx context.Context, identityID, reauthToken string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.consumeReauth(ctx, identityID, reauthToken); err != nil {
		return err
	}

	tf, err := e.st.TwoFactor().Get(ctx, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTwoFactorNotEnabled
	}
	if err != nil {
		return e.internalErr("load two-factor config", err)
	}
	if !tf.Enabled {
		return ErrTwoFactorNotEnabled
	}

	tf.Enabled = false
	tf.FactorType = store.FactorNone
	tf.FactorData = nil
	tf.LastChangedAt = e.now()
	err = e.st.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.TwoFactor().Save(ctx, tf); err != nil {
			return err
		}
		return tx.RecoveryCodes().Replace(ctx, identityID, nil)
	})
	if err != nil {
		return e.internalErr("disable two-factor", err)
	}

	e.metrics.Inc(metrics.TwoFactorDisabled)
	e.emitAudit(ctx, EventTwoFactorDisabled, identityID, "", client, true, nil, nil)
	return nil
}
