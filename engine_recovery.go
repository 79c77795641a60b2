package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/store"
)

// recoveryCodeBytes yields 8 uppercase hex characters per code.
const recoveryCodeBytes = 4

// newRecoveryBatch mints one batch of single-use codes, returning the raw
// codes for the caller and their hashes for storage.
func (e *Engine) newRecoveryBatch() (codes, hashes []string, err error) {
	n := e.cfg.Recovery.BatchSize
	codes = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := internal.NewHexCode(recoveryCodeBytes)
		if err != nil {
			return nil, nil, e.internalErr("generate recovery code", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, internal.HashToken(code))
	}
	return codes, hashes, nil
}

// consumeRecoveryCode spends one code; false for unknown or already used.
func (e *Engine) consumeRecoveryCode(ctx context.Context, identityID, code string, client Client) bool {
	ok, err := e.st.RecoveryCodes().Consume(ctx, identityID, internal.HashToken(code))
	if err != nil {
		e.logger.Printf("consume recovery code: %v", err)
		return false
	}
	if !ok {
		e.metrics.Inc(metrics.RecoveryCodeFailed)
		return false
	}
	e.metrics.Inc(metrics.RecoveryCodeUsed)
	e.emitAudit(ctx, EventRecoveryCodeUsed, identityID, "", client, true, nil, nil)
	return true
}

// RegenerateRecoveryCodes replaces the identity's batch with a fresh one.
// Step-up operation: requires a live re-auth token, and 2FA must be
// enabled.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, identityID, reauthToken string, client Client) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if err := e.consumeReauth(ctx, identityID, reauthToken); err != nil {
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

	codes, hashes, err := e.newRecoveryBatch()
	if err != nil {
		return nil, err
	}
	if err := e.st.RecoveryCodes().Replace(ctx, identityID, hashes); err != nil {
		return nil, e.internalErr("replace recovery codes", err)
	}

	e.metrics.Inc(metrics.RecoveryCodesRegenerated)
	e.emitAudit(ctx, EventRecoveryCodesNew, identityID, "", client, true, nil, nil)
	return codes, nil
}
