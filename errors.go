package authsentry

import (
	"errors"
	"fmt"
	"time"

	"github.com/davxom/authsentry/store"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike,
	// so callers cannot probe which addresses have accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountNotUsable rejects logins for identities that are not active.
	ErrAccountNotUsable = errors.New("account not usable")
	// ErrTooManyAttempts signals an active brute-force lockout.
	ErrTooManyAttempts = errors.New("too many failed attempts")
	// ErrInvalidTwoFactorCode rejects a wrong 2FA or recovery code.
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	// ErrOtpLocked means the pending code burned its attempt budget and a
	// fresh challenge must be requested.
	ErrOtpLocked = errors.New("one-time code locked")
	// ErrTwoFactorAlreadyEnabled rejects enabling 2FA twice.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrTwoFactorNotEnabled rejects 2FA operations before enrollment.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrTwoFactorNotPending rejects a confirm with no enrollment underway.
	ErrTwoFactorNotPending = errors.New("two-factor enrollment not pending")
	// ErrTokenExpiredOrRevoked covers refresh, re-auth, and mailed action
	// tokens that are absent, expired, or already spent.
	ErrTokenExpiredOrRevoked = errors.New("token expired or revoked")
	// ErrInvalidState rejects forged, expired, or cross-flow OAuth state.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrUnauthorized rejects missing or garbled access credentials, and
	// flags refresh token replay.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict reports duplicate email or provider link.
	ErrConflict = errors.New("conflict")
	// ErrSessionNotFound reports an unknown or inactive session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownProvider reports an OAuth provider the engine was not
	// configured with.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrBackendUnavailable wraps transient store or Redis failures.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady guards use of a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockoutClass names the remaining-lockout bucket communicated to callers
// instead of an exact deadline.
type LockoutClass string

const (
	LockoutShort  LockoutClass = "short"
	LockoutMedium LockoutClass = "medium"
	LockoutLong   LockoutClass = "long"
)

func lockoutClass(d time.Duration) LockoutClass {
	switch {
	case d > time.Hour:
		return LockoutLong
	case d > 10*time.Minute:
		return LockoutMedium
	default:
		return LockoutShort
	}
}

// TooManyAttemptsError carries the lockout class alongside
// ErrTooManyAttempts.
type TooManyAttemptsError struct {
	Class LockoutClass
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many failed attempts: %s lockout", e.Class)
}

func (e *TooManyAttemptsError) Unwrap() error { return ErrTooManyAttempts }

// AccountNotUsableError carries the account status alongside
// ErrAccountNotUsable.
type AccountNotUsableError struct {
	Status store.IdentityStatus
}

func (e *AccountNotUsableError) Error() string {
	return fmt.Sprintf("account not usable: %s", e.Status)
}

func (e *AccountNotUsableError) Unwrap() error { return ErrAccountNotUsable }
