package authsentry

import "github.com/davxom/authsentry/internal/metrics"

// MetricID addresses one engine counter.
type MetricID = metrics.ID

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot = metrics.Snapshot

// Counter IDs, re-exported for export layers and callers.
const (
	MetricLoginSuccess             = metrics.LoginSuccess
	MetricLoginFailure             = metrics.LoginFailure
	MetricLoginBlocked             = metrics.LoginBlocked
	MetricLoginTwoFactorRequired   = metrics.LoginTwoFactorRequired
	MetricTwoFactorSuccess         = metrics.TwoFactorSuccess
	MetricTwoFactorFailure         = metrics.TwoFactorFailure
	MetricTwoFactorLocked          = metrics.TwoFactorLocked
	MetricTwoFactorEnabled         = metrics.TwoFactorEnabled
	MetricTwoFactorDisabled        = metrics.TwoFactorDisabled
	MetricRecoveryCodeUsed         = metrics.RecoveryCodeUsed
	MetricRecoveryCodeFailed       = metrics.RecoveryCodeFailed
	MetricRecoveryCodesRegenerated = metrics.RecoveryCodesRegenerated
	MetricRefreshSuccess           = metrics.RefreshSuccess
	MetricRefreshFailure           = metrics.RefreshFailure
	MetricRefreshReplayDetected    = metrics.RefreshReplayDetected
	MetricReauthIssued             = metrics.ReauthIssued
	MetricReauthConsumed           = metrics.ReauthConsumed
	MetricReauthFailure            = metrics.ReauthFailure
	MetricOAuthLogin               = metrics.OAuthLogin
	MetricOAuthLink                = metrics.OAuthLink
	MetricOAuthStateRejected       = metrics.OAuthStateRejected
	MetricSessionCreated           = metrics.SessionCreated
	MetricSessionReactivated       = metrics.SessionReactivated
	MetricSessionDeactivated       = metrics.SessionDeactivated
	MetricLogout                   = metrics.Logout
	MetricLogoutAll                = metrics.LogoutAll
	MetricRegisterSuccess          = metrics.RegisterSuccess
	MetricRegisterDuplicate        = metrics.RegisterDuplicate
	MetricEmailVerified            = metrics.EmailVerified
	MetricPasswordResetRequested   = metrics.PasswordResetRequested
	MetricPasswordResetCompleted   = metrics.PasswordResetCompleted
	MetricPasswordChanged          = metrics.PasswordChanged
	MetricEmailChanged             = metrics.EmailChanged
)

// MetricName returns the export name for a counter.
func MetricName(id MetricID) string { return metrics.Name(id) }

// AllMetricIDs lists the exportable counter IDs.
func AllMetricIDs() []MetricID { return metrics.AllCounters() }

// MetricsSnapshot copies the engine's counters. Disabled metrics yield an
// empty snapshot.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// MetricValue reads one counter.
func (e *Engine) MetricValue(id MetricID) uint64 {
	if e == nil {
		return 0
	}
	return e.metrics.Value(id)
}
