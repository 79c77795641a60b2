// Package metrics holds lock-free counters for auth engine observability.
// Counters live in cache-line-padded slots and are incremented atomically;
// the write path allocates nothing. Export layers read Snapshot values.
package metrics

import (
	"sync/atomic"
	"time"
)

// ID addresses one engine counter.
type ID uint16

const (
	LoginSuccess ID = iota
	LoginFailure
	LoginBlocked
	LoginTwoFactorRequired
	TwoFactorSuccess
	TwoFactorFailure
	TwoFactorLocked
	TwoFactorEnabled
	TwoFactorDisabled
	RecoveryCodeUsed
	RecoveryCodeFailed
	RecoveryCodesRegenerated
	RefreshSuccess
	RefreshFailure
	RefreshReplayDetected
	ReauthIssued
	ReauthConsumed
	ReauthFailure
	OAuthLogin
	OAuthLink
	OAuthStateRejected
	SessionCreated
	SessionReactivated
	SessionDeactivated
	Logout
	LogoutAll
	RegisterSuccess
	RegisterDuplicate
	EmailVerified
	PasswordResetRequested
	PasswordResetCompleted
	PasswordChanged
	EmailChanged
	idCount
)

const (
	histBuckets   = 8
	cacheLineSize = 64
)

// bucket upper bounds in microseconds; last bucket is +Inf.
var latencyBounds = [histBuckets - 1]time.Duration{
	5 * time.Microsecond,
	25 * time.Microsecond,
	100 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	25 * time.Millisecond,
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics owns counter storage. A nil *Metrics is valid and inert.
type Metrics struct {
	enabled  bool
	latency  bool
	counters [idCount]paddedCounter
	validate [histBuckets]uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Counters        map[ID]uint64
	ValidateBuckets []uint64
}

type Config struct {
	Enabled          bool
	LatencyHistogram bool
}

func New(cfg Config) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.LatencyHistogram,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id ID) {
	if m == nil || !m.enabled || id >= idCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// ObserveValidate records one access-token validation duration.
func (m *Metrics) ObserveValidate(d time.Duration) {
	if m == nil || !m.latency {
		return
	}
	atomic.AddUint64(&m.validate[bucketIndex(d)], 1)
}

func bucketIndex(d time.Duration) int {
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return histBuckets - 1
}

func (m *Metrics) Value(id ID) uint64 {
	if m == nil || id >= idCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{Counters: map[ID]uint64{}}
	}

	s := Snapshot{Counters: make(map[ID]uint64, int(idCount))}
	for id := ID(0); id < idCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.latency {
		s.ValidateBuckets = make([]uint64, histBuckets)
		for i := range s.ValidateBuckets {
			s.ValidateBuckets[i] = atomic.LoadUint64(&m.validate[i])
		}
	}
	return s
}

// Name returns the export name for a counter, or "" for non-counter IDs.
func Name(id ID) string {
	if int(id) < len(counterNames) {
		return counterNames[id]
	}
	return ""
}

var counterNames = [idCount]string{
	LoginSuccess:             "authsentry_login_success_total",
	LoginFailure:             "authsentry_login_failure_total",
	LoginBlocked:             "authsentry_login_blocked_total",
	LoginTwoFactorRequired:   "authsentry_login_two_factor_required_total",
	TwoFactorSuccess:         "authsentry_two_factor_success_total",
	TwoFactorFailure:         "authsentry_two_factor_failure_total",
	TwoFactorLocked:          "authsentry_two_factor_locked_total",
	TwoFactorEnabled:         "authsentry_two_factor_enabled_total",
	TwoFactorDisabled:        "authsentry_two_factor_disabled_total",
	RecoveryCodeUsed:         "authsentry_recovery_code_used_total",
	RecoveryCodeFailed:       "authsentry_recovery_code_failed_total",
	RecoveryCodesRegenerated: "authsentry_recovery_codes_regenerated_total",
	RefreshSuccess:           "authsentry_refresh_success_total",
	RefreshFailure:           "authsentry_refresh_failure_total",
	RefreshReplayDetected:    "authsentry_refresh_replay_detected_total",
	ReauthIssued:             "authsentry_reauth_issued_total",
	ReauthConsumed:           "authsentry_reauth_consumed_total",
	ReauthFailure:            "authsentry_reauth_failure_total",
	OAuthLogin:               "authsentry_oauth_login_total",
	OAuthLink:                "authsentry_oauth_link_total",
	OAuthStateRejected:       "authsentry_oauth_state_rejected_total",
	SessionCreated:           "authsentry_session_created_total",
	SessionReactivated:       "authsentry_session_reactivated_total",
	SessionDeactivated:       "authsentry_session_deactivated_total",
	Logout:                   "authsentry_logout_total",
	LogoutAll:                "authsentry_logout_all_total",
	RegisterSuccess:          "authsentry_register_success_total",
	RegisterDuplicate:        "authsentry_register_duplicate_total",
	EmailVerified:            "authsentry_email_verified_total",
	PasswordResetRequested:   "authsentry_password_reset_requested_total",
	PasswordResetCompleted:   "authsentry_password_reset_completed_total",
	PasswordChanged:          "authsentry_password_changed_total",
	EmailChanged:             "authsentry_email_changed_total",
}

// AllCounters lists the exportable counter IDs in declaration order.
func AllCounters() []ID {
	ids := make([]ID, 0, int(idCount))
	for id := ID(0); id < idCount; id++ {
		ids = append(ids, id)
	}
	return ids
}
