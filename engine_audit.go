package authsentry

import (
	"context"

	"github.com/davxom/authsentry/internal/audit"
)

// Audit event names emitted by the engine.
const (
	EventLoginSuccess      = "login.success"
	EventLoginFailure      = "login.failure"
	EventLoginBlocked      = "login.blocked"
	EventLoginTwoFactor    = "login.two_factor_required"
	EventTwoFactorEnabled  = "two_factor.enabled"
	EventTwoFactorDisabled = "two_factor.disabled"
	EventTwoFactorVerified = "two_factor.verified"
	EventTwoFactorFailed   = "two_factor.failed"
	EventRecoveryCodeUsed  = "two_factor.recovery_code_used"
	EventRecoveryCodesNew  = "two_factor.recovery_codes_regenerated"
	EventRefreshRotated    = "refresh.rotated"
	EventRefreshReplay     = "refresh.replay_detected"
	EventLogout            = "session.logout"
	EventLogoutAll         = "session.logout_all"
	EventReauthIssued      = "reauth.issued"
	EventReauthConsumed    = "reauth.consumed"
	EventReauthFailed      = "reauth.failed"
	EventOAuthLogin        = "oauth.login"
	EventOAuthLinked       = "oauth.linked"
	EventOAuthStateReject  = "oauth.state_rejected"
	EventRegistered        = "account.registered"
	EventEmailVerified     = "account.email_verified"
	EventPasswordResetReq  = "account.password_reset_requested"
	EventPasswordReset     = "account.password_reset"
	EventPasswordChanged   = "account.password_changed"
	EventEmailChangeReq    = "account.email_change_requested"
	EventEmailChanged      = "account.email_changed"
)

// emitAudit queues one event with the caller's client metadata. Never
// blocks the flow; failures beyond the buffer are counted as drops.
func (e *Engine) emitAudit(ctx context.Context, event string, actorID, sessionID string, client Client, success bool, failure error, metadata map[string]string) {
	if e.audit == nil {
		return
	}
	if client == (Client{}) {
		client = clientFromContext(ctx)
	}
	ev := audit.Event{
		Timestamp: e.now(),
		Event:     event,
		ActorID:   actorID,
		SessionID: sessionID,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Success:   success,
		Metadata:  metadata,
	}
	if failure != nil {
		ev.Error = failure.Error()
	}
	e.audit.Emit(ctx, ev)
}

// AuditDropped reports audit events shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}
