package authsentry

import (
	"context"
	"errors"
	"testing"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/store"
)

// enrollTOTP walks an identity through TOTP enrollment and returns the
// recovery codes handed out on confirmation.
func enrollTOTP(t *testing.T, env *testEnv, identityID string) []string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := env.eng.EnableTwoFactor(ctx, identityID, store.FactorTOTP)
	if err != nil {
		t.Fatalf("enable totp: %v", err)
	}
	if enrollment.SecretBase32 == "" || enrollment.ProvisionURI == "" {
		t.Fatal("totp enrollment must carry secret and provision uri")
	}

	code := currentTOTP(t, env, identityID)
	codes, err := env.eng.ConfirmTwoFactor(ctx, identityID, code, Client{})
	if err != nil {
		t.Fatalf("confirm totp: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("recovery codes = %d, want 10", len(codes))
	}
	return codes
}

// currentTOTP computes the code the authenticator app would show now.
func currentTOTP(t *testing.T, env *testEnv, identityID string) string {
	t.Helper()
	tf, err := env.st.TwoFactor().Get(context.Background(), identityID)
	if err != nil {
		t.Fatalf("load two-factor config: %v", err)
	}
	code, err := env.eng.totp.Code(tf.FactorData, env.clock.Now())
	if err != nil {
		t.Fatalf("compute totp code: %v", err)
	}
	return code
}

func TestTOTPEnrollmentAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")
	enrollTOTP(t, env, ident.ID)

	status, err := env.eng.TwoFactorStatus(ctx, ident.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Enabled || status.FactorType != store.FactorTOTP {
		t.Fatalf("status = %+v, want enabled totp", status)
	}

	// Password alone no longer logs in.
	result, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !result.TwoFactorRequired {
		t.Fatal("expected two-factor marker")
	}
	if result.Tokens != nil {
		t.Fatal("two-factor marker must not carry tokens")
	}

	wrong := "000000"
	if wrong == currentTOTP(t, env, ident.ID) {
		wrong = "000001"
	}
	if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, wrong, Client{}); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("wrong code err = %v, want ErrInvalidTwoFactorCode", err)
	}

	finished, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, currentTOTP(t, env, ident.ID), Client{})
	if err != nil {
		t.Fatalf("complete login: %v", err)
	}
	if finished.Tokens == nil {
		t.Fatal("completed login must carry tokens")
	}
}

func TestConfirmTwoFactorWrongCodeLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")

	if _, err := env.eng.EnableTwoFactor(ctx, ident.ID, store.FactorTOTP); err != nil {
		t.Fatalf("enable: %v", err)
	}

	wrong := "000000"
	if wrong == currentTOTP(t, env, ident.ID) {
		wrong = "000001"
	}
	if _, err := env.eng.ConfirmTwoFactor(ctx, ident.ID, wrong, Client{}); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("err = %v, want ErrInvalidTwoFactorCode", err)
	}

	// Still pending: password login does not demand a second factor.
	result, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.TwoFactorRequired {
		t.Fatal("pending enrollment must not gate login")
	}

	// And confirmation can still succeed with the right code.
	if _, err := env.eng.ConfirmTwoFactor(ctx, ident.ID, currentTOTP(t, env, ident.ID), Client{}); err != nil {
		t.Fatalf("confirm retry: %v", err)
	}
}

func TestEnableTwoFactorTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")
	enrollTOTP(t, env, ident.ID)

	if _, err := env.eng.EnableTwoFactor(ctx, ident.ID, store.FactorTOTP); !errors.Is(err, ErrTwoFactorAlreadyEnabled) {
		t.Fatalf("err = %v, want ErrTwoFactorAlreadyEnabled", err)
	}
}

func TestConfirmTwoFactorWithoutEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ident := env.seedIdentity(t, "alice@example.com")

	if _, err := env.eng.ConfirmTwoFactor(context.Background(), ident.ID, "123456", Client{}); !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("err = %v, want ErrTwoFactorNotPending", err)
	}
}

func TestEmailOTPLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")

	// Enroll the email factor: the enrollment code arrives by mail.
	if _, err := env.eng.EnableTwoFactor(ctx, ident.ID, store.FactorEmailOTP); err != nil {
		t.Fatalf("enable email otp: %v", err)
	}
	enrollCode := env.lastMail(t, "login_code").Data["code"]
	if _, err := env.eng.ConfirmTwoFactor(ctx, ident.ID, enrollCode, Client{}); err != nil {
		t.Fatalf("confirm email otp: %v", err)
	}

	// Login pauses and mails a fresh code.
	result, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !result.TwoFactorRequired {
		t.Fatal("expected two-factor marker")
	}
	loginCode := env.lastMail(t, "login_code").Data["code"]
	if loginCode == enrollCode {
		t.Fatal("login code must differ from enrollment code")
	}

	finished, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, loginCode, Client{})
	if err != nil {
		t.Fatalf("complete login: %v", err)
	}
	if finished.Tokens == nil {
		t.Fatal("completed login must carry tokens")
	}

	// The code was consumed; replaying it fails.
	if _, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{}); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, loginCode, Client{}); err == nil {
		t.Fatal("stale code must not complete login")
	}
}

func TestEmailOTPLocksAfterBudget(t *testing.T) {
	// A tighter code budget keeps the test clear of the account lockout
	// threshold.
	env := newTestEnvConfig(t, func(cfg *Config) { cfg.OTP.MaxAttempts = 3 })
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")

	if _, err := env.eng.EnableTwoFactor(ctx, ident.ID, store.FactorEmailOTP); err != nil {
		t.Fatalf("enable: %v", err)
	}
	enrollCode := env.lastMail(t, "login_code").Data["code"]
	if _, err := env.eng.ConfirmTwoFactor(ctx, ident.ID, enrollCode, Client{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	loginCode := env.lastMail(t, "login_code").Data["code"]

	// Three wrong submissions exhaust the challenge budget.
	for i := 0; i < 3; i++ {
		if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, "999999", Client{}); !errors.Is(err, ErrInvalidTwoFactorCode) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidTwoFactorCode", i+1, err)
		}
	}
	_, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, loginCode, Client{})
	if !errors.Is(err, ErrOtpLocked) {
		t.Fatalf("err = %v, want ErrOtpLocked", err)
	}
}

func TestRecoveryCodeFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")
	codes := enrollTOTP(t, env, ident.ID)

	if _, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	finished, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, codes[0], Client{})
	if err != nil {
		t.Fatalf("recovery fallback: %v", err)
	}
	if finished.Tokens == nil {
		t.Fatal("recovery login must carry tokens")
	}

	// Single use: the spent code is a plain failure next time.
	if _, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{}); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, codes[0], Client{}); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("reused code err = %v, want ErrInvalidTwoFactorCode", err)
	}

	// A different code from the batch still works.
	if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, codes[1], Client{}); err != nil {
		t.Fatalf("second recovery code: %v", err)
	}
}

func TestRegenerateRecoveryCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")
	old := enrollTOTP(t, env, ident.ID)

	proof, err := env.eng.Reauthenticate(ctx, ident.ID, testPassword, Client{})
	if err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	fresh, err := env.eng.RegenerateRecoveryCodes(ctx, ident.ID, proof, Client{})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(fresh) != 10 {
		t.Fatalf("fresh batch = %d, want 10", len(fresh))
	}

	// The old batch is void.
	if _, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, old[0], Client{}); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("old code err = %v, want ErrInvalidTwoFactorCode", err)
	}
	if _, err := env.eng.CompleteTwoFactorLogin(ctx, ident.ID, fresh[0], Client{}); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

func TestDisableTwoFactor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ident := env.seedIdentity(t, "alice@example.com")
	codes := enrollTOTP(t, env, ident.ID)

	// Without a step-up proof the operation is rejected.
	if err := env.eng.DisableTwoFactor(ctx, ident.ID, "no-proof", Client{}); !errors.Is(err, ErrTokenExpiredOrRevoked) {
		t.Fatalf("err = %v, want ErrTokenExpiredOrRevoked", err)
	}

	proof, err := env.eng.Reauthenticate(ctx, ident.ID, testPassword, Client{})
	if err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	if err := env.eng.DisableTwoFactor(ctx, ident.ID, proof, Client{}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	status, err := env.eng.TwoFactorStatus(ctx, ident.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Enabled {
		t.Fatal("two-factor should be disabled")
	}

	// Login goes straight through, and the recovery batch is gone.
	result, err := env.eng.Login(ctx, "alice@example.com", testPassword, Client{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.TwoFactorRequired || result.Tokens == nil {
		t.Fatal("login should complete without a second factor")
	}
	ok, err := env.st.RecoveryCodes().Consume(ctx, ident.ID, internal.HashToken(codes[0]))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok {
		t.Fatal("recovery codes should be cleared on disable")
	}
}
