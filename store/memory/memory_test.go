package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davxom/authsentry/store"
)

var base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func seedIdentity(t *testing.T, s *Store, id, email string) {
	t.Helper()
	err := s.Identities().Create(context.Background(), &store.Identity{
		ID:        id,
		Email:     email,
		Status:    store.StatusActive,
		CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("create identity %s: %v", email, err)
	}
}

func TestIdentityEmailUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedIdentity(t, s, "id-1", "alice@example.com")

	err := s.Identities().Create(ctx, &store.Identity{ID: "id-2", Email: "ALICE@example.com"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("case-folded duplicate create: got %v, want ErrConflict", err)
	}

	got, err := s.Identities().GetByEmail(ctx, "Alice@Example.COM")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if got.ID != "id-1" {
		t.Fatalf("GetByEmail returned identity %s", got.ID)
	}
}

func TestIdentityUpdateEmailConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedIdentity(t, s, "id-1", "alice@example.com")
	seedIdentity(t, s, "id-2", "bob@example.com")

	if err := s.Identities().UpdateEmail(ctx, "id-2", "Alice@example.com"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("UpdateEmail onto taken address: got %v, want ErrConflict", err)
	}
	if err := s.Identities().UpdateEmail(ctx, "id-2", "bobby@example.com"); err != nil {
		t.Fatalf("UpdateEmail: %v", err)
	}
	if _, err := s.Identities().GetByEmail(ctx, "bob@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("old address still resolves after UpdateEmail")
	}
}

func TestSoftDeleteFreesEmail(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedIdentity(t, s, "id-1", "alice@example.com")

	if err := s.Identities().SoftDelete(ctx, "id-1", base); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := s.Identities().GetByID(ctx, "id-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetByID after delete: got %v, want ErrNotFound", err)
	}
	if err := s.Identities().Create(ctx, &store.Identity{ID: "id-2", Email: "alice@example.com"}); err != nil {
		t.Fatalf("re-registering a deleted address: %v", err)
	}
}

func TestSessionDeviceUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := &store.Session{ID: "sess-1", IdentityID: "id-1", DeviceID: "phone", Active: true, CreatedAt: base}
	if err := s.Sessions().Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := &store.Session{ID: "sess-2", IdentityID: "id-1", DeviceID: "phone"}
	if err := s.Sessions().Create(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate device create: got %v, want ErrConflict", err)
	}

	got, err := s.Sessions().FindByDevice(ctx, "id-1", "phone")
	if err != nil {
		t.Fatalf("FindByDevice: %v", err)
	}
	if got.ID != "sess-1" {
		t.Fatalf("FindByDevice returned %s", got.ID)
	}
	if _, err := s.Sessions().FindByDevice(ctx, "id-1", "laptop"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown device: got %v, want ErrNotFound", err)
	}
}

func TestListByIdentityOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, id := range []string{"sess-b", "sess-a", "sess-c"} {
		err := s.Sessions().Create(ctx, &store.Session{
			ID:         id,
			IdentityID: "id-1",
			DeviceID:   id + "-device",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	sessions, err := s.Sessions().ListByIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("ListByIdentity: %v", err)
	}
	want := []string{"sess-b", "sess-a", "sess-c"}
	if len(sessions) != len(want) {
		t.Fatalf("got %d sessions, want %d", len(sessions), len(want))
	}
	for i := range want {
		if sessions[i].ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, sessions[i].ID, want[i])
		}
	}
}

func TestRefreshConsumeOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	token := &store.RefreshToken{ID: "rt-1", SessionID: "sess-1", TokenHash: "hash-1", ExpiresAt: base.Add(time.Hour)}
	if err := s.RefreshTokens().Create(ctx, token); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.RefreshTokens().Create(ctx, &store.RefreshToken{ID: "rt-2", TokenHash: "hash-1"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate hash create: got %v, want ErrConflict", err)
	}

	got, err := s.RefreshTokens().Consume(ctx, "hash-1", base)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("Consume returned session %s", got.SessionID)
	}
	if _, err := s.RefreshTokens().Consume(ctx, "hash-1", base); !errors.Is(err, store.ErrReplayed) {
		t.Fatalf("second Consume: got %v, want ErrReplayed", err)
	}
}

func TestRefreshConsumeExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	token := &store.RefreshToken{ID: "rt-1", SessionID: "sess-1", TokenHash: "hash-1", ExpiresAt: base.Add(time.Hour)}
	if err := s.RefreshTokens().Create(ctx, token); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.RefreshTokens().Consume(ctx, "hash-1", base.Add(2*time.Hour)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired Consume: got %v, want ErrNotFound", err)
	}
	if _, err := s.RefreshTokens().Consume(ctx, "no-such-hash", base); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown hash: got %v, want ErrNotFound", err)
	}
}

func TestRevokeByIdentityKeepsOneSession(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, sess := range []string{"sess-1", "sess-2"} {
		err := s.Sessions().Create(ctx, &store.Session{ID: sess, IdentityID: "id-1", DeviceID: sess + "-device"})
		if err != nil {
			t.Fatalf("Create session: %v", err)
		}
		err = s.RefreshTokens().Create(ctx, &store.RefreshToken{
			ID: "rt-" + sess, SessionID: sess, TokenHash: "hash-" + sess, ExpiresAt: base.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Create token: %v", err)
		}
	}

	if err := s.RefreshTokens().RevokeByIdentity(ctx, "id-1", "sess-2"); err != nil {
		t.Fatalf("RevokeByIdentity: %v", err)
	}
	if _, err := s.RefreshTokens().Consume(ctx, "hash-sess-1", base); !errors.Is(err, store.ErrReplayed) {
		t.Fatalf("revoked token: got %v, want ErrReplayed", err)
	}
	if _, err := s.RefreshTokens().Consume(ctx, "hash-sess-2", base); err != nil {
		t.Fatalf("kept session token: %v", err)
	}
}

func TestRecoveryCodeConsume(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.RecoveryCodes().Replace(ctx, "id-1", []string{"h1", "h2"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	ok, err := s.RecoveryCodes().Consume(ctx, "id-1", "h1")
	if err != nil || !ok {
		t.Fatalf("Consume h1: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.RecoveryCodes().Consume(ctx, "id-1", "h1"); ok {
		t.Fatal("used code consumed twice")
	}
	if ok, _ := s.RecoveryCodes().Consume(ctx, "id-2", "h2"); ok {
		t.Fatal("code consumed for the wrong identity")
	}

	// Replace voids the outstanding batch.
	if err := s.RecoveryCodes().Replace(ctx, "id-1", []string{"h3"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if ok, _ := s.RecoveryCodes().Consume(ctx, "id-1", "h2"); ok {
		t.Fatal("replaced code still consumable")
	}
}

func TestOAuthEnsureIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	link := &store.OAuthLink{Provider: "github", ProviderID: "42", IdentityID: "id-1", CreatedAt: base}
	if err := s.OAuthLinks().Ensure(ctx, link); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := s.OAuthLinks().Ensure(ctx, link); err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	stolen := &store.OAuthLink{Provider: "github", ProviderID: "42", IdentityID: "id-2"}
	if err := s.OAuthLinks().Ensure(ctx, stolen); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Ensure for another identity: got %v, want ErrConflict", err)
	}

	got, err := s.OAuthLinks().Find(ctx, "github", "42")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.IdentityID != "id-1" {
		t.Fatalf("link belongs to %s", got.IdentityID)
	}
}

func TestActionTokenConsume(t *testing.T) {
	ctx := context.Background()
	s := New()
	token := &store.ActionToken{
		ID:         "at-1",
		IdentityID: "id-1",
		Kind:       store.ActionPasswordReset,
		TokenHash:  "hash-1",
		ExpiresAt:  base.Add(time.Hour),
	}
	if err := s.ActionTokens().Create(ctx, token); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.ActionTokens().Consume(ctx, store.ActionVerifyEmail, "hash-1", base); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("wrong kind: got %v, want ErrNotFound", err)
	}
	got, err := s.ActionTokens().Consume(ctx, store.ActionPasswordReset, "hash-1", base)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.IdentityID != "id-1" {
		t.Fatalf("Consume returned identity %s", got.IdentityID)
	}
	if _, err := s.ActionTokens().Consume(ctx, store.ActionPasswordReset, "hash-1", base); !errors.Is(err, store.ErrReplayed) {
		t.Fatalf("second Consume: got %v, want ErrReplayed", err)
	}
}

func TestActionTokenExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	token := &store.ActionToken{ID: "at-1", Kind: store.ActionEmailChange, TokenHash: "hash-1", ExpiresAt: base.Add(time.Hour)}
	if err := s.ActionTokens().Create(ctx, token); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ActionTokens().Consume(ctx, store.ActionEmailChange, "hash-1", base.Add(61*time.Minute)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired token: got %v, want ErrNotFound", err)
	}
}

func TestWithinTxSharesState(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Identities().Create(ctx, &store.Identity{ID: "id-1", Email: "alice@example.com"}); err != nil {
			return err
		}
		// Reads inside the tx see their own writes.
		_, err := tx.Identities().GetByID(ctx, "id-1")
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if _, err := s.Identities().GetByID(ctx, "id-1"); err != nil {
		t.Fatalf("write lost after WithinTx: %v", err)
	}
}
