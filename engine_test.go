package authsentry

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/davxom/authsentry/internal/mail"
	"github.com/davxom/authsentry/password"
	"github.com/davxom/authsentry/store"
	"github.com/davxom/authsentry/store/memory"
)

const testPassword = "hunter2-but-longer"

// testClock is a mutable time source shared by the engine and the test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureMailer records every message so tests can pull tokens and codes
// back out of the outbox.
type captureMailer struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *captureMailer) last(template mail.Template) (mail.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Template == template {
			return m.messages[i], true
		}
	}
	return mail.Message{}, false
}

type testEnv struct {
	eng    *Engine
	st     *memory.Store
	clock  *testClock
	mailer *captureMailer
	redis  *miniredis.Miniredis
}

// lastMail waits for in-flight deliveries and returns the newest message
// of the given template.
func (env *testEnv) lastMail(t *testing.T, template mail.Template) mail.Message {
	t.Helper()
	env.eng.mail.Close()
	msg, ok := env.mailer.last(template)
	if !ok {
		t.Fatalf("no %s mail delivered", template)
	}
	return msg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Access.Secret = "test-access-secret"
	cfg.OAuth.StateSecret = "test-state-secret"
	cfg.Password = password.Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvConfig(t, nil)
}

func newTestEnvConfig(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := newTestClock()
	mailer := &captureMailer{}
	st := memory.New()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := New().
		WithConfig(cfg).
		WithStore(st).
		WithRedis(rdb).
		WithMailer(mailer).
		WithClock(clock.Now).
		WithLogger(log.New(io.Discard, "", 0)).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	return &testEnv{eng: eng, st: st, clock: clock, mailer: mailer, redis: mr}
}

// seedIdentity creates an active identity directly in the store, skipping
// the register/verify round trip.
func (env *testEnv) seedIdentity(t *testing.T, email string) *store.Identity {
	t.Helper()
	return env.seedIdentityStatus(t, email, store.StatusActive)
}

func (env *testEnv) seedIdentityStatus(t *testing.T, email string, status store.IdentityStatus) *store.Identity {
	t.Helper()

	hash, err := env.eng.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	now := env.clock.Now()
	ident := &store.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Secret:       "identity-secret-" + email,
		Status:       status,
		Permissions:  []string{"profile:read"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := env.st.Identities().Create(context.Background(), ident); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	return ident
}

// login is the happy-path shortcut used by flows that just need a session.
func (env *testEnv) login(t *testing.T, email string, client Client) *TokenPair {
	t.Helper()
	result, err := env.eng.Login(context.Background(), email, testPassword, client)
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	if result.Tokens == nil {
		t.Fatalf("login %s: no tokens issued", email)
	}
	return result.Tokens
}
