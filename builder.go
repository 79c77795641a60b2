package authsentry

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davxom/authsentry/internal/attempts"
	"github.com/davxom/authsentry/internal/audit"
	"github.com/davxom/authsentry/internal/challenge"
	"github.com/davxom/authsentry/internal/mail"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/internal/reauth"
	"github.com/davxom/authsentry/internal/totp"
	"github.com/davxom/authsentry/password"
	"github.com/davxom/authsentry/provider"
	"github.com/davxom/authsentry/store"
	"github.com/davxom/authsentry/token"
)

// Builder assembles an Engine. Configure, then call Build exactly once.
type Builder struct {
	config    Config
	store     store.Store
	redis     redis.UniversalClient
	mailer    mail.Mailer
	auditSink AuditSink
	providers map[string]provider.Provider
	logger    *log.Logger
	now       func() time.Time
	built     bool
}

// New returns a Builder carrying DefaultConfig.
func New() *Builder {
	return &Builder{
		config:    DefaultConfig(),
		providers: map[string]provider.Provider{},
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the relational store holding identities, sessions,
// refresh tokens, and 2FA state.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithRedis sets the Redis client backing attempt counters, one-time
// codes, and step-up proofs.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithMailer sets the outbound mail implementation. Defaults to a logging
// mailer.
func (b *Builder) WithMailer(m mail.Mailer) *Builder {
	b.mailer = m
	return b
}

// WithAuditSink sets where audit events are delivered.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithProvider registers a federated identity provider under its name.
func (b *Builder) WithProvider(p provider.Provider) *Builder {
	if p != nil {
		b.providers[p.Name()] = p
	}
	return b
}

// WithLogger sets the logger for non-fatal internal failures.
func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock injects the time source every expiry is computed from. Tests
// pin this to a fixed instant.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the engine. The Builder is
// single-use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := b.config.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stderr, "authsentry: ", log.LstdFlags)
	}
	mailer := b.mailer
	if mailer == nil {
		mailer = mail.LogMailer{Logger: logger}
	}

	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}

	st := b.store
	access, err := token.NewManager(token.Config{
		Secret: cfg.Access.Secret,
		Issuer: cfg.Access.Issuer,
		TTL:    cfg.Access.TTL,
		Leeway: cfg.Access.Leeway,
	}, identitySecretSource(st), now)
	if err != nil {
		return nil, err
	}

	state, err := token.NewStateSigner(cfg.OAuth.StateSecret, cfg.Access.Issuer, cfg.OAuth.StateTTL, now)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		st:        st,
		attempts:  attempts.New(b.redis, "", cfg.escalation(), now),
		otp:       challenge.New(b.redis, "", cfg.OTP.TTL, cfg.OTP.MaxAttempts),
		reauth:    reauth.New(b.redis).WithTTL(cfg.Reauth.TTL),
		audit:     audit.NewDispatcher(audit.Config(cfg.Audit), b.auditSink),
		mail:      mail.NewDispatcher(mailer),
		metrics:   metrics.New(metrics.Config(cfg.Metrics)),
		hasher:    hasher,
		totp:      totp.New(totp.Config(cfg.TOTP)),
		access:    access,
		state:     state,
		providers: b.providers,
		logger:    logger,
		now:       now,
	}
	return e, nil
}
