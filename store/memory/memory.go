// Package memory is an in-memory [store.Store] used by tests and examples.
// A single mutex guards all tables; WithinTx holds it for the duration of
// fn, which gives the same read-then-write isolation the engine expects
// from the SQL implementation.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davxom/authsentry/store"
)

type tables struct {
	identities    map[string]*store.Identity // by id
	sessions      map[string]*store.Session  // by id
	refreshTokens map[string]*store.RefreshToken
	twoFactor     map[string]*store.TwoFactorConfig // by identity id
	recoveryCodes []*store.RecoveryCode
	oauthLinks    map[string]*store.OAuthLink // by provider|providerID
	actionTokens  map[string]*store.ActionToken
}

// Store implements store.Store over process memory.
type Store struct {
	mu sync.Mutex
	t  *tables

	// inTx views share the parent's tables and skip locking.
	inTx bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{t: &tables{
		identities:    map[string]*store.Identity{},
		sessions:      map[string]*store.Session{},
		refreshTokens: map[string]*store.RefreshToken{},
		twoFactor:     map[string]*store.TwoFactorConfig{},
		oauthLinks:    map[string]*store.OAuthLink{},
		actionTokens:  map[string]*store.ActionToken{},
	}}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithinTx runs fn under the store mutex. Writes are applied directly; a
// returned error aborts nothing retroactively, so test fixtures relying on
// rollback semantics should assert on state via the public engine API only.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Store{t: s.t, inTx: true})
}

func (s *Store) Identities() store.IdentityRepo        { return identityRepo{s} }
func (s *Store) Sessions() store.SessionRepo           { return sessionRepo{s} }
func (s *Store) RefreshTokens() store.RefreshTokenRepo { return refreshRepo{s} }
func (s *Store) TwoFactor() store.TwoFactorRepo        { return twoFactorRepo{s} }
func (s *Store) RecoveryCodes() store.RecoveryCodeRepo { return recoveryRepo{s} }
func (s *Store) OAuthLinks() store.OAuthLinkRepo       { return oauthRepo{s} }
func (s *Store) ActionTokens() store.ActionTokenRepo   { return actionRepo{s} }

type identityRepo struct{ s *Store }

func (r identityRepo) Create(ctx context.Context, identity *store.Identity) error {
	defer r.s.lock()()
	for _, existing := range r.s.t.identities {
		if strings.EqualFold(existing.Email, identity.Email) && existing.DeletedAt == nil {
			return store.ErrConflict
		}
	}
	cp := *identity
	r.s.t.identities[identity.ID] = &cp
	return nil
}

func (r identityRepo) GetByID(ctx context.Context, id string) (*store.Identity, error) {
	defer r.s.lock()()
	identity, ok := r.s.t.identities[id]
	if !ok || identity.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (r identityRepo) GetByEmail(ctx context.Context, email string) (*store.Identity, error) {
	defer r.s.lock()()
	for _, identity := range r.s.t.identities {
		if strings.EqualFold(identity.Email, email) && identity.DeletedAt == nil {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r identityRepo) UpdateCredentials(ctx context.Context, id, passwordHash, secret string) error {
	defer r.s.lock()()
	identity, ok := r.s.t.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	identity.PasswordHash = passwordHash
	identity.Secret = secret
	identity.UpdatedAt = time.Now()
	return nil
}

func (r identityRepo) UpdateStatus(ctx context.Context, id string, status store.IdentityStatus) error {
	defer r.s.lock()()
	identity, ok := r.s.t.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	identity.Status = status
	return nil
}

func (r identityRepo) UpdateEmail(ctx context.Context, id, email string) error {
	defer r.s.lock()()
	for _, existing := range r.s.t.identities {
		if existing.ID != id && strings.EqualFold(existing.Email, email) && existing.DeletedAt == nil {
			return store.ErrConflict
		}
	}
	identity, ok := r.s.t.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	identity.Email = email
	return nil
}

func (r identityRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	defer r.s.lock()()
	identity, ok := r.s.t.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	identity.DeletedAt = &at
	identity.Status = store.StatusDeleted
	return nil
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) GetByID(ctx context.Context, id string) (*store.Session, error) {
	defer r.s.lock()()
	session, ok := r.s.t.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (r sessionRepo) FindByDevice(ctx context.Context, identityID, deviceID string) (*store.Session, error) {
	defer r.s.lock()()
	for _, session := range r.s.t.sessions {
		if session.IdentityID == identityID && session.DeviceID == deviceID {
			cp := *session
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r sessionRepo) ListByIdentity(ctx context.Context, identityID string) ([]store.Session, error) {
	defer r.s.lock()()
	var out []store.Session
	for _, session := range r.s.t.sessions {
		if session.IdentityID == identityID {
			out = append(out, *session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r sessionRepo) Create(ctx context.Context, session *store.Session) error {
	defer r.s.lock()()
	for _, existing := range r.s.t.sessions {
		if existing.IdentityID == session.IdentityID && existing.DeviceID == session.DeviceID {
			return store.ErrConflict
		}
	}
	cp := *session
	r.s.t.sessions[session.ID] = &cp
	return nil
}

func (r sessionRepo) SetActive(ctx context.Context, id string, active bool, expiresAt time.Time) error {
	defer r.s.lock()()
	session, ok := r.s.t.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	session.Active = active
	session.ExpiresAt = expiresAt
	return nil
}

func (r sessionRepo) DeactivateByIdentity(ctx context.Context, identityID, keepSessionID string) error {
	defer r.s.lock()()
	for _, session := range r.s.t.sessions {
		if session.IdentityID == identityID && session.ID != keepSessionID {
			session.Active = false
		}
	}
	return nil
}

type refreshRepo struct{ s *Store }

func (r refreshRepo) Create(ctx context.Context, token *store.RefreshToken) error {
	defer r.s.lock()()
	if _, ok := r.s.t.refreshTokens[token.TokenHash]; ok {
		return store.ErrConflict
	}
	cp := *token
	r.s.t.refreshTokens[token.TokenHash] = &cp
	return nil
}

func (r refreshRepo) FindByHash(ctx context.Context, tokenHash string) (*store.RefreshToken, error) {
	defer r.s.lock()()
	token, ok := r.s.t.refreshTokens[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (r refreshRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (*store.RefreshToken, error) {
	defer r.s.lock()()
	token, ok := r.s.t.refreshTokens[tokenHash]
	if !ok || now.After(token.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	if token.Revoked {
		return nil, store.ErrReplayed
	}
	token.Revoked = true
	cp := *token
	return &cp, nil
}

func (r refreshRepo) RevokeBySession(ctx context.Context, sessionID string) error {
	defer r.s.lock()()
	for _, token := range r.s.t.refreshTokens {
		if token.SessionID == sessionID {
			token.Revoked = true
		}
	}
	return nil
}

func (r refreshRepo) RevokeByIdentity(ctx context.Context, identityID, keepSessionID string) error {
	defer r.s.lock()()
	for _, token := range r.s.t.refreshTokens {
		session, ok := r.s.t.sessions[token.SessionID]
		if !ok || session.IdentityID != identityID {
			continue
		}
		if keepSessionID != "" && token.SessionID == keepSessionID {
			continue
		}
		token.Revoked = true
	}
	return nil
}

type twoFactorRepo struct{ s *Store }

func (r twoFactorRepo) Get(ctx context.Context, identityID string) (*store.TwoFactorConfig, error) {
	defer r.s.lock()()
	config, ok := r.s.t.twoFactor[identityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *config
	cp.FactorData = append([]byte(nil), config.FactorData...)
	return &cp, nil
}

func (r twoFactorRepo) Save(ctx context.Context, config *store.TwoFactorConfig) error {
	defer r.s.lock()()
	cp := *config
	cp.FactorData = append([]byte(nil), config.FactorData...)
	r.s.t.twoFactor[config.IdentityID] = &cp
	return nil
}

type recoveryRepo struct{ s *Store }

func (r recoveryRepo) Replace(ctx context.Context, identityID string, hashes []string) error {
	defer r.s.lock()()
	kept := r.s.t.recoveryCodes[:0]
	for _, code := range r.s.t.recoveryCodes {
		if code.IdentityID != identityID {
			kept = append(kept, code)
		}
	}
	r.s.t.recoveryCodes = kept
	for _, hash := range hashes {
		r.s.t.recoveryCodes = append(r.s.t.recoveryCodes, &store.RecoveryCode{
			IdentityID: identityID,
			CodeHash:   hash,
		})
	}
	return nil
}

func (r recoveryRepo) Consume(ctx context.Context, identityID, hash string) (bool, error) {
	defer r.s.lock()()
	for _, code := range r.s.t.recoveryCodes {
		if code.IdentityID == identityID && code.CodeHash == hash {
			if code.Used {
				return false, nil
			}
			code.Used = true
			return true, nil
		}
	}
	return false, nil
}

type oauthRepo struct{ s *Store }

func oauthKey(provider, providerID string) string { return provider + "|" + providerID }

func (r oauthRepo) Find(ctx context.Context, provider, providerID string) (*store.OAuthLink, error) {
	defer r.s.lock()()
	link, ok := r.s.t.oauthLinks[oauthKey(provider, providerID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *link
	return &cp, nil
}

func (r oauthRepo) Ensure(ctx context.Context, link *store.OAuthLink) error {
	defer r.s.lock()()
	key := oauthKey(link.Provider, link.ProviderID)
	if existing, ok := r.s.t.oauthLinks[key]; ok {
		if existing.IdentityID != link.IdentityID {
			return store.ErrConflict
		}
		return nil
	}
	cp := *link
	r.s.t.oauthLinks[key] = &cp
	return nil
}

type actionRepo struct{ s *Store }

func (r actionRepo) Create(ctx context.Context, token *store.ActionToken) error {
	defer r.s.lock()()
	cp := *token
	r.s.t.actionTokens[token.TokenHash] = &cp
	return nil
}

func (r actionRepo) Consume(ctx context.Context, kind store.ActionTokenKind, tokenHash string, now time.Time) (*store.ActionToken, error) {
	defer r.s.lock()()
	token, ok := r.s.t.actionTokens[tokenHash]
	if !ok || token.Kind != kind || now.After(token.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	if token.Used {
		return nil, store.ErrReplayed
	}
	token.Used = true
	cp := *token
	return &cp, nil
}
