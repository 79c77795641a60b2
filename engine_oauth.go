package authsentry

import (
	"context"
	"errors"

	"github.com/davxom/authsentry/internal"
	"github.com/davxom/authsentry/internal/metrics"
	"github.com/davxom/authsentry/provider"
	"github.com/davxom/authsentry/store"
	"github.com/davxom/authsentry/token"
	"github.com/google/uuid"
)

// OAuthFlow distinguishes a federated login round trip from an
// account-link round trip. State minted for one never verifies as the
// other.
type OAuthFlow = token.Flow

const (
	OAuthLogin OAuthFlow = token.FlowLogin
	OAuthLink  OAuthFlow = token.FlowLink
)

func (e *Engine) providerByName(name string) (provider.Provider, error) {
	p, ok := e.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// BeginOAuth returns the provider redirect URL carrying a signed state
// token. Link flows bind the state to the identity doing the linking;
// login flows carry no identity.
func (e *Engine) BeginOAuth(ctx context.Context, providerName string, flow OAuthFlow, identityID string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	p, err := e.providerByName(providerName)
	if err != nil {
		return "", err
	}
	switch flow {
	case OAuthLogin:
		identityID = ""
	case OAuthLink:
		if identityID == "" {
			return "", ErrUnauthorized
		}
	default:
		return "", ErrInvalidState
	}
	state, err := e.state.Sign(flow, identityID)
	if err != nil {
		return "", e.internalErr("sign oauth state", err)
	}
	return p.AuthURL(state), nil
}

// CompleteOAuthLogin handles the provider callback for a login round trip.
// The profile's (provider, id) pair resolves to an identity through the
// link table; an unlinked profile falls back to its verified email, and a
// wholly unknown profile registers a fresh OAuth-only identity. 2FA and
// account-status gates apply exactly as in password login.
func (e *Engine) CompleteOAuthLogin(ctx context.Context, providerName, state, code string, client Client) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	p, err := e.providerByName(providerName)
	if err != nil {
		return nil, err
	}
	if _, err := e.state.Verify(state, OAuthLogin); err != nil {
		e.metrics.Inc(metrics.OAuthStateRejected)
		e.emitAudit(ctx, EventOAuthStateReject, "", "", client, false, err,
			map[string]string{"provider": providerName, "flow": string(OAuthLogin)})
		return nil, ErrInvalidState
	}

	profile, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, e.internalErr("oauth exchange", err)
	}

	ident, err := e.resolveOAuthIdentity(ctx, providerName, profile)
	if err != nil {
		return nil, err
	}
	if err := usableIdentity(ident); err != nil {
		return nil, err
	}

	tf, err := e.st.TwoFactor().Get(ctx, ident.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, e.internalErr("load two-factor config", err)
	}
	if tf != nil && tf.Enabled {
		return e.beginTwoFactorLogin(ctx, ident, tf, client)
	}

	e.metrics.Inc(metrics.OAuthLogin)
	e.emitAudit(ctx, EventOAuthLogin, ident.ID, "", client, true, nil,
		map[string]string{"provider": providerName})
	return e.finishLogin(ctx, ident, client)
}

// resolveOAuthIdentity maps a provider profile to an identity, creating
// the identity and the link as needed. All writes share one transaction
// so two concurrent first logins with the same profile cannot double
// register; the unique (provider, provider_id) pair is the backstop.
func (e *Engine) resolveOAuthIdentity(ctx context.Context, providerName string, profile *provider.Profile) (*store.Identity, error) {
	var ident *store.Identity
	err := e.st.WithinTx(ctx, func(tx store.Store) error {
		link, err := tx.OAuthLinks().Find(ctx, providerName, profile.ID)
		if err == nil {
			ident, err = tx.Identities().GetByID(ctx, link.IdentityID)
			return err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if profile.Email != "" {
			ident, err = tx.Identities().GetByEmail(ctx, normalizeEmail(profile.Email))
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if ident == nil {
			secret, err := internal.NewSecret()
			if err != nil {
				return err
			}
			now := e.now()
			ident = &store.Identity{
				ID:     uuid.NewString(),
				Email:  normalizeEmail(profile.Email),
				Secret: secret,
				// The provider vouched for the email; no verification gate.
				Status:    store.StatusActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Identities().Create(ctx, ident); err != nil {
				return err
			}
		}

		return tx.OAuthLinks().Ensure(ctx, &store.OAuthLink{
			Provider:   providerName,
			ProviderID: profile.ID,
			IdentityID: ident.ID,
			CreatedAt:  e.now(),
		})
	})
	if err != nil {
		return nil, e.internalErr("resolve oauth identity", err)
	}
	return ident, nil
}

// CompleteOAuthLink handles the provider callback for an account-link
// round trip. The identity comes from the signed state, never from the
// caller. Linking is idempotent for the same identity; a profile already
// linked elsewhere fails with ErrConflict.
func (e *Engine) CompleteOAuthLink(ctx context.Context, providerName, state, code string, client Client) error {
	if e == nil {
		return ErrEngineNotReady
	}
	p, err := e.providerByName(providerName)
	if err != nil {
		return err
	}
	identityID, err := e.state.Verify(state, OAuthLink)
	if err != nil || identityID == "" {
		e.metrics.Inc(metrics.OAuthStateRejected)
		e.emitAudit(ctx, EventOAuthStateReject, "", "", client, false, err,
			map[string]string{"provider": providerName, "flow": string(OAuthLink)})
		return ErrInvalidState
	}

	profile, err := p.Exchange(ctx, code)
	if err != nil {
		return e.internalErr("oauth exchange", err)
	}

	err = e.st.OAuthLinks().Ensure(ctx, &store.OAuthLink{
		Provider:   providerName,
		ProviderID: profile.ID,
		IdentityID: identityID,
		CreatedAt:  e.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return ErrConflict
	}
	if err != nil {
		return e.internalErr("link oauth profile", err)
	}

	e.metrics.Inc(metrics.OAuthLink)
	e.emitAudit(ctx, EventOAuthLinked, identityID, "", client, true, nil,
		map[string]string{"provider": providerName})
	return nil
}
