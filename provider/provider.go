// Package provider adapts federated identity providers behind a small
// interface: build an authorization URL, then exchange the callback code
// for a stable provider-scoped profile.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// Profile is the minimal identity a provider vouches for. ID is stable and
// unique within the provider's namespace.
type Profile struct {
	ID    string
	Email string
	Name  string
}

// Provider is one configured federated identity source.
type Provider interface {
	// Name is the registry key, e.g. "google".
	Name() string
	// AuthURL builds the redirect URL carrying the signed state.
	AuthURL(state string) string
	// Exchange trades the callback code for a verified Profile.
	Exchange(ctx context.Context, code string) (*Profile, error)
}

// Credentials configures one OAuth application.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type oauthProvider struct {
	name    string
	cfg     *oauth2.Config
	profile func(ctx context.Context, client *http.Client) (*Profile, error)
}

func (p *oauthProvider) Name() string { return p.name }

func (p *oauthProvider) AuthURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *oauthProvider) Exchange(ctx context.Context, code string) (*Profile, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth code exchange: %w", err)
	}
	return p.profile(ctx, p.cfg.Client(ctx, tok))
}

// Google returns a provider backed by Google's userinfo endpoint.
func Google(creds Credentials) Provider {
	return &oauthProvider{
		name: "google",
		cfg: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		profile: googleProfile,
	}
}

// GitHub returns a provider backed by the GitHub user API.
func GitHub(creds Credentials) Provider {
	return &oauthProvider{
		name: "github",
		cfg: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		profile: githubProfile,
	}
}

func googleProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	var body struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := fetchJSON(ctx, client, "https://openidconnect.googleapis.com/v1/userinfo", &body); err != nil {
		return nil, err
	}
	if body.Sub == "" {
		return nil, errors.New("google profile missing subject")
	}
	return &Profile{ID: body.Sub, Email: body.Email, Name: body.Name}, nil
}

func githubProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	var body struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := fetchJSON(ctx, client, "https://api.github.com/user", &body); err != nil {
		return nil, err
	}
	if body.ID == 0 {
		return nil, errors.New("github profile missing id")
	}
	name := body.Name
	if name == "" {
		name = body.Login
	}
	return &Profile{ID: strconv.FormatInt(body.ID, 10), Email: body.Email, Name: name}, nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch profile: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Static is a test double that returns a fixed profile for any code.
type Static struct {
	ProviderName string
	FixedProfile Profile
	URLPrefix    string
}

func (s *Static) Name() string { return s.ProviderName }

func (s *Static) AuthURL(state string) string { return s.URLPrefix + "?state=" + state }

func (s *Static) Exchange(context.Context, string) (*Profile, error) {
	p := s.FixedProfile
	return &p, nil
}
