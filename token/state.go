package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Flow names the OAuth round trip a state token belongs to. A state minted
// for one flow never verifies for another.
type Flow string

const (
	FlowLogin Flow = "login"
	FlowLink  Flow = "link"
)

// ErrInvalidState covers forged, expired, or cross-flow state tokens.
var ErrInvalidState = errors.New("invalid oauth state")

type stateClaims struct {
	Flow Flow `json:"flow"`
	jwt.RegisteredClaims
}

// StateSigner mints the CSRF state carried through OAuth redirects.
type StateSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret, issuer string, ttl time.Duration, now func() time.Time) (*StateSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("state secret required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StateSigner{secret: []byte(secret), issuer: issuer, ttl: ttl, now: now}, nil
}

// Sign binds a flow and optional identity to a short-lived state token.
// identityID is required for link flows and empty for login flows.
func (s *StateSigner) Sign(flow Flow, identityID string) (string, error) {
	now := s.now()
	claims := stateClaims{
		Flow: flow,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify checks the state and returns the identity it was bound to. The
// expected flow must match exactly.
func (s *StateSigner) Verify(raw string, flow Flow) (string, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Flow != flow {
		return "", fmt.Errorf("%w: flow mismatch", ErrInvalidState)
	}
	return claims.Subject, nil
}
