// Package totp implements RFC 6238 time-based one-time passwords with a
// configurable step, digit count, and verification skew window.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const secretBytes = 20

// Config controls code generation and verification.
type Config struct {
	// Issuer labels provisioning URIs in authenticator apps.
	Issuer string
	// Period is the step size in seconds.
	Period int
	// Digits is the code length.
	Digits int
	// Skew is how many steps either side of now a code may drift.
	Skew int
	// Algorithm selects the HMAC hash: SHA1, SHA256, or SHA512.
	Algorithm string
}

// Generator produces and verifies codes for one Config.
type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator {
	if cfg.Period <= 0 {
		cfg.Period = 30
	}
	if cfg.Digits <= 0 {
		cfg.Digits = 6
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	return &Generator{cfg: cfg}
}

// GenerateSecret returns a fresh shared secret and its base32 form.
func (g *Generator) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth:// URI an authenticator app enrolls from.
func (g *Generator) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(g.cfg.Issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", g.cfg.Issuer)
	v.Set("period", strconv.Itoa(g.cfg.Period))
	v.Set("digits", strconv.Itoa(g.cfg.Digits))
	v.Set("algorithm", strings.ToUpper(g.cfg.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Verify checks the code against the skew window around now. On success it
// also returns the matched counter so callers can reject counter reuse.
func (g *Generator) Verify(secret []byte, code string, now time.Time) (bool, int64, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != g.cfg.Digits || !numeric(trimmed) {
		return false, 0, nil
	}
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}

	baseCounter := now.Unix() / int64(g.cfg.Period)
	for step := -g.cfg.Skew; step <= g.cfg.Skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(secret, counter, g.cfg.Digits, g.cfg.Algorithm)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, counter, nil
		}
	}

	return false, 0, nil
}

// Code generates the code for an arbitrary instant. Used by enrollment
// confirmation tests and debugging tools.
func (g *Generator) Code(secret []byte, at time.Time) (string, error) {
	return hotpCode(secret, at.Unix()/int64(g.cfg.Period), g.cfg.Digits, g.cfg.Algorithm)
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func numeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
