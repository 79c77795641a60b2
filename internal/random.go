// Package internal holds random-material helpers shared by the engine.
// Opaque tokens (refresh, re-auth, action) are crypto/rand bytes encoded
// base64url and stored only as sha256 hex; they are never signed or decoded.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

const opaqueTokenBytes = 32

// NewOpaqueToken returns a fresh random token and the hex sha256 stored in
// its place.
func NewOpaqueToken() (token, hash string, err error) {
	raw := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken is the at-rest form of every opaque token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewSecret returns base64url random bytes for per-identity signing secrets.
func NewSecret() (string, error) {
	raw := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewHexCode returns n random bytes as uppercase hex, the shape used for
// email OTP codes and recovery codes.
func NewHexCode(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// NewDigits returns a numeric one-time code of the given length.
func NewDigits(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}
	var b strings.Builder
	b.Grow(digits)
	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
