// Package password hashes and verifies passwords with argon2id, encoding
// hashes in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification reads the parameters back out of the stored hash, so old
// hashes stay verifiable after a parameter bump; NeedsRehash tells callers
// when to re-hash on the next successful login.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKB    uint32 = 8 * 1024
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPasswordLen        = 8
)

// Params tune the argon2id cost.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the interactive-login cost profile.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher produces and checks PHC-encoded argon2id hashes.
type Hasher struct {
	params Params
}

func NewHasher(p Params) (*Hasher, error) {
	switch {
	case p.Memory < minMemoryKB:
		return nil, fmt.Errorf("argon2 memory below %d KiB", minMemoryKB)
	case p.Time < 1:
		return nil, errors.New("argon2 time cost must be at least 1")
	case p.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be at least 1")
	case p.SaltLength < minSaltLength:
		return nil, fmt.Errorf("argon2 salt below %d bytes", minSaltLength)
	case p.KeyLength < minKeyLength:
		return nil, fmt.Errorf("argon2 key below %d bytes", minKeyLength)
	}
	return &Hasher{params: p}, nil
}

// Hash derives a PHC-encoded hash from the raw password bytes. No Unicode
// normalization is applied.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("password must be at least %d bytes", minPasswordLen)
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches the encoded hash. The comparison
// is constant time over the derived key.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// NeedsRehash reports whether the stored hash was produced with weaker
// parameters than the hasher currently carries.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if h.params.Memory > parsed.memory || h.params.Time > parsed.time || h.params.Parallelism > parsed.parallelism {
		return true, nil
	}
	return uint32(len(parsed.key)) != h.params.KeyLength, nil
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid PHC format")
	}
	if parts[1] != algorithmID {
		return nil, errors.New("unsupported algorithm")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, errors.New("invalid argon2 version")
	}
	if version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	var p phcHash
	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &parallelism); err != nil {
		return nil, errors.New("invalid argon2 parameters")
	}
	if parallelism == 0 || parallelism > 255 || p.time == 0 || p.memory == 0 {
		return nil, errors.New("invalid argon2 parameters")
	}
	p.parallelism = uint8(parallelism)

	var err error
	if p.salt, err = base64.StdEncoding.DecodeString(parts[4]); err != nil {
		return nil, errors.New("invalid salt encoding")
	}
	if uint32(len(p.salt)) < minSaltLength {
		return nil, errors.New("invalid salt length")
	}
	if p.key, err = base64.StdEncoding.DecodeString(parts[5]); err != nil {
		return nil, errors.New("invalid hash encoding")
	}
	if len(p.key) == 0 {
		return nil, errors.New("invalid hash length")
	}
	return &p, nil
}
