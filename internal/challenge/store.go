// Package challenge stores short-lived one-time codes (email OTP) in Redis.
// Codes are hashed at rest, expire with the key TTL, and self-lock after a
// fixed number of wrong attempts. A locked or consumed challenge cannot be
// retried; the caller must request a new one.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound means no live challenge exists for the identity.
	ErrNotFound = errors.New("otp challenge not found")
	// ErrLocked means the challenge burned through its attempt budget.
	ErrLocked = errors.New("otp challenge locked")
	// ErrMismatch means the submitted code is wrong but attempts remain.
	ErrMismatch = errors.New("otp code mismatch")
	// ErrBackendUnavailable indicates the Redis backend is unreachable.
	ErrBackendUnavailable = errors.New("otp challenge backend unavailable")
)

// verifyScript compares the stored hash against the submitted one after
// bumping the attempt counter, all server-side so concurrent submissions
// cannot exceed the budget.
//
// Returns: 0 missing, 1 locked, 2 mismatch, 3 match (key deleted).
const verifyScript = `
local hash = redis.call("HGET", KEYS[1], "h")
if not hash then
  return 0
end
local attempts = redis.call("HINCRBY", KEYS[1], "a", 1)
if attempts > tonumber(ARGV[2]) then
  redis.call("DEL", KEYS[1])
  return 1
end
if hash == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 3
end
return 2
`

var verifyLua = redis.NewScript(verifyScript)

// Store issues and verifies hashed one-time codes.
type Store struct {
	redis       redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxAttempts int
}

// New builds a Store. ttl and maxAttempts fall back to 5 minutes / 5 tries.
func New(client redis.UniversalClient, prefix string, ttl time.Duration, maxAttempts int) *Store {
	if prefix == "" {
		prefix = "aoc"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Store{redis: client, prefix: prefix, ttl: ttl, maxAttempts: maxAttempts}
}

func (s *Store) key(kind, identityID string) string {
	return s.prefix + ":" + kind + ":" + identityID
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Create replaces any live challenge of the same kind with a fresh one.
func (s *Store) Create(ctx context.Context, kind, identityID, code string) error {
	key := s.key(kind, identityID)
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "h", hashCode(code), "a", 0)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Verify consumes one attempt. A correct code deletes the challenge; the
// budget-exceeding attempt deletes it too and reports ErrLocked.
func (s *Store) Verify(ctx context.Context, kind, identityID, code string) error {
	submitted := hashCode(code)
	result, err := verifyLua.Run(ctx, s.redis, []string{s.key(kind, identityID)},
		submitted, s.maxAttempts).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	switch result {
	case 0:
		return ErrNotFound
	case 1:
		return ErrLocked
	case 2:
		return ErrMismatch
	case 3:
		return nil
	default:
		return fmt.Errorf("%w: unexpected script result %d", ErrBackendUnavailable, result)
	}
}

// Drop removes a live challenge, if any.
func (s *Store) Drop(ctx context.Context, kind, identityID string) error {
	if err := s.redis.Del(ctx, s.key(kind, identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
