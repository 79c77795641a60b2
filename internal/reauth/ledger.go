// Package reauth keeps short-lived step-up proofs in Redis. An identity
// holds at most one live proof; issuing a new one replaces the old, and a
// proof is deleted the moment it is consumed.
package reauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotValid means no live proof matches the presented token.
	ErrNotValid = errors.New("reauth proof not valid")
	// ErrBackendUnavailable indicates the Redis backend is unreachable.
	ErrBackendUnavailable = errors.New("reauth backend unavailable")
)

// consumeScript deletes the proof only when the presented hash matches,
// so two concurrent consumers cannot both succeed.
var consumeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

const defaultTTL = 5 * time.Minute

// Ledger records which identities recently re-proved their password.
type Ledger struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(rdb redis.UniversalClient) *Ledger {
	return &Ledger{rdb: rdb, prefix: "art", ttl: defaultTTL}
}

// WithTTL overrides the proof lifetime. Zero or negative keeps the default.
func (l *Ledger) WithTTL(ttl time.Duration) *Ledger {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

func (l *Ledger) key(identityID string) string {
	return l.prefix + ":" + identityID
}

// Issue stores the token hash for the identity, displacing any prior proof.
func (l *Ledger) Issue(ctx context.Context, identityID, tokenHash string) error {
	if err := l.rdb.Set(ctx, l.key(identityID), tokenHash, l.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Consume atomically checks and deletes the proof. A proof can be consumed
// exactly once; expired, replaced, or unknown proofs return ErrNotValid.
func (l *Ledger) Consume(ctx context.Context, identityID, tokenHash string) error {
	n, err := consumeScript.Run(ctx, l.rdb, []string{l.key(identityID)}, tokenHash).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if n != 1 {
		return ErrNotValid
	}
	return nil
}

// Revoke drops any live proof for the identity.
func (l *Ledger) Revoke(ctx context.Context, identityID string) error {
	if err := l.rdb.Del(ctx, l.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
