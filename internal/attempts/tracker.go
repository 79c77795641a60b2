// Package attempts tracks consecutive failed logins per identity and maps
// the counter to a lockout window through a fixed escalation table. The
// counter persists across lockout expiry; only a successful authentication
// resets it.
package attempts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable indicates the Redis backend is unreachable.
var ErrBackendUnavailable = errors.New("attempt tracker backend unavailable")

// Step maps a failure-count threshold to a lockout duration.
type Step struct {
	Threshold int
	Lockout   time.Duration
}

// DefaultEscalation is the reference table: 5 failures lock 5 minutes,
// 10 lock 30 minutes, 15 lock a day.
func DefaultEscalation() []Step {
	return []Step{
		{Threshold: 5, Lockout: 5 * time.Minute},
		{Threshold: 10, Lockout: 30 * time.Minute},
		{Threshold: 15, Lockout: 24 * time.Hour},
	}
}

// Status is the tracker state for one identity.
type Status struct {
	Failures     int
	BlockedUntil time.Time
}

// Blocked reports whether the identity is locked out at now.
func (s Status) Blocked(now time.Time) bool {
	return s.BlockedUntil.After(now)
}

// Tracker is a Redis-backed failure counter. Keys have no TTL: the record
// lives until a success deletes it, so the counter survives lockout expiry.
type Tracker struct {
	redis      redis.UniversalClient
	prefix     string
	escalation []Step
	now        func() time.Time
}

// New builds a Tracker. An empty escalation falls back to the default table.
func New(client redis.UniversalClient, prefix string, escalation []Step, now func() time.Time) *Tracker {
	if prefix == "" {
		prefix = "aat"
	}
	if len(escalation) == 0 {
		escalation = DefaultEscalation()
	}
	steps := append([]Step(nil), escalation...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Threshold < steps[j].Threshold })
	if now == nil {
		now = time.Now
	}
	return &Tracker{redis: client, prefix: prefix, escalation: steps, now: now}
}

func (t *Tracker) key(email string) string {
	return t.prefix + ":" + strings.ToLower(email)
}

// LockoutFor is the pure escalation function: counter in, window out.
// Counts below the first threshold carry no lockout.
func (t *Tracker) LockoutFor(failures int) time.Duration {
	var lockout time.Duration
	for _, step := range t.escalation {
		if failures >= step.Threshold {
			lockout = step.Lockout
		}
	}
	return lockout
}

// Get returns the current status without mutating it.
func (t *Tracker) Get(ctx context.Context, email string) (Status, error) {
	fields, err := t.redis.HGetAll(ctx, t.key(email)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return statusFromFields(fields), nil
}

// RecordFailure increments the counter and stores the recomputed
// blocked-until timestamp. It returns the post-increment status.
func (t *Tracker) RecordFailure(ctx context.Context, email string) (Status, error) {
	key := t.key(email)
	count, err := t.redis.HIncrBy(ctx, key, "n", 1).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	status := Status{Failures: int(count)}
	if lockout := t.LockoutFor(status.Failures); lockout > 0 {
		status.BlockedUntil = t.now().Add(lockout)
		if err := t.redis.HSet(ctx, key, "bu", status.BlockedUntil.Unix()).Err(); err != nil {
			return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return status, nil
}

// Reset clears the record. Called only on successful authentication.
func (t *Tracker) Reset(ctx context.Context, email string) error {
	if err := t.redis.Del(ctx, t.key(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func statusFromFields(fields map[string]string) Status {
	var status Status
	if raw, ok := fields["n"]; ok {
		fmt.Sscanf(raw, "%d", &status.Failures)
	}
	if raw, ok := fields["bu"]; ok {
		var unix int64
		fmt.Sscanf(raw, "%d", &unix)
		if unix > 0 {
			status.BlockedUntil = time.Unix(unix, 0)
		}
	}
	return status
}
