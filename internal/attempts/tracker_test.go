package attempts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clock := &fakeClock{t: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	return New(rdb, "", nil, clock.now), clock
}

func TestLockoutFor(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{4, 0},
		{5, 5 * time.Minute},
		{9, 5 * time.Minute},
		{10, 30 * time.Minute},
		{14, 30 * time.Minute},
		{15, 24 * time.Hour},
		{100, 24 * time.Hour},
	}
	for _, tc := range tests {
		if got := tracker.LockoutFor(tc.failures); got != tc.want {
			t.Errorf("LockoutFor(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestRecordFailureEscalates(t *testing.T) {
	tracker, clock := newTestTracker(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		status, err := tracker.RecordFailure(ctx, "a@b.c")
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if status.Failures != i {
			t.Fatalf("failures = %d, want %d", status.Failures, i)
		}
		if status.Blocked(clock.now()) {
			t.Fatalf("blocked after %d failures", i)
		}
	}

	status, err := tracker.RecordFailure(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("record 5: %v", err)
	}
	if !status.Blocked(clock.now()) {
		t.Fatal("expected lockout at 5 failures")
	}
	want := clock.now().Add(5 * time.Minute)
	if !status.BlockedUntil.Equal(want) {
		t.Fatalf("blocked until %v, want %v", status.BlockedUntil, want)
	}
}

func TestCounterPersistsPastLockout(t *testing.T) {
	tracker, clock := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tracker.RecordFailure(ctx, "a@b.c"); err != nil {
			t.Fatal(err)
		}
	}

	clock.advance(6 * time.Minute)
	status, err := tracker.Get(ctx, "a@b.c")
	if err != nil {
		t.Fatal(err)
	}
	if status.Blocked(clock.now()) {
		t.Fatal("window should have expired")
	}
	if status.Failures != 5 {
		t.Fatalf("failures = %d, want 5 after window expiry", status.Failures)
	}

	// The next failure continues from five, not one.
	status, err = tracker.RecordFailure(ctx, "a@b.c")
	if err != nil {
		t.Fatal(err)
	}
	if status.Failures != 6 {
		t.Fatalf("failures = %d, want 6", status.Failures)
	}
	if !status.Blocked(clock.now()) {
		t.Fatal("sixth failure should re-arm the window")
	}
}

func TestResetClearsRecord(t *testing.T) {
	tracker, clock := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := tracker.RecordFailure(ctx, "a@b.c"); err != nil {
			t.Fatal(err)
		}
	}
	if err := tracker.Reset(ctx, "a@b.c"); err != nil {
		t.Fatal(err)
	}

	status, err := tracker.Get(ctx, "a@b.c")
	if err != nil {
		t.Fatal(err)
	}
	if status.Failures != 0 || status.Blocked(clock.now()) {
		t.Fatalf("status = %+v, want clean record", status)
	}
}

func TestTrackerKeysAreCaseInsensitive(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.RecordFailure(ctx, "Alice@Example.com"); err != nil {
		t.Fatal(err)
	}
	status, err := tracker.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if status.Failures != 1 {
		t.Fatalf("failures = %d, want 1", status.Failures)
	}
}

func TestCustomEscalationTable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tracker := New(rdb, "", []Step{
		{Threshold: 2, Lockout: time.Minute},
		{Threshold: 3, Lockout: time.Hour},
	}, nil)

	if got := tracker.LockoutFor(1); got != 0 {
		t.Fatalf("LockoutFor(1) = %v", got)
	}
	if got := tracker.LockoutFor(2); got != time.Minute {
		t.Fatalf("LockoutFor(2) = %v", got)
	}
	if got := tracker.LockoutFor(3); got != time.Hour {
		t.Fatalf("LockoutFor(3) = %v", got)
	}
}
