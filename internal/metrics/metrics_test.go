package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestIncAndValue(t *testing.T) {
	m := New(Config{Enabled: true})

	m.Inc(LoginSuccess)
	m.Inc(LoginSuccess)
	m.Inc(RefreshReplayDetected)

	if got := m.Value(LoginSuccess); got != 2 {
		t.Fatalf("LoginSuccess = %d, want 2", got)
	}
	if got := m.Value(RefreshReplayDetected); got != 1 {
		t.Fatalf("RefreshReplayDetected = %d, want 1", got)
	}
	if got := m.Value(LoginFailure); got != 0 {
		t.Fatalf("LoginFailure = %d, want 0", got)
	}
}

func TestDisabledMetricsAreInert(t *testing.T) {
	m := New(Config{Enabled: false})
	m.Inc(LoginSuccess)
	if got := m.Value(LoginSuccess); got != 0 {
		t.Fatalf("disabled counter = %d, want 0", got)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(LoginSuccess)
	nilMetrics.ObserveValidate(time.Millisecond)
	if nilMetrics.Value(LoginSuccess) != 0 {
		t.Fatal("nil metrics must read zero")
	}
	if s := nilMetrics.Snapshot(); len(s.Counters) != 0 {
		t.Fatal("nil snapshot must be empty")
	}
}

func TestSnapshot(t *testing.T) {
	m := New(Config{Enabled: true, LatencyHistogram: true})

	m.Inc(Logout)
	m.ObserveValidate(10 * time.Microsecond)
	m.ObserveValidate(10 * time.Second)

	s := m.Snapshot()
	if s.Counters[Logout] != 1 {
		t.Fatalf("snapshot Logout = %d, want 1", s.Counters[Logout])
	}
	if len(s.ValidateBuckets) != histBuckets {
		t.Fatalf("buckets = %d, want %d", len(s.ValidateBuckets), histBuckets)
	}
	var total uint64
	for _, v := range s.ValidateBuckets {
		total += v
	}
	if total != 2 {
		t.Fatalf("bucket total = %d, want 2", total)
	}
	// The huge observation lands in the overflow bucket.
	if s.ValidateBuckets[histBuckets-1] != 1 {
		t.Fatalf("overflow bucket = %d, want 1", s.ValidateBuckets[histBuckets-1])
	}
}

func TestConcurrentInc(t *testing.T) {
	m := New(Config{Enabled: true})

	const workers, perWorker = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(RefreshSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(RefreshSuccess); got != workers*perWorker {
		t.Fatalf("RefreshSuccess = %d, want %d", got, workers*perWorker)
	}
}

func TestNames(t *testing.T) {
	for _, id := range AllCounters() {
		name := Name(id)
		if name == "" {
			t.Fatalf("counter %d has no name", id)
		}
		if !strings.HasPrefix(name, "authsentry_") || !strings.HasSuffix(name, "_total") {
			t.Fatalf("counter %d name %q breaks the naming convention", id, name)
		}
	}
	if Name(idCount) != "" {
		t.Fatal("out-of-range id must have no name")
	}
}
