package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/itzcole03/recompute-core/internal/telemetry"
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
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(cfg ProviderConfig) (*Tracker, *fakeClock, *telemetry.Recorder) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &telemetry.Recorder{}
	tr := NewTracker(cfg, rec)
	tr.SetClock(clock.now)
	return tr, clock, rec
}

var errUpstream = errors.New("upstream returned server error")

func fail(tr *Tracker, id string, n int) {
	for i := 0; i < n; i++ {
		tr.RecordOutcome(id, Outcome{Success: false, Latency: 50 * time.Millisecond, Err: errUpstream})
	}
}

func succeed(tr *Tracker, id string, n int) {
	for i := 0; i < n; i++ {
		tr.RecordOutcome(id, Outcome{Success: true, Latency: 20 * time.Millisecond})
	}
}

func TestProviderState_Level(t *testing.T) {
	tests := []struct {
		state ProviderState
		want  int
	}{
		{StateHealthy, 0},
		{StateDegraded, 1},
		{StateFailing, 2},
		{StateCircuitOpen, 3},
	}
	for _, tt := range tests {
		if got := tt.state.Level(); got != tt.want {
			t.Errorf("%s.Level() = %d, want %d", tt.state, got, tt.want)
		}
	}
}

func TestTracker_StateProgression(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())
	tr.Register("odds_api", DefaultProviderConfig())

	steps := []struct {
		failures int
		want     ProviderState
	}{
		{1, StateHealthy},
		{2, StateDegraded},
		{4, StateDegraded},
		{5, StateFailing},
		{9, StateFailing},
		{10, StateCircuitOpen},
	}
	total := 0
	for _, step := range steps {
		fail(tr, "odds_api", step.failures-total)
		total = step.failures
		snap, _ := tr.Snapshot("odds_api")
		if snap.State != step.want {
			t.Errorf("after %d failures state = %s, want %s", step.failures, snap.State, step.want)
		}
		if snap.ConsecutiveFailures != step.failures {
			t.Errorf("consecutive failures = %d, want %d", snap.ConsecutiveFailures, step.failures)
		}
	}
}

func TestTracker_OpenAfterThreshold(t *testing.T) {
	tr, _, rec := newTestTracker(DefaultProviderConfig())
	tr.Register("odds_api", DefaultProviderConfig())

	fail(tr, "odds_api", 10)

	skip, retryAfter, state := tr.ShouldSkip("odds_api")
	if !skip {
		t.Fatal("expected provider to be skipped")
	}
	if retryAfter <= 0 {
		t.Errorf("expected positive retry_after, got %s", retryAfter)
	}
	if state != StateCircuitOpen {
		t.Errorf("expected circuit_open, got %s", state)
	}
	if len(rec.Filter(telemetry.CategoryProvider, "circuit_opened")) != 1 {
		t.Errorf("expected one circuit_opened record, got %+v", rec.Records())
	}
}

func TestTracker_SingleProbeSuccessDoesNotClose(t *testing.T) {
	tr, clock, rec := newTestTracker(DefaultProviderConfig())
	tr.Register("injuries", DefaultProviderConfig())
	fail(tr, "injuries", 10)

	snap, _ := tr.Snapshot("injuries")
	clock.advance(time.Duration(snap.BackoffCurrentSec*float64(time.Second)) + time.Second)

	skip, _, state := tr.ShouldSkip("injuries")
	if skip {
		t.Fatal("expected probing to be allowed after next_retry_time")
	}
	if state != StateCircuitOpen {
		t.Errorf("probing should report circuit_open, got %s", state)
	}

	succeed(tr, "injuries", 1)
	snap, _ = tr.Snapshot("injuries")
	if snap.State != StateCircuitOpen {
		t.Fatalf("one probe success closed the circuit: %s", snap.State)
	}
	if snap.ConsecutiveFailures != 10 {
		t.Errorf("probe success must not reset the streak, got %d", snap.ConsecutiveFailures)
	}

	succeed(tr, "injuries", 2)
	snap, _ = tr.Snapshot("injuries")
	if snap.State != StateHealthy {
		t.Fatalf("expected healthy after %d probe successes, got %s", 3, snap.State)
	}
	if snap.ConsecutiveFailures != 0 || snap.BackoffCurrentSec != 0 {
		t.Errorf("closing must reset streak and backoff: %+v", snap)
	}
	if len(rec.Filter(telemetry.CategoryProvider, "circuit_closed")) != 1 {
		t.Error("expected a circuit_closed record")
	}
	if len(rec.Filter(telemetry.CategoryProvider, "probe_started")) != 1 {
		t.Error("expected a probe_started record")
	}
}

func TestTracker_ProbeFailureReopensWithLargerBackoff(t *testing.T) {
	cfg := DefaultProviderConfig()
	cfg.BackoffMax = 24 * time.Hour
	tr, clock, rec := newTestTracker(cfg)
	tr.Register("weather", cfg)
	fail(tr, "weather", 10)

	before, _ := tr.Snapshot("weather")
	clock.advance(time.Duration(before.BackoffCurrentSec*float64(time.Second)) + time.Second)
	if skip, _, _ := tr.ShouldSkip("weather"); skip {
		t.Fatal("expected probe to be allowed")
	}

	succeed(tr, "weather", 1)
	fail(tr, "weather", 1)

	after, _ := tr.Snapshot("weather")
	if after.Probing {
		t.Error("probe failure must leave probing")
	}
	if after.BackoffCurrentSec <= before.BackoffCurrentSec {
		t.Errorf("backoff did not grow: %v -> %v", before.BackoffCurrentSec, after.BackoffCurrentSec)
	}
	if skip, _, state := tr.ShouldSkip("weather"); !skip || state != StateCircuitOpen {
		t.Errorf("expected reopened circuit, got skip=%v state=%s", skip, state)
	}
	if len(rec.Filter(telemetry.CategoryProvider, "circuit_reopened")) != 1 {
		t.Error("expected a circuit_reopened record")
	}
}

func TestProviderConfig_BackoffMonotonicAndCapped(t *testing.T) {
	cfg := DefaultProviderConfig()
	prev := time.Duration(0)
	for n := 0; n <= 64; n++ {
		b := cfg.Backoff(n)
		if b < prev {
			t.Fatalf("backoff decreased at n=%d: %s < %s", n, b, prev)
		}
		if b > cfg.BackoffMax {
			t.Fatalf("backoff %s exceeds max at n=%d", b, n)
		}
		prev = b
	}
	if cfg.Backoff(0) != 0 {
		t.Error("zero failures must mean zero backoff")
	}
	if cfg.Backoff(3) != 8*time.Second {
		t.Errorf("Backoff(3) = %s, want 8s", cfg.Backoff(3))
	}
	if cfg.Backoff(64) != cfg.BackoffMax {
		t.Errorf("Backoff(64) = %s, want cap", cfg.Backoff(64))
	}
}

func TestTracker_Isolation(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())
	for _, id := range []string{"A", "B", "C"} {
		tr.Register(id, DefaultProviderConfig())
	}

	for i := 0; i < 15; i++ {
		fail(tr, "A", 1)
		succeed(tr, "B", 1)
		succeed(tr, "C", 1)

		for _, id := range []string{"B", "C"} {
			if skip, _, _ := tr.ShouldSkip(id); skip {
				t.Fatalf("iteration %d: provider %s blocked by A's outage", i, id)
			}
			snap, _ := tr.Snapshot(id)
			if snap.SuccessRate5m != 1.0 {
				t.Fatalf("iteration %d: %s success rate %v", i, id, snap.SuccessRate5m)
			}
		}
	}

	if skip, _, state := tr.ShouldSkip("A"); !skip || state != StateCircuitOpen {
		t.Errorf("expected A blocked with open circuit, got skip=%v state=%s", skip, state)
	}
}

func TestTracker_SuccessResetsStreak(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())
	fail(tr, "lines", 4)
	if skip, _, _ := tr.ShouldSkip("lines"); !skip {
		t.Fatal("expected backoff to skip a degraded provider")
	}

	succeed(tr, "lines", 1)
	snap, _ := tr.Snapshot("lines")
	if snap.State != StateHealthy || snap.ConsecutiveFailures != 0 {
		t.Errorf("expected reset, got %+v", snap)
	}
	if skip, _, _ := tr.ShouldSkip("lines"); skip {
		t.Error("healthy provider must not be skipped")
	}
}

func TestTracker_LatencyAndSuccessRate(t *testing.T) {
	cfg := DefaultProviderConfig()
	cfg.SampleWindow = 4
	tr, _, _ := newTestTracker(cfg)
	tr.Register("stats", cfg)

	tr.RecordOutcome("stats", Outcome{Success: true, Latency: 100 * time.Millisecond})
	snap, _ := tr.Snapshot("stats")
	if snap.AvgLatencyMs != 100 {
		t.Errorf("first sample should seed the EMA, got %v", snap.AvgLatencyMs)
	}

	tr.RecordOutcome("stats", Outcome{Success: true, Latency: 200 * time.Millisecond})
	snap, _ = tr.Snapshot("stats")
	if diff := snap.AvgLatencyMs - 120; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("EMA = %v, want 120", snap.AvgLatencyMs)
	}

	fail(tr, "stats", 2)
	snap, _ = tr.Snapshot("stats")
	if snap.SuccessRate5m != 0.5 {
		t.Errorf("success rate = %v, want 0.5", snap.SuccessRate5m)
	}

	succeed(tr, "stats", 4)
	snap, _ = tr.Snapshot("stats")
	if snap.SuccessRate5m != 1.0 {
		t.Errorf("window should only hold the last 4 samples, rate = %v", snap.SuccessRate5m)
	}
	if snap.TotalRequests != 8 || snap.Successful != 6 || snap.Failed != 2 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.ErrorCategories[string(CategoryServer)] != 2 {
		t.Errorf("expected server error category, got %v", snap.ErrorCategories)
	}
	if snap.P95LatencyMs < 50 {
		t.Errorf("p95 = %v, expected at least 50ms", snap.P95LatencyMs)
	}
}

func TestTracker_RegisterIsIdempotent(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())
	tr.Register("props", DefaultProviderConfig())
	fail(tr, "props", 2)

	cfg := DefaultProviderConfig()
	cfg.OpenThreshold = 3
	tr.Register("props", cfg)

	snap, _ := tr.Snapshot("props")
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("re-register lost metrics: %+v", snap)
	}
	fail(tr, "props", 1)
	snap, _ = tr.Snapshot("props")
	if snap.State != StateCircuitOpen {
		t.Errorf("updated threshold not applied, state %s", snap.State)
	}
}

func TestTracker_UnknownProvider(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())
	skip, retryAfter, state := tr.ShouldSkip("never-seen")
	if skip || retryAfter != 0 || state != StateHealthy {
		t.Errorf("unknown provider: skip=%v retry=%s state=%s", skip, retryAfter, state)
	}
	if _, ok := tr.Snapshot("never-seen"); ok {
		t.Error("ShouldSkip must not register providers")
	}

	succeed(tr, "auto", 1)
	if _, ok := tr.Snapshot("auto"); !ok {
		t.Error("RecordOutcome should auto-register")
	}
}

func TestTracker_ConcurrentProviders(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		id := fmt.Sprintf("p%d", p)
		tr.Register(id, DefaultProviderConfig())
		wg.Add(1)
		go func(id string, failing bool) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tr.RecordOutcome(id, Outcome{Success: !failing, Latency: time.Millisecond, Err: errUpstream})
				tr.ShouldSkip(id)
			}
		}(id, p%2 == 0)
	}
	wg.Wait()

	for _, snap := range tr.Snapshots() {
		if snap.TotalRequests != 200 {
			t.Errorf("%s: total %d, want 200", snap.ProviderID, snap.TotalRequests)
		}
	}
	sum := tr.Summary()
	if sum.Total != 8 || sum.ByState[StateCircuitOpen] != 4 || sum.ByState[StateHealthy] != 4 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if sum.Availability != 0.5 {
		t.Errorf("availability = %v, want 0.5", sum.Availability)
	}
}

func TestTracker_RunPromotesDueCircuits(t *testing.T) {
	tr, clock, rec := newTestTracker(DefaultProviderConfig())
	fail(tr, "odds_api", 10)
	clock.advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		snap, _ := tr.Snapshot("odds_api")
		if snap.Probing {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("Run did not promote the circuit to probing")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	if len(rec.Filter(telemetry.CategoryProvider, "probe_started")) != 1 {
		t.Error("expected a single probe_started record")
	}
}

func TestCall(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultProviderConfig())

	v, err := Call(context.Background(), tr, "corr", func(_ context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("got (%d, %v)", v, err)
	}

	_, err = Call(context.Background(), tr, "corr", func(_ context.Context) (int, error) { return 0, errUpstream })
	if !errors.Is(err, errUpstream) {
		t.Fatalf("expected the provider error, got %v", err)
	}
	fail(tr, "corr", 9)

	called := false
	_, err = Call(context.Background(), tr, "corr", func(_ context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if called {
		t.Error("fn must not run while the circuit is open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if RetryAfter(err) <= 0 {
		t.Error("expected a retry hint")
	}
}
