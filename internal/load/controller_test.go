package load

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzcole03/recompute-core/internal/bus"
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

func newTestController(t *testing.T, cfg Config) (*Controller, *bus.Bus, *fakeClock, *telemetry.Recorder) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &telemetry.Recorder{}
	b := bus.New(bus.Config{}, rec)
	b.SetClock(clock.now)
	c := New(cfg, b, rec)
	c.publish = false
	c.SetClock(clock.now)
	return c, b, clock, rec
}

func observe(c *Controller, n int) {
	for i := 0; i < n; i++ {
		c.Observe(bus.RecomputeEvent{})
	}
}

func event(prop string, class bus.Class) bus.RecomputeEvent {
	return bus.RecomputeEvent{ID: prop + "-" + string(class), PropID: prop, Class: class}
}

func TestController_NormalAcceptsEverything(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{Baseline: 10, Window: time.Second})
	assert.Equal(t, bus.DecisionAccept, c.Admit(event("p", bus.ClassMicro)))
	assert.Equal(t, bus.DecisionAccept, c.Admit(event("p", bus.ClassModerate)))
	assert.Equal(t, bus.DecisionAccept, c.Admit(event("p", bus.ClassMajor)))
}

func TestController_EntersDegradedOnRatio(t *testing.T) {
	c, b, _, rec := newTestController(t, Config{Baseline: 10, Window: time.Second, EnterRatio: 1.5})
	var changes []ModeChange
	b.Register(bus.EventLoadModeChanged, "test", func(_ context.Context, ev bus.Event) error {
		changes = append(changes, ev.Data.(ModeChange))
		return nil
	})

	observe(c, 15)
	c.Tick(context.Background())
	assert.Equal(t, ModeNormal, c.Mode(), "ratio 1.5 is not above the threshold")

	observe(c, 1)
	c.Tick(context.Background())
	assert.Equal(t, ModeDegraded, c.Mode())

	require.Len(t, changes, 1)
	assert.Equal(t, ModeNormal, changes[0].From)
	assert.Equal(t, ModeDegraded, changes[0].To)
	assert.InDelta(t, 1.6, changes[0].LoadRatio, 1e-9)

	recs := rec.Filter(telemetry.CategoryLoad, "mode_change")
	require.Len(t, recs, 1)
	assert.Equal(t, "degraded", recs[0].Result)
}

func TestController_EntersDegradedOnQueueDepth(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{Baseline: 1000, MaxQueueDepth: 5})
	c.SetDepthFunc(func() int { return 6 })
	c.Tick(context.Background())
	assert.Equal(t, ModeDegraded, c.Mode())
	assert.Equal(t, 6, c.Status().QueueDepth)
}

func TestController_ExitHysteresis(t *testing.T) {
	c, _, clock, _ := newTestController(t, Config{
		Baseline: 10, Window: time.Second, ExitRatio: 0.8, ExitSustain: 5 * time.Second,
	})
	ctx := context.Background()
	observe(c, 20)
	c.Tick(ctx)
	require.Equal(t, ModeDegraded, c.Mode())

	// Window drains; the ratio drops below exit but must stay there.
	clock.advance(2 * time.Second)
	c.Tick(ctx)
	assert.Equal(t, ModeDegraded, c.Mode())
	clock.advance(3 * time.Second)
	c.Tick(ctx)
	assert.Equal(t, ModeDegraded, c.Mode())

	// A spike resets the sustain timer.
	observe(c, 9)
	c.Tick(ctx)
	assert.Equal(t, ModeDegraded, c.Mode())
	clock.advance(2 * time.Second)
	c.Tick(ctx)
	clock.advance(4 * time.Second)
	c.Tick(ctx)
	assert.Equal(t, ModeDegraded, c.Mode())
	clock.advance(time.Second)
	c.Tick(ctx)
	assert.Equal(t, ModeNormal, c.Mode())
	assert.Equal(t, 2, c.Status().Transitions)
}

func TestController_DegradedPolicy(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{Baseline: 1, Window: time.Second, DrainPerTick: 2})
	observe(c, 10)
	c.Tick(context.Background())
	require.Equal(t, ModeDegraded, c.Mode())

	assert.Equal(t, bus.DecisionAccept, c.Admit(event("p1", bus.ClassMajor)))
	assert.Equal(t, bus.DecisionCoalesce, c.Admit(event("p1", bus.ClassMicro)))
	assert.Equal(t, bus.DecisionDefer, c.Admit(event("p1", bus.ClassModerate)))

	latest := event("p1", bus.ClassModerate)
	latest.ID = "latest"
	assert.Equal(t, bus.DecisionDefer, c.Admit(latest))
	assert.Equal(t, bus.DecisionDefer, c.Admit(event("p2", bus.ClassModerate)))
	assert.Equal(t, bus.DecisionDefer, c.Admit(event("p3", bus.ClassModerate)))

	st := c.Status()
	assert.Equal(t, 3, st.Deferred)
	assert.Equal(t, int64(1), st.CoalescedDeferred)

	var released []string
	c.SetRelease(func(_ context.Context, ev bus.RecomputeEvent) { released = append(released, ev.ID) })
	observe(c, 10)
	c.Tick(context.Background())
	assert.Equal(t, []string{"latest", "p2-moderate"}, released)
	assert.Equal(t, 1, c.Status().Deferred)

	assert.Equal(t, 1, c.DrainAll(context.Background()))
	assert.Equal(t, []string{"latest", "p2-moderate", "p3-moderate"}, released)
}

func TestController_MajorNeverDeferred(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{Baseline: 1, Window: time.Second, MaxQueueDepth: 1})
	c.SetDepthFunc(func() int { return 1_000_000 })
	observe(c, 100_000)
	c.Tick(context.Background())
	require.Equal(t, ModeDegraded, c.Mode())
	for i := 0; i < 100; i++ {
		assert.Equal(t, bus.DecisionAccept, c.Admit(event("p", bus.ClassMajor)))
	}
}

func TestController_CountsRecomputes(t *testing.T) {
	c, b, _, _ := newTestController(t, Config{Baseline: 10, Window: time.Second})
	for i := 0; i < 4; i++ {
		b.Emit(context.Background(), bus.EventRecomputeBatch, bus.BatchSummary{})
	}
	assert.InDelta(t, 4.0, c.Status().RecomputesPerSec, 1e-9)
}

func TestController_WithBatcherDrainsDeferred(t *testing.T) {
	c, b, clock, _ := newTestController(t, Config{Baseline: 1, Window: time.Second, ExitSustain: time.Second})
	batcher := bus.NewBatcher(bus.BatcherConfig{}, b, c)
	batcher.SetClock(clock.now)
	c.SetDepthFunc(batcher.Pending)
	c.SetRelease(func(ctx context.Context, ev bus.RecomputeEvent) { batcher.Requeue(ctx, ev) })
	ctx := context.Background()

	observe(c, 5)
	c.Tick(ctx)
	require.Equal(t, ModeDegraded, c.Mode())

	adm, err := batcher.Add(ctx, bus.RecomputeEvent{PropID: "p", EventType: "line_move", Magnitude: 0.5})
	require.NoError(t, err)
	assert.Equal(t, bus.StatusDeferred, adm.Status)
	assert.Zero(t, batcher.Pending())

	clock.advance(3 * time.Second)
	c.Tick(ctx)
	clock.advance(time.Second)
	c.Tick(ctx)
	assert.Equal(t, ModeNormal, c.Mode())
	assert.Equal(t, 1, batcher.Pending())
}

func TestController_RunStopsOnCancel(t *testing.T) {
	c := New(Config{Tick: 5 * time.Millisecond}, nil, nil)
	c.publish = false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
