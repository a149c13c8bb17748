// Package load switches the recompute pipeline between normal and degraded
// mode based on observed event rate and queue depth, shedding low-priority
// work while never delaying major events.
package load

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/metrics"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// Mode is the controller's operating mode.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
)

// Config controls mode switching and deferral draining.
type Config struct {
	Baseline      float64 // events per second considered nominal
	EnterRatio    float64
	ExitRatio     float64
	ExitSustain   time.Duration
	MaxQueueDepth int
	Window        time.Duration
	Tick          time.Duration
	DrainPerTick  int
}

func (c Config) withDefaults() Config {
	if c.Baseline <= 0 {
		c.Baseline = 100
	}
	if c.EnterRatio <= 0 {
		c.EnterRatio = 1.5
	}
	if c.ExitRatio <= 0 {
		c.ExitRatio = 0.8
	}
	if c.ExitSustain < 0 {
		c.ExitSustain = 0
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 500
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.DrainPerTick <= 0 {
		c.DrainPerTick = 50
	}
	return c
}

// ModeChange is the payload of a load_mode_changed event.
type ModeChange struct {
	From       Mode      `json:"from"`
	To         Mode      `json:"to"`
	LoadRatio  float64   `json:"load_ratio"`
	QueueDepth int       `json:"queue_depth"`
	At         time.Time `json:"at"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode              Mode      `json:"mode"`
	Since             time.Time `json:"since"`
	LoadRatio         float64   `json:"load_ratio"`
	EventsPerSec      float64   `json:"events_per_sec"`
	RecomputesPerSec  float64   `json:"recomputes_per_sec"`
	QueueDepth        int       `json:"queue_depth"`
	Deferred          int       `json:"deferred"`
	Transitions       int       `json:"transitions"`
	CoalescedDeferred int64     `json:"coalesced_deferred"`
	Released          int64     `json:"released"`
}

// Controller implements bus.Gate.
type Controller struct {
	cfg     Config
	bus     *bus.Bus
	sink    telemetry.Sink
	now     func() time.Time
	publish bool

	depth   func() int
	release func(ctx context.Context, ev bus.RecomputeEvent)

	mu          sync.Mutex
	mode        Mode
	since       time.Time
	belowSince  time.Time
	events      *RollingCounter
	recomputes  *RollingCounter
	deferred    map[string]bus.RecomputeEvent
	order       []string
	transitions int
	coalesced   int64
	released    int64
	lastDepth   int
}

// New creates a controller. When b is non-nil the controller counts
// recompute_batch emissions on it and announces mode changes there.
func New(cfg Config, b *bus.Bus, sink telemetry.Sink) *Controller {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = telemetry.Nop()
	}
	c := &Controller{
		cfg:        cfg,
		bus:        b,
		sink:       sink,
		now:        time.Now,
		publish:    true,
		mode:       ModeNormal,
		since:      time.Now(),
		events:     NewRollingCounter(cfg.Window, 100*time.Millisecond),
		recomputes: NewRollingCounter(cfg.Window, 100*time.Millisecond),
		deferred:   make(map[string]bus.RecomputeEvent),
	}
	if b != nil {
		b.Register(bus.EventRecomputeBatch, "load.controller", func(context.Context, bus.Event) error {
			c.mu.Lock()
			c.recomputes.Add(c.now(), 1)
			c.mu.Unlock()
			return nil
		})
	}
	return c
}

// SetClock replaces the time source.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.since = now()
}

// SetDepthFunc supplies the pending-batch depth, normally Batcher.Pending.
func (c *Controller) SetDepthFunc(fn func() int) { c.depth = fn }

// SetRelease supplies the callback that re-admits deferred events,
// normally Batcher.Requeue.
func (c *Controller) SetRelease(fn func(ctx context.Context, ev bus.RecomputeEvent)) {
	c.release = fn
}

// Observe counts one incoming event.
func (c *Controller) Observe(bus.RecomputeEvent) {
	c.mu.Lock()
	c.events.Add(c.now(), 1)
	c.mu.Unlock()
}

// Admit decides how an event is handled in the current mode. Major events
// are always accepted.
func (c *Controller) Admit(ev bus.RecomputeEvent) bus.Decision {
	if ev.Class == bus.ClassMajor {
		return bus.DecisionAccept
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeNormal {
		return bus.DecisionAccept
	}
	if ev.Class == bus.ClassMicro {
		return bus.DecisionCoalesce
	}
	if _, ok := c.deferred[ev.PropID]; ok {
		c.coalesced++
	} else {
		c.order = append(c.order, ev.PropID)
	}
	c.deferred[ev.PropID] = ev
	return bus.DecisionDefer
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Tick re-evaluates the mode and releases deferred events: a bounded number
// per tick while degraded, all of them once normal.
func (c *Controller) Tick(ctx context.Context) {
	pending := 0
	if c.depth != nil {
		pending = c.depth()
	}

	c.mu.Lock()
	now := c.now()
	depth := pending + len(c.deferred)
	ratio := c.events.Rate(now) / c.cfg.Baseline
	from := c.mode
	switch c.mode {
	case ModeNormal:
		if ratio > c.cfg.EnterRatio || depth > c.cfg.MaxQueueDepth {
			c.switchLocked(ModeDegraded, now)
		}
	case ModeDegraded:
		if ratio < c.cfg.ExitRatio && depth <= c.cfg.MaxQueueDepth {
			if c.belowSince.IsZero() {
				c.belowSince = now
			}
			if now.Sub(c.belowSince) >= c.cfg.ExitSustain {
				c.switchLocked(ModeNormal, now)
			}
		} else {
			c.belowSince = time.Time{}
		}
	}
	to := c.mode

	n := len(c.order)
	if to == ModeDegraded && n > c.cfg.DrainPerTick {
		n = c.cfg.DrainPerTick
	}
	released := make([]bus.RecomputeEvent, 0, n)
	for _, prop := range c.order[:n] {
		released = append(released, c.deferred[prop])
		delete(c.deferred, prop)
	}
	c.order = append(c.order[:0], c.order[n:]...)
	c.released += int64(len(released))
	c.lastDepth = depth
	c.mu.Unlock()

	if c.publish {
		metrics.SetQueueDepth(depth)
	}
	if from != to {
		c.announce(ctx, ModeChange{From: from, To: to, LoadRatio: ratio, QueueDepth: depth, At: now})
	}
	if c.release != nil {
		for _, ev := range released {
			c.release(ctx, ev)
		}
	}
}

func (c *Controller) switchLocked(to Mode, now time.Time) {
	c.mode = to
	c.since = now
	c.belowSince = time.Time{}
	c.transitions++
}

func (c *Controller) announce(ctx context.Context, mc ModeChange) {
	zap.L().Info("load: mode changed",
		zap.String("from", string(mc.From)),
		zap.String("to", string(mc.To)),
		zap.Float64("load_ratio", mc.LoadRatio),
		zap.Int("queue_depth", mc.QueueDepth),
	)
	c.sink.Record(telemetry.Record{
		Category: telemetry.CategoryLoad,
		Action:   "mode_change",
		Subject:  "controller",
		Result:   string(mc.To),
		Fields: map[string]any{
			"from":        string(mc.From),
			"load_ratio":  mc.LoadRatio,
			"queue_depth": mc.QueueDepth,
		},
	})
	if c.publish {
		metrics.SetLoadDegraded(mc.To == ModeDegraded)
	}
	if c.bus != nil {
		c.bus.Emit(ctx, bus.EventLoadModeChanged, mc)
	}
}

// DrainAll releases every deferred event regardless of mode.
func (c *Controller) DrainAll(ctx context.Context) int {
	c.mu.Lock()
	released := make([]bus.RecomputeEvent, 0, len(c.order))
	for _, prop := range c.order {
		released = append(released, c.deferred[prop])
	}
	c.deferred = make(map[string]bus.RecomputeEvent)
	c.order = nil
	c.released += int64(len(released))
	c.mu.Unlock()

	if c.release != nil {
		for _, ev := range released {
			c.release(ctx, ev)
		}
	}
	return len(released)
}

// Status returns the current mode, rates and queue figures.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	eps := c.events.Rate(now)
	return Status{
		Mode:              c.mode,
		Since:             c.since,
		LoadRatio:         eps / c.cfg.Baseline,
		EventsPerSec:      eps,
		RecomputesPerSec:  c.recomputes.Rate(now),
		QueueDepth:        c.lastDepth,
		Deferred:          len(c.deferred),
		Transitions:       c.transitions,
		CoalescedDeferred: c.coalesced,
		Released:          c.released,
	}
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
