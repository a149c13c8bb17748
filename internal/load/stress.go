package load

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// StressConfig describes a synthetic burst.
type StressConfig struct {
	Baseline        float64       // nominal events/sec
	Multiplier      float64       // injection rate as a multiple of Baseline
	Duration        time.Duration // how long to inject
	Props           int           // distinct prop ids
	MajorEvery      int           // every Nth event is major
	MaxMajorLatency time.Duration // per-event bound for major processing
	MaxQueueDepth   int           // bound for pending + deferred events
	Window          time.Duration // rate window used by the controller
	Seed            uint64
}

func (c StressConfig) withDefaults() StressConfig {
	if c.Baseline <= 0 {
		c.Baseline = 100
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 10
	}
	if c.Duration <= 0 {
		c.Duration = 2 * time.Second
	}
	if c.Props <= 0 {
		c.Props = 20
	}
	if c.MajorEvery <= 0 {
		c.MajorEvery = 10
	}
	if c.MaxMajorLatency <= 0 {
		c.MaxMajorLatency = time.Second
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 500
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// StressReport is the outcome of RunStress.
type StressReport struct {
	Submitted         int            `json:"submitted" yaml:"submitted"`
	Majors            int            `json:"majors" yaml:"majors"`
	MajorsProcessed   int            `json:"majors_processed" yaml:"majors_processed"`
	MajorsDropped     int            `json:"majors_dropped" yaml:"majors_dropped"`
	MaxQueueDepth     int            `json:"max_queue_depth" yaml:"max_queue_depth"`
	MaxMajorLatencyMs float64        `json:"max_major_latency_ms" yaml:"max_major_latency_ms"`
	DegradedEntered   bool           `json:"degraded_entered" yaml:"degraded_entered"`
	Transitions       int            `json:"transitions" yaml:"transitions"`
	Batches           int            `json:"batches" yaml:"batches"`
	Admissions        map[string]int `json:"admissions" yaml:"admissions"`
	ElapsedMs         int64          `json:"elapsed_ms" yaml:"elapsed_ms"`
	Passed            bool           `json:"passed" yaml:"passed"`
	Failures          []string       `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type majorTracker struct {
	mu         sync.Mutex
	submitted  map[string]time.Time
	processed  map[string]bool
	maxLatency time.Duration
	batches    int
}

func (m *majorTracker) handle(_ context.Context, ev bus.Event) error {
	s, ok := ev.Data.(bus.BatchSummary)
	if !ok {
		return nil
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	for _, id := range s.EventIDs {
		at, ok := m.submitted[id]
		if !ok || m.processed[id] {
			continue
		}
		m.processed[id] = true
		if lat := now.Sub(at); lat > m.maxLatency {
			m.maxLatency = lat
		}
	}
	return nil
}

// RunStress injects a burst at Baseline*Multiplier for Duration into an
// isolated bus, batcher and controller, then checks that every major event
// was processed within MaxMajorLatency and that the queue stayed bounded.
func RunStress(ctx context.Context, cfg StressConfig) (*StressReport, error) {
	cfg = cfg.withDefaults()
	log := zap.L().With(zap.String("component", "load.stress"))

	b := bus.New(bus.Config{}, telemetry.Nop())
	batcher := bus.NewBatcher(bus.BatcherConfig{FlushInterval: 10 * time.Millisecond}, b, nil)
	ctrl := New(Config{
		Baseline:      cfg.Baseline,
		Window:        cfg.Window,
		Tick:          20 * time.Millisecond,
		MaxQueueDepth: cfg.MaxQueueDepth,
		ExitSustain:   cfg.Window,
	}, b, telemetry.Nop())
	ctrl.publish = false
	ctrl.SetDepthFunc(batcher.Pending)
	ctrl.SetRelease(func(ctx context.Context, ev bus.RecomputeEvent) { batcher.Requeue(ctx, ev) })
	batcher.SetGate(ctrl)

	majors := &majorTracker{submitted: make(map[string]time.Time), processed: make(map[string]bool)}
	b.Register(bus.EventRecomputeBatch, "stress.majors", majors.handle)

	loopCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { batcher.Run(gctx); return nil })
	g.Go(func() error { ctrl.Run(gctx); return nil })

	perSec := cfg.Baseline * cfg.Multiplier
	burst := int(perSec / 10)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSec), burst)
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	report := &StressReport{Admissions: make(map[string]int)}
	start := time.Now()
	deadline := start.Add(cfg.Duration)
	var injectErr error
	for i := 0; time.Now().Before(deadline); i++ {
		if err := limiter.Wait(ctx); err != nil {
			injectErr = err
			break
		}
		ev := bus.RecomputeEvent{
			PropID:    fmt.Sprintf("stress-prop-%d", rng.IntN(cfg.Props)),
			EventType: "volume_spike",
			Magnitude: 0.1,
		}
		isMajor := i%cfg.MajorEvery == cfg.MajorEvery-1
		if isMajor {
			ev.EventType = "market_suspension"
			ev.Magnitude = 2.0
		}
		ev = batcher.Prepare(ev)
		if isMajor {
			majors.mu.Lock()
			majors.submitted[ev.ID] = time.Now()
			majors.mu.Unlock()
			report.Majors++
		}

		adm, err := batcher.Add(ctx, ev)
		if err != nil {
			injectErr = err
			break
		}
		report.Submitted++
		report.Admissions[adm.Status]++

		if depth := batcher.Pending() + ctrl.Status().Deferred; depth > report.MaxQueueDepth {
			report.MaxQueueDepth = depth
		}
	}

	stop()
	_ = g.Wait()
	if injectErr != nil && ctx.Err() != nil {
		return nil, eris.Wrap(injectErr, "load: stress run cancelled")
	}

	// The loop context is already cancelled.
	drainCtx := context.Background()
	ctrl.DrainAll(drainCtx)
	batcher.FlushAll(drainCtx)

	status := ctrl.Status()
	report.Transitions = status.Transitions
	report.DegradedEntered = status.Transitions > 0
	report.ElapsedMs = time.Since(start).Milliseconds()

	majors.mu.Lock()
	report.MajorsProcessed = len(majors.processed)
	report.MaxMajorLatencyMs = float64(majors.maxLatency) / float64(time.Millisecond)
	report.Batches = majors.batches
	maxLatency := majors.maxLatency
	majors.mu.Unlock()
	report.MajorsDropped = report.Majors - report.MajorsProcessed

	if report.MajorsDropped > 0 {
		report.Failures = append(report.Failures, fmt.Sprintf("%d major events dropped", report.MajorsDropped))
	}
	if maxLatency > cfg.MaxMajorLatency {
		report.Failures = append(report.Failures,
			fmt.Sprintf("major latency %s exceeds %s", maxLatency, cfg.MaxMajorLatency))
	}
	if report.MaxQueueDepth > cfg.MaxQueueDepth {
		report.Failures = append(report.Failures,
			fmt.Sprintf("queue depth %d exceeds %d", report.MaxQueueDepth, cfg.MaxQueueDepth))
	}
	if injectErr != nil {
		report.Failures = append(report.Failures, injectErr.Error())
	}
	report.Passed = len(report.Failures) == 0

	log.Info("stress run complete",
		zap.Int("submitted", report.Submitted),
		zap.Int("majors", report.Majors),
		zap.Int("majors_processed", report.MajorsProcessed),
		zap.Int("max_queue_depth", report.MaxQueueDepth),
		zap.Bool("degraded_entered", report.DegradedEntered),
		zap.Bool("passed", report.Passed),
	)
	return report, nil
}
