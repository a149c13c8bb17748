// Package engine assembles the provider tracker, event bus, load controller,
// dependency index and refresh coordinator into the single instance the
// surrounding application talks to.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/config"
	"github.com/itzcole03/recompute-core/internal/depindex"
	"github.com/itzcole03/recompute-core/internal/load"
	"github.com/itzcole03/recompute-core/internal/metrics"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/refresh"
	"github.com/itzcole03/recompute-core/internal/resilience"
	"github.com/itzcole03/recompute-core/internal/store"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// CoordinatorHandler is the name the refresh coordinator registers under on
// the recompute_batch event.
const CoordinatorHandler = "refresh.coordinator"

// ErrNoRecompute is returned when a refresh is requested without a
// recompute function.
var ErrNoRecompute = eris.New("engine: no recompute function configured")

// Options carries the engine's external collaborators. Every field is
// optional: without a Store the dependency index lives in memory only.
type Options struct {
	Recompute    refresh.RecomputeFunc
	Correlations refresh.CorrelationProvider
	Store        store.SnapshotStore
	Sink         telemetry.Sink
	Registerer   prometheus.Registerer
}

// Engine owns every component of the core.
type Engine struct {
	cfg  *config.Config
	opts Options
	sink telemetry.Sink

	tracker *resilience.Tracker
	bus     *bus.Bus
	batcher *bus.Batcher
	load    *load.Controller
	index   *depindex.Index
	agg     *refresh.Aggregator
	runs    *refresh.Manager
	cache   *refresh.CacheScheduler
	coord   *refresh.Coordinator

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
}

// New wires the components from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.NewLogSink(zap.L())
	}
	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			return nil, eris.Wrap(err, "engine: register metrics")
		}
	}

	e := &Engine{cfg: cfg, opts: opts, sink: sink}

	e.tracker = resilience.NewTracker(resilience.FromConfig(cfg.Providers), sink)
	e.bus = bus.New(bus.FromConfig(cfg.Bus), sink)
	e.batcher = bus.NewBatcher(bus.BatcherFromConfig(cfg.Batch), e.bus, nil)
	e.load = load.New(load.FromConfig(cfg.Load), e.bus, sink)
	e.load.SetDepthFunc(e.batcher.Pending)
	e.load.SetRelease(func(ctx context.Context, ev bus.RecomputeEvent) { e.batcher.Requeue(ctx, ev) })
	e.batcher.SetGate(e.load)

	e.index = depindex.New(depindex.FromConfig(cfg.Index), opts.Store, sink)
	e.index.SetBus(e.bus)

	e.agg = refresh.NewAggregator(refresh.AggregatorFromConfig(cfg.Refresh), e.index, sink)
	if path := cfg.Refresh.CorrelationSeedFile; path != "" {
		m, err := refresh.LoadCorrelationMatrix(path)
		if err != nil {
			return nil, eris.Wrap(err, "engine: load correlation seed")
		}
		e.agg.UpdateCorrelationMatrix(m)
	}
	e.runs = refresh.NewManager(refresh.ManagerFromConfig(cfg.Refresh), sink)
	e.cache = refresh.NewCacheScheduler(refresh.CacheFromConfig(cfg.Cache), e.agg, e.tracker, sink)
	e.coord = refresh.NewCoordinator(refresh.CoordinatorFromConfig(cfg.Refresh), refresh.Deps{
		Aggregator:   e.agg,
		Manager:      e.runs,
		Cache:        e.cache,
		Index:        e.index,
		Providers:    e.tracker,
		Load:         e.load,
		Correlations: opts.Correlations,
		Recompute:    opts.Recompute,
		Bus:          e.bus,
		Sink:         sink,
	})
	e.bus.Register(bus.EventRecomputeBatch, CoordinatorHandler, e.coord.HandleBatch)

	return e, nil
}

// Start opens the dependency index, restoring the latest snapshot, and
// launches the background loops. It returns once they are running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return eris.New("engine: already started")
	}
	if err := e.index.Open(ctx); err != nil {
		return eris.Wrap(err, "engine: open dependency index")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	checkEvery := time.Duration(e.cfg.Providers.CheckIntervalMs) * time.Millisecond
	pruneEvery := time.Minute

	g.Go(func() error { e.tracker.Run(gctx, checkEvery); return nil })
	g.Go(func() error { e.batcher.Run(gctx); return nil })
	g.Go(func() error { e.load.Run(gctx); return nil })
	g.Go(func() error { e.index.Run(gctx); return nil })
	g.Go(func() error { e.bus.Run(gctx, pruneEvery); return nil })
	g.Go(func() error { e.coord.Run(gctx); return nil })

	e.cancel = cancel
	e.group = g
	e.startedAt = time.Now()
	zap.L().Info("engine: started",
		zap.Int("tasks", 6),
		zap.Bool("persistent", e.opts.Store != nil),
	)
	return nil
}

// Stop cancels the background loops, waits for them and writes a final
// snapshot.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, g := e.cancel, e.group
	e.cancel, e.group = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	_ = g.Wait()

	// The run context is gone; the final flush and snapshot get their own.
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	e.load.DrainAll(ctx)
	e.batcher.FlushAll(ctx)
	if err := e.index.SaveSnapshot(ctx); err != nil {
		return eris.Wrap(err, "engine: final snapshot")
	}
	zap.L().Info("engine: stopped", zap.Int64("version", e.index.Version()))
	return nil
}

// RegisterProvider registers or reconfigures a provider.
func (e *Engine) RegisterProvider(providerID string, cfg resilience.ProviderConfig) {
	e.tracker.Register(providerID, cfg)
}

// RecordProviderRequest records the outcome of one provider call.
func (e *Engine) RecordProviderRequest(providerID string, success bool, latency time.Duration, err error) {
	e.tracker.RecordOutcome(providerID, resilience.Outcome{Success: success, Latency: latency, Err: err})
}

// ShouldSkipProvider reports whether callers must not call the provider now.
func (e *Engine) ShouldSkipProvider(providerID string) (bool, time.Duration, resilience.ProviderState) {
	return e.tracker.ShouldSkip(providerID)
}

// ProviderSnapshots returns every provider's health.
func (e *Engine) ProviderSnapshots() []resilience.ProviderSnapshot {
	return e.tracker.Snapshots()
}

// Tracker exposes the provider tracker for resilience.Call.
func (e *Engine) Tracker() *resilience.Tracker { return e.tracker }

// AddRecomputeEvent submits a change event for batching.
func (e *Engine) AddRecomputeEvent(ctx context.Context, ev bus.RecomputeEvent) (bus.Admission, error) {
	return e.batcher.Add(ctx, ev)
}

// RegisterEventHandler subscribes fn to eventType.
func (e *Engine) RegisterEventHandler(eventType, name string, fn bus.Handler) bus.HandlerID {
	return e.bus.Register(eventType, name, fn)
}

// UnregisterEventHandler removes a handler.
func (e *Engine) UnregisterEventHandler(id bus.HandlerID) bool {
	return e.bus.Unregister(id)
}

// EmitEvent dispatches an event to its handlers.
func (e *Engine) EmitEvent(ctx context.Context, eventType string, data any) bus.EmitResult {
	return e.bus.Emit(ctx, eventType, data)
}

// DeadLetters returns the dead-letter log, oldest first.
func (e *Engine) DeadLetters() []bus.DeadLetter { return e.bus.DeadLetters() }

// CreateOptimizationRun registers a run over edgeIDs.
func (e *Engine) CreateOptimizationRun(runID string, edgeIDs []string) (refresh.RunMetadata, error) {
	return e.runs.CreateRun(runID, edgeIDs)
}

// RecordEdgeChanges marks edges of a run as changed.
func (e *Engine) RecordEdgeChanges(runID string, edgeIDs []string) (int, error) {
	return e.runs.RecordEdgeChanges(runID, edgeIDs)
}

// CloseOptimizationRun forgets a run.
func (e *Engine) CloseOptimizationRun(runID string) error { return e.runs.CloseRun(runID) }

// OptimizationRun returns a run's metadata.
func (e *Engine) OptimizationRun(runID string) (refresh.RunMetadata, bool) { return e.runs.Run(runID) }

func (e *Engine) recompute(fn refresh.RecomputeFunc) (refresh.RecomputeFunc, error) {
	if fn != nil {
		return fn, nil
	}
	if e.opts.Recompute != nil {
		return e.opts.Recompute, nil
	}
	return nil, ErrNoRecompute
}

// ExecutePartialRefresh recomputes the run's changed edges, falling back to
// a full rebuild when ineligible, failing or regressing. fn may be nil to
// use the configured recompute function.
func (e *Engine) ExecutePartialRefresh(ctx context.Context, runID string, fn refresh.RecomputeFunc) (refresh.Outcome, error) {
	fn, err := e.recompute(fn)
	if err != nil {
		return refresh.Outcome{}, err
	}
	return e.runs.ExecutePartialRefresh(ctx, runID, fn)
}

// ExecuteFullRebuild recomputes every edge of the run.
func (e *Engine) ExecuteFullRebuild(ctx context.Context, runID string, fn refresh.RecomputeFunc) (refresh.Outcome, error) {
	fn, err := e.recompute(fn)
	if err != nil {
		return refresh.Outcome{}, err
	}
	return e.runs.ExecuteFullRebuild(ctx, runID, fn)
}

// Refresh refreshes a run subject to provider trust and load mode.
func (e *Engine) Refresh(ctx context.Context, runID string, fn refresh.RecomputeFunc) (refresh.Outcome, error) {
	fn, err := e.recompute(fn)
	if err != nil {
		return refresh.Outcome{}, err
	}
	return e.coord.Refresh(ctx, runID, fn)
}

// UpdateProp upserts a prop in the dependency index.
func (e *Engine) UpdateProp(id string, status model.NodeStatus) error {
	return e.index.UpdateProp(id, status)
}

// UpdateEdge upserts an edge referencing propID.
func (e *Engine) UpdateEdge(id, propID string, status model.NodeStatus) error {
	return e.index.UpdateEdge(id, propID, status)
}

// UpdateTicket upserts a ticket referencing edgeIDs.
func (e *Engine) UpdateTicket(id string, edgeIDs []string, status model.NodeStatus) error {
	return e.index.UpdateTicket(id, edgeIDs, status)
}

// GetDependencyHealth returns the dependency index's integrity report.
func (e *Engine) GetDependencyHealth() depindex.Health { return e.index.Health() }

// SweepIntegrity runs one detection and remediation pass now.
func (e *Engine) SweepIntegrity(ctx context.Context) (depindex.SweepResult, depindex.RemediationResult, error) {
	sw, err := e.index.Sweep(ctx)
	if err != nil {
		return sw, depindex.RemediationResult{}, err
	}
	rem, err := e.index.Remediate(ctx)
	return sw, rem, err
}

// RunSyntheticChurnTest runs the churn harness on an isolated index. A zero
// grace uses the configured one.
func (e *Engine) RunSyntheticChurnTest(ctx context.Context, cfg depindex.ChurnConfig) (*depindex.ChurnReport, error) {
	if cfg.Grace <= 0 {
		cfg.Grace = time.Duration(e.cfg.Index.GraceSecs) * time.Second
	}
	return depindex.RunChurn(ctx, cfg)
}

// StressTestComputationalControl runs the load stress harness on an
// isolated bus and controller. A zero baseline uses the configured one.
func (e *Engine) StressTestComputationalControl(ctx context.Context, cfg load.StressConfig) (*load.StressReport, error) {
	if cfg.Baseline <= 0 {
		cfg.Baseline = e.cfg.Load.BaselineEventsPerSec
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = e.cfg.Load.MaxQueueDepth
	}
	return load.RunStress(ctx, cfg)
}
