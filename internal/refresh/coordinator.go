package refresh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/load"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/resilience"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// Defer reasons on a coordinator outcome.
const (
	DeferProviderUntrusted = "provider_untrusted"
	DeferLoadDegraded      = "load_degraded"
)

// EdgeIndex is the view of the dependency index the coordinator needs.
type EdgeIndex interface {
	PropResolver
	ActiveEdgesForProp(propID string) []string
	IsActive(kind model.NodeKind, id string) bool
}

// ProviderGate reports whether a provider is currently being skipped.
type ProviderGate interface {
	ShouldSkip(providerID string) (bool, time.Duration, resilience.ProviderState)
}

// LoadGate reports the load controller's mode.
type LoadGate interface {
	Mode() load.Mode
}

// CoordinatorConfig controls the coordinator's background work.
type CoordinatorConfig struct {
	TrustedProviders []string
	AutoRefresh      time.Duration
	WarmEvery        time.Duration
	AgeOutEvery      time.Duration
}

// Deps are the coordinator's collaborators. Aggregator and Manager are
// required; the rest may be nil.
type Deps struct {
	Aggregator   *Aggregator
	Manager      *Manager
	Cache        *CacheScheduler
	Index        EdgeIndex
	Providers    ProviderGate
	Load         LoadGate
	Correlations CorrelationProvider
	Recompute    RecomputeFunc
	Bus          *bus.Bus
	Sink         telemetry.Sink
}

// CoordinatorStats are coordinator counters.
type CoordinatorStats struct {
	Batches      int64 `json:"batches_handled"`
	EdgeChanges  int64 `json:"edge_changes"`
	Unmapped     int64 `json:"unmapped_batches"`
	Surfaced     int64 `json:"clusters_surfaced"`
	PendingWarms int   `json:"pending_warms"`
	Deferred     int64 `json:"deferred_refreshes"`
	AutoRefresh  int64 `json:"auto_refreshes"`
}

// Coordinator turns recompute batches into edge changes and decides how and
// when runs are refreshed.
type Coordinator struct {
	cfg  CoordinatorConfig
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]ImpactedCluster
	stats   CoordinatorStats
}

// NewCoordinator wires the coordinator. When an index is given, recompute
// scopes are restricted to edges still active in it.
func NewCoordinator(cfg CoordinatorConfig, deps Deps) *Coordinator {
	if cfg.WarmEvery <= 0 {
		cfg.WarmEvery = time.Second
	}
	if cfg.AgeOutEvery <= 0 {
		cfg.AgeOutEvery = time.Minute
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Nop()
	}
	if deps.Index != nil {
		idx := deps.Index
		deps.Manager.SetEdgeFilter(func(edgeID string) bool {
			return idx.IsActive(model.KindEdge, edgeID)
		})
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		pending: make(map[string]ImpactedCluster),
	}
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Aggregator returns the edge-change aggregator.
func (c *Coordinator) Aggregator() *Aggregator { return c.deps.Aggregator }

// Manager returns the run manager.
func (c *Coordinator) Manager() *Manager { return c.deps.Manager }

// HandleBatch is the recompute_batch handler. It maps the batch's prop to
// its active edges, records the changes in the aggregator and in every run
// holding those edges, and queues cache warms for surfaced clusters.
func (c *Coordinator) HandleBatch(ctx context.Context, ev bus.Event) error {
	var s bus.BatchSummary
	switch d := ev.Data.(type) {
	case bus.BatchSummary:
		s = d
	case *bus.BatchSummary:
		if d == nil {
			return eris.New("refresh: nil batch summary")
		}
		s = *d
	default:
		return eris.Errorf("refresh: unexpected batch payload %T", ev.Data)
	}
	if s.PropID == "" {
		return eris.New("refresh: batch without prop id")
	}

	var edges []string
	if c.deps.Index != nil {
		edges = c.deps.Index.ActiveEdgesForProp(s.PropID)
	}

	c.mu.Lock()
	c.stats.Batches++
	if len(edges) == 0 {
		c.stats.Unmapped++
	}
	c.mu.Unlock()
	if len(edges) == 0 {
		return nil
	}

	changeType := bus.EventRecomputeBatch
	if len(s.EventTypes) > 0 {
		changeType = s.EventTypes[0]
	}
	at := s.LastEventTime
	if at.IsZero() {
		at = c.now()
	}

	touched := make(map[string]ImpactedCluster)
	var surfaced []ImpactedCluster
	for _, e := range edges {
		cl, up, err := c.deps.Aggregator.RecordEdgeChange(EdgeChange{
			EdgeID:     e,
			PropID:     s.PropID,
			ChangeType: changeType,
			Magnitude:  s.Magnitude,
			At:         at,
		})
		if err != nil {
			return err
		}
		touched[cl.ID] = *cl
		if up {
			surfaced = append(surfaced, *cl)
		}
	}
	runs := c.deps.Manager.RecordChangedEdges(edges)

	c.mu.Lock()
	c.stats.EdgeChanges += int64(len(edges))
	c.stats.Surfaced += int64(len(surfaced))
	if c.deps.Cache != nil {
		for id, cl := range touched {
			if cl.Surfaced() && c.deps.Cache.ShouldWarm(cl) {
				c.pending[id] = cl
			}
		}
	}
	c.mu.Unlock()

	if len(runs) > 0 {
		zap.L().Debug("refresh: batch marked runs dirty",
			zap.String("prop_id", s.PropID), zap.Int("edges", len(edges)), zap.Strings("run_ids", runs))
	}
	if c.deps.Bus != nil {
		for _, cl := range surfaced {
			c.deps.Bus.Emit(ctx, bus.EventClusterSurfaced, cl)
		}
	}
	return nil
}

// WarmPending warms every queued cluster and returns how many were warmed.
// Failed clusters stay queued for the next call.
func (c *Coordinator) WarmPending(ctx context.Context) int {
	if c.deps.Cache == nil || c.deps.Correlations == nil {
		return 0
	}
	c.mu.Lock()
	queued := make([]ImpactedCluster, 0, len(c.pending))
	for _, cl := range c.pending {
		queued = append(queued, cl)
	}
	c.mu.Unlock()
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })

	warmed := 0
	for _, cl := range queued {
		if ctx.Err() != nil {
			break
		}
		ok, err := c.deps.Cache.ScheduleWarm(ctx, cl, c.deps.Correlations)
		if err != nil {
			continue
		}
		c.mu.Lock()
		delete(c.pending, cl.ID)
		c.mu.Unlock()
		if ok {
			warmed++
		}
	}
	return warmed
}

// Refresh refreshes a run after checking data trust and load. A trusted
// provider that is being skipped, or Degraded mode when the run would need
// a full rebuild, defers the refresh: the outcome has Deferred set and the
// run keeps its pending changes. fn may be nil to use the configured
// recompute function.
func (c *Coordinator) Refresh(ctx context.Context, runID string, fn RecomputeFunc) (Outcome, error) {
	if fn == nil {
		fn = c.deps.Recompute
	}
	if fn == nil {
		return Outcome{}, eris.New("refresh: no recompute function")
	}

	if c.deps.Providers != nil {
		for _, p := range c.cfg.TrustedProviders {
			if skip, _, state := c.deps.Providers.ShouldSkip(p); skip {
				return c.deferRefresh(runID, DeferProviderUntrusted, map[string]any{
					"provider": p,
					"state":    string(state),
				}), nil
			}
		}
	}

	ok, reason := c.deps.Manager.ShouldUsePartialRefresh(runID)
	if reason == ReasonUnknownRun {
		return Outcome{}, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if !ok && c.deps.Load != nil && c.deps.Load.Mode() == load.ModeDegraded {
		return c.deferRefresh(runID, DeferLoadDegraded, map[string]any{"ineligible_reason": reason}), nil
	}
	return c.deps.Manager.ExecutePartialRefresh(ctx, runID, fn)
}

func (c *Coordinator) deferRefresh(runID, reason string, fields map[string]any) Outcome {
	c.mu.Lock()
	c.stats.Deferred++
	c.mu.Unlock()
	zap.L().Info("refresh: deferred", zap.String("run_id", runID), zap.String("reason", reason))
	c.deps.Sink.Record(telemetry.Record{
		Category: telemetry.CategoryRefresh,
		Action:   "defer",
		Subject:  runID,
		Result:   reason,
		Fields:   fields,
	})
	out := Outcome{RunID: runID, Deferred: true, DeferReason: reason}
	if meta, ok := c.deps.Manager.Run(runID); ok {
		out.BestScore = meta.BestScore
		out.PreviousBest = meta.BestScore
		out.ChangedEdges = len(meta.ChangedEdges)
	}
	return out
}

// AutoRefresh refreshes every dirty run once and returns the outcomes of
// the refreshes that ran.
func (c *Coordinator) AutoRefresh(ctx context.Context) []Outcome {
	var out []Outcome
	for _, id := range c.deps.Manager.DirtyRuns() {
		if ctx.Err() != nil {
			break
		}
		o, err := c.Refresh(ctx, id, nil)
		if err != nil {
			zap.L().Warn("refresh: auto refresh failed", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if !o.Deferred {
			c.mu.Lock()
			c.stats.AutoRefresh++
			c.mu.Unlock()
		}
		out = append(out, o)
	}
	return out
}

// Stats returns coordinator counters.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.PendingWarms = len(c.pending)
	return s
}

// Run drains the warm queue, ages out idle runs and stale clusters, and
// auto-refreshes dirty runs when enabled. It blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	warm := time.NewTicker(c.cfg.WarmEvery)
	defer warm.Stop()
	ageOut := time.NewTicker(c.cfg.AgeOutEvery)
	defer ageOut.Stop()

	var auto <-chan time.Time
	if c.cfg.AutoRefresh > 0 && c.deps.Recompute != nil {
		t := time.NewTicker(c.cfg.AutoRefresh)
		defer t.Stop()
		auto = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-warm.C:
			c.WarmPending(ctx)
		case <-ageOut.C:
			c.deps.Manager.AgeOut(c.now())
			c.deps.Aggregator.Expire()
			if c.deps.Cache != nil {
				c.deps.Cache.Prune()
			}
		case <-auto:
			c.AutoRefresh(ctx)
		}
	}
}
