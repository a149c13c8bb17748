package engine

import (
	"time"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/depindex"
	"github.com/itzcole03/recompute-core/internal/load"
	"github.com/itzcole03/recompute-core/internal/refresh"
	"github.com/itzcole03/recompute-core/internal/resilience"
)

// Status is a point-in-time view of every component.
type Status struct {
	StartedAt   time.Time                     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Uptime      time.Duration                 `json:"uptime" yaml:"uptime"`
	Providers   []resilience.ProviderSnapshot `json:"providers" yaml:"providers"`
	Provider    resilience.Summary            `json:"provider_summary" yaml:"provider_summary"`
	Bus         bus.Stats                     `json:"bus" yaml:"bus"`
	Batcher     bus.BatcherStats              `json:"batcher" yaml:"batcher"`
	Load        load.Status                   `json:"load" yaml:"load"`
	Dependency  depindex.Health               `json:"dependency_health" yaml:"dependency_health"`
	Refresh     refresh.PerformanceStats      `json:"refresh" yaml:"refresh"`
	Aggregator  refresh.AggregatorStats       `json:"aggregator" yaml:"aggregator"`
	Cache       refresh.CacheStats            `json:"cache" yaml:"cache"`
	Coordinator refresh.CoordinatorStats      `json:"coordinator" yaml:"coordinator"`
	DirtyRuns   []string                      `json:"dirty_runs,omitempty" yaml:"dirty_runs,omitempty"`
}

// Status collects every component's state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()

	s := Status{
		StartedAt:   started,
		Providers:   e.tracker.Snapshots(),
		Provider:    e.tracker.Summary(),
		Bus:         e.bus.Stats(),
		Batcher:     e.batcher.Stats(),
		Load:        e.load.Status(),
		Dependency:  e.index.Health(),
		Refresh:     e.runs.PerformanceStats(),
		Aggregator:  e.agg.Stats(),
		Cache:       e.cache.Stats(),
		Coordinator: e.coord.Stats(),
		DirtyRuns:   e.runs.DirtyRuns(),
	}
	if !started.IsZero() {
		s.Uptime = time.Since(started).Round(time.Second)
	}
	return s
}
