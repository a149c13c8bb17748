package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/itzcole03/recompute-core/internal/engine"
	"github.com/itzcole03/recompute-core/internal/load"
	"github.com/itzcole03/recompute-core/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Provider health.
	ProvidersTotal    int      `json:"providers_total"`
	ProvidersOpen     int      `json:"providers_open"`
	ProvidersDegraded int      `json:"providers_degraded"`
	OpenProviderIDs   []string `json:"open_provider_ids,omitempty"`
	Availability      float64  `json:"availability"`

	// Event bus.
	HandlerFailures int64 `json:"handler_failures"`
	DeadLettered    int64 `json:"dead_lettered"`
	DeadLetterDepth int   `json:"dead_letter_depth"`

	// Load.
	LoadMode   load.Mode `json:"load_mode"`
	LoadRatio  float64   `json:"load_ratio"`
	QueueDepth int       `json:"queue_depth"`
	Deferred   int       `json:"deferred"`

	// Dependency integrity.
	OpenIssues    int     `json:"open_issues"`
	PendingIssues int     `json:"pending_issues"`
	HealthScore   float64 `json:"health_score"`

	// Refresh.
	RefreshFailures int     `json:"refresh_failures"`
	FallbackRate    float64 `json:"fallback_rate"`
	DirtyRuns       int     `json:"dirty_runs"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatusSource is the engine view the collector reads.
type StatusSource interface {
	Status() engine.Status
}

// Collector builds snapshots from an engine.
type Collector struct {
	source StatusSource
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatusSource) *Collector {
	return &Collector{source: source}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	if c.source == nil {
		return nil, eris.New("monitoring: no status source")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "monitoring: collect")
	}

	st := c.source.Status()
	snap := &MetricsSnapshot{
		ProvidersTotal:  st.Provider.Total,
		Availability:    st.Provider.Availability,
		HandlerFailures: st.Bus.Failed,
		DeadLettered:    st.Bus.DeadLettered,
		DeadLetterDepth: st.Bus.DeadLetterDepth,
		LoadMode:        st.Load.Mode,
		LoadRatio:       st.Load.LoadRatio,
		QueueDepth:      st.Load.QueueDepth,
		Deferred:        st.Load.Deferred,
		OpenIssues:      st.Dependency.OpenTotal,
		PendingIssues:   st.Dependency.Pending,
		HealthScore:     st.Dependency.Score,
		RefreshFailures: st.Refresh.Failures,
		FallbackRate:    st.Refresh.FallbackRate,
		DirtyRuns:       len(st.DirtyRuns),
		CollectedAt:     time.Now().UTC(),
	}

	for _, p := range st.Providers {
		switch p.State {
		case resilience.StateCircuitOpen:
			snap.ProvidersOpen++
			snap.OpenProviderIDs = append(snap.OpenProviderIDs, p.ProviderID)
		case resilience.StateDegraded, resilience.StateFailing:
			snap.ProvidersDegraded++
		}
	}
	return snap, nil
}
