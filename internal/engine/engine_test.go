package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/config"
	"github.com/itzcole03/recompute-core/internal/depindex"
	"github.com/itzcole03/recompute-core/internal/load"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/refresh"
	"github.com/itzcole03/recompute-core/internal/resilience"
	"github.com/itzcole03/recompute-core/internal/store"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

type recorder struct {
	mu       sync.Mutex
	requests []refresh.RecomputeRequest
	score    func(refresh.RecomputeRequest) float64
}

func (r *recorder) fn(ctx context.Context, req refresh.RecomputeRequest) (refresh.RecomputeResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	score := 0.5
	if r.score != nil {
		score = r.score(req)
	}
	return refresh.RecomputeResult{Score: score}, nil
}

func (r *recorder) calls() []refresh.RecomputeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]refresh.RecomputeRequest(nil), r.requests...)
}

func edges(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("edge-%d", i)
	}
	return out
}

func newTestEngine(t *testing.T, st store.SnapshotStore, rec *recorder) (*Engine, *telemetry.Recorder) {
	t.Helper()
	sink := &telemetry.Recorder{}
	opts := Options{Store: st, Sink: sink}
	if rec != nil {
		opts.Recompute = rec.fn
	}
	e, err := New(config.Defaults(), opts)
	require.NoError(t, err)
	return e, sink
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
}

func TestEngine_MajorEventDrivesPartialRefresh(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, nil, rec)
	startEngine(t, e)
	ctx := context.Background()

	require.NoError(t, e.UpdateProp("prop-1", model.StatusActive))
	require.NoError(t, e.UpdateEdge("edge-0", "prop-1", model.StatusActive))
	require.NoError(t, e.UpdateEdge("edge-1", "prop-1", model.StatusActive))
	_, err := e.CreateOptimizationRun("run-1", edges(10))
	require.NoError(t, err)

	adm, err := e.AddRecomputeEvent(ctx, bus.RecomputeEvent{
		PropID:    "prop-1",
		EventType: "market_suspension",
		Magnitude: 2.0,
	})
	require.NoError(t, err)
	assert.Equal(t, bus.StatusFlushed, adm.Status)
	require.NotNil(t, adm.Batch)
	assert.Equal(t, bus.ReasonMajor, adm.Batch.Reason)

	meta, ok := e.OptimizationRun("run-1")
	require.True(t, ok)
	assert.Equal(t, []string{"edge-0", "edge-1"}, meta.ChangedEdges)

	out, err := e.Refresh(ctx, "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, refresh.PartialRefresh, out.Type)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"edge-0", "edge-1"}, calls[0].EdgeIDs)
	assert.Empty(t, e.Status().DirtyRuns)
}

func TestEngine_RegressionNeverLowersReportedScore(t *testing.T) {
	rec := &recorder{score: func(req refresh.RecomputeRequest) float64 {
		if req.Type == refresh.PartialRefresh {
			return 0.4
		}
		return 0.9
	}}
	e, _ := newTestEngine(t, nil, rec)
	ctx := context.Background()

	_, err := e.CreateOptimizationRun("run-1", edges(10))
	require.NoError(t, err)
	first, err := e.ExecuteFullRebuild(ctx, "run-1", nil)
	require.NoError(t, err)

	_, err = e.RecordEdgeChanges("run-1", []string{"edge-3"})
	require.NoError(t, err)
	out, err := e.ExecutePartialRefresh(ctx, "run-1", nil)
	require.NoError(t, err)

	assert.Equal(t, refresh.FullRebuild, out.Type)
	assert.Equal(t, refresh.FallbackScoreRegression, out.FallbackReason)
	assert.GreaterOrEqual(t, out.Score, first.BestScore)
}

func TestEngine_FallbackBelowBestKeepsReportedScore(t *testing.T) {
	full := 0.9
	rec := &recorder{score: func(req refresh.RecomputeRequest) float64 {
		if req.Type == refresh.PartialRefresh {
			return 0.5
		}
		return full
	}}
	e, _ := newTestEngine(t, nil, rec)
	ctx := context.Background()

	_, err := e.CreateOptimizationRun("run-1", edges(10))
	require.NoError(t, err)
	_, err = e.ExecuteFullRebuild(ctx, "run-1", nil)
	require.NoError(t, err)

	full = 0.7
	_, err = e.RecordEdgeChanges("run-1", []string{"edge-3"})
	require.NoError(t, err)
	out, err := e.ExecutePartialRefresh(ctx, "run-1", nil)
	require.NoError(t, err)

	assert.Equal(t, refresh.FallbackScoreRegression, out.FallbackReason)
	assert.InDelta(t, 0.9, out.Score, 1e-9)
	assert.InDelta(t, 0.7, out.FullScore, 1e-9)
	assert.True(t, out.Regressed)

	meta, ok := e.OptimizationRun("run-1")
	require.True(t, ok)
	assert.InDelta(t, 0.9, meta.BestScore, 1e-9)
}

func TestEngine_NoRecomputeFunction(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	_, err := e.CreateOptimizationRun("run-1", edges(3))
	require.NoError(t, err)

	_, err = e.ExecutePartialRefresh(context.Background(), "run-1", nil)
	assert.True(t, errors.Is(err, ErrNoRecompute))
	_, err = e.ExecuteFullRebuild(context.Background(), "run-1", nil)
	assert.True(t, errors.Is(err, ErrNoRecompute))
	_, err = e.Refresh(context.Background(), "run-1", nil)
	assert.True(t, errors.Is(err, ErrNoRecompute))
}

func TestEngine_ProviderTracking(t *testing.T) {
	e, sink := newTestEngine(t, nil, nil)
	e.RegisterProvider("odds_api", resilience.ProviderConfig{OpenThreshold: 3})

	for i := 0; i < 3; i++ {
		e.RecordProviderRequest("odds_api", false, 20*time.Millisecond, errors.New("502 bad gateway"))
	}
	skip, retryAfter, state := e.ShouldSkipProvider("odds_api")
	assert.True(t, skip)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.Equal(t, resilience.StateCircuitOpen, state)

	skip, _, _ = e.ShouldSkipProvider("injuries")
	assert.False(t, skip)

	assert.NotEmpty(t, sink.Filter(telemetry.CategoryProvider, "circuit_opened"))
	require.Len(t, e.ProviderSnapshots(), 1)
}

func TestEngine_UntrustedProviderDefersRefresh(t *testing.T) {
	cfg := config.Defaults()
	cfg.Refresh.TrustedProviders = []string{"odds_api"}
	rec := &recorder{}
	e, err := New(cfg, Options{Recompute: rec.fn, Sink: &telemetry.Recorder{}})
	require.NoError(t, err)

	e.RegisterProvider("odds_api", resilience.ProviderConfig{OpenThreshold: 1})
	e.RecordProviderRequest("odds_api", false, 0, errors.New("timeout"))

	_, err = e.CreateOptimizationRun("run-1", edges(10))
	require.NoError(t, err)
	_, err = e.RecordEdgeChanges("run-1", []string{"edge-1"})
	require.NoError(t, err)

	out, err := e.Refresh(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, refresh.DeferProviderUntrusted, out.DeferReason)
	assert.Empty(t, rec.calls())
}

func TestEngine_EventHandlersAndDeadLetters(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()

	var got []any
	e.RegisterEventHandler("odds_update", "collector", func(ctx context.Context, ev bus.Event) error {
		got = append(got, ev.Data)
		return nil
	})
	bad := e.RegisterEventHandler("odds_update", "broken", func(ctx context.Context, ev bus.Event) error {
		return errors.New("boom")
	})

	for i := 0; i < 3; i++ {
		res := e.EmitEvent(ctx, "odds_update", map[string]any{"line": i})
		assert.Equal(t, 1, res.Delivered)
		assert.Equal(t, 1, res.Failed)
	}
	assert.Len(t, got, 3)
	require.Len(t, e.DeadLetters(), 1)
	assert.Equal(t, bad, e.DeadLetters()[0].HandlerID)

	assert.True(t, e.UnregisterEventHandler(bad))
	res := e.EmitEvent(ctx, "odds_update", nil)
	assert.Zero(t, res.Failed)
}

func TestEngine_SnapshotSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	st := store.NewFileStore(dir)

	e, _ := newTestEngine(t, st, nil)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.UpdateProp("prop-1", model.StatusActive))
	require.NoError(t, e.UpdateEdge("edge-1", "prop-1", model.StatusActive))
	require.NoError(t, e.UpdateTicket("ticket-1", []string{"edge-1"}, model.StatusActive))
	require.NoError(t, e.Stop())

	restarted, _ := newTestEngine(t, store.NewFileStore(dir), nil)
	startEngine(t, restarted)

	h := restarted.GetDependencyHealth()
	assert.Equal(t, 3, h.Total)
	assert.Equal(t, 3, h.Active)
	assert.Equal(t, e.index.Version(), restarted.index.Version())
}

func TestEngine_IntegritySweep(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	startEngine(t, e)

	require.NoError(t, e.UpdateProp("prop-1", model.StatusRetired))
	require.NoError(t, e.UpdateEdge("edge-1", "prop-1", model.StatusActive))

	sw, rem, err := e.SweepIntegrity(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sw.NewIssues, "violations inside the grace period stay pending")
	assert.Equal(t, 1, sw.Pending)
	assert.Zero(t, rem.AutoRetired)
	assert.Equal(t, 1, e.GetDependencyHealth().Pending)
}

func TestEngine_Harnesses(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	churn, err := e.RunSyntheticChurnTest(context.Background(), depindex.ChurnConfig{Operations: 300, Seed: 3})
	require.NoError(t, err)
	assert.True(t, churn.Converged)

	stress, err := e.StressTestComputationalControl(context.Background(), load.StressConfig{
		Baseline: 50,
		Duration: 300 * time.Millisecond,
		Window:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Zero(t, stress.MajorsDropped)
}

func TestEngine_Lifecycle(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	assert.NoError(t, e.Stop(), "stopping an engine that never started is a no-op")

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()))
	assert.False(t, e.Status().StartedAt.IsZero())
	require.NoError(t, e.Stop())
	assert.NoError(t, e.Stop())
}

func TestNew_BadCorrelationSeed(t *testing.T) {
	cfg := config.Defaults()
	cfg.Refresh.CorrelationSeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlation seed")
}
