package refresh

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzcole03/recompute-core/internal/telemetry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type mapResolver map[string]string

func (m mapResolver) PropForEdge(edgeID string) (string, bool) {
	p, ok := m[edgeID]
	return p, ok
}

func newTestAggregator(resolver PropResolver) (*Aggregator, *fakeClock, *telemetry.Recorder) {
	clock := newFakeClock()
	rec := &telemetry.Recorder{}
	a := NewAggregator(AggregatorConfig{ImpactThreshold: 1.0, CorrelationThreshold: 0.5, Window: 5 * time.Minute}, resolver, rec)
	a.SetClock(clock.now)
	return a, clock, rec
}

func TestAggregator_GroupsCorrelatedProps(t *testing.T) {
	a, _, _ := newTestAggregator(nil)
	a.UpdateCorrelationMatrix(map[string]map[string]float64{
		"prop-a": {"prop-b": 0.8, "prop-c": 0.1},
	})

	c1, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e1", PropID: "prop-a", Magnitude: 0.2})
	require.NoError(t, err)
	c2, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e2", PropID: "prop-b", Magnitude: 0.2})
	require.NoError(t, err)
	c3, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e3", PropID: "prop-c", Magnitude: 0.2})
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.NotEqual(t, c1.ID, c3.ID)
	assert.Equal(t, []string{"prop-a", "prop-b"}, c2.PropIDs)
	assert.Equal(t, []string{"e1", "e2"}, c2.EdgeIDs)
	assert.InDelta(t, 0.8, c2.CorrelationStrength, 1e-9)
	assert.InDelta(t, 1.0, c3.CorrelationStrength, 1e-9)
	assert.Len(t, a.Clusters(), 2)
}

func TestAggregator_SameEdgeTwiceAccumulates(t *testing.T) {
	a, _, _ := newTestAggregator(nil)
	for i := 0; i < 3; i++ {
		_, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e1", PropID: "prop-a", Magnitude: -0.3})
		require.NoError(t, err)
	}
	clusters := a.Clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"e1"}, clusters[0].EdgeIDs)
	assert.Equal(t, 3, clusters[0].Changes)
	assert.InDelta(t, 0.9, clusters[0].ImpactMagnitude, 1e-9)
}

func TestAggregator_SurfacesOnce(t *testing.T) {
	a, _, rec := newTestAggregator(nil)

	_, up, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e1", PropID: "prop-a", Magnitude: 0.6})
	require.NoError(t, err)
	assert.False(t, up)

	c, up, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e2", PropID: "prop-a", Magnitude: 0.6})
	require.NoError(t, err)
	assert.True(t, up)
	assert.True(t, c.Surfaced())

	_, up, err = a.RecordEdgeChange(EdgeChange{EdgeID: "e3", PropID: "prop-a", Magnitude: 0.6})
	require.NoError(t, err)
	assert.False(t, up, "a cluster surfaces only on its first crossing")

	surfaced := a.SurfacedClusters()
	require.Len(t, surfaced, 1)
	assert.InDelta(t, 1.2, surfaced[0].ImpactMagnitude, 1e-9)
	assert.Len(t, rec.Filter(telemetry.CategoryRefresh, "cluster_surfaced"), 1)
	assert.Equal(t, int64(1), a.Stats().Surfaced)
}

func TestAggregator_ResolvesProp(t *testing.T) {
	a, _, _ := newTestAggregator(mapResolver{"e1": "prop-a"})

	c, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e1", Magnitude: 0.1})
	require.NoError(t, err)
	assert.Equal(t, []string{"prop-a"}, c.PropIDs)

	_, _, err = a.RecordEdgeChange(EdgeChange{EdgeID: "ghost", Magnitude: 0.1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEdge))
}

func TestAggregator_ExpiresIdleClusters(t *testing.T) {
	a, clock, _ := newTestAggregator(nil)

	first, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e1", PropID: "prop-a", Magnitude: 0.5})
	require.NoError(t, err)

	clock.advance(5*time.Minute + time.Second)
	second, _, err := a.RecordEdgeChange(EdgeChange{EdgeID: "e2", PropID: "prop-a", Magnitude: 0.5})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.InDelta(t, 0.5, second.ImpactMagnitude, 1e-9)
	st := a.Stats()
	assert.Equal(t, int64(1), st.Expired)
	assert.Equal(t, 1, st.ActiveClusters)
	assert.Equal(t, int64(2), st.TotalChangesProcessed)
}

func TestAggregator_MatrixIsSymmetric(t *testing.T) {
	a, _, _ := newTestAggregator(nil)
	a.UpdateCorrelationMatrix(map[string]map[string]float64{"prop-a": {"prop-b": 0.7, "prop-a": 0.2}})

	assert.InDelta(t, 0.7, a.Correlation("prop-b", "prop-a"), 1e-9)
	assert.InDelta(t, 1.0, a.Correlation("prop-a", "prop-a"), 1e-9)
	assert.Zero(t, a.Correlation("prop-a", "prop-z"))
	assert.Equal(t, 2, a.Stats().CorrelationEntries)
}

func TestLoadCorrelationMatrix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "correlations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
correlations:
  prop-a:
    prop-b: 0.8
    prop-c: -0.4
`), 0644))

	m, err := LoadCorrelationMatrix(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, m["prop-a"]["prop-b"], 1e-9)
	assert.InDelta(t, -0.4, m["prop-a"]["prop-c"], 1e-9)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("correlations:\n  a:\n    b: 1.5\n"), 0644))
	_, err = LoadCorrelationMatrix(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = LoadCorrelationMatrix(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
