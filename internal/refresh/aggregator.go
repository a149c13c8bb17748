// Package refresh decides between partial and full recomputation of
// optimization runs, clusters correlated edge changes and keeps the
// correlation-matrix cache warm.
package refresh

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/itzcole03/recompute-core/internal/ring"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// ErrUnknownEdge is returned when an edge change carries no prop and the
// resolver does not know the edge.
var ErrUnknownEdge = eris.New("refresh: edge has no known prop")

// EdgeChange is one observed change to an edge.
type EdgeChange struct {
	EdgeID     string    `json:"edge_id"`
	PropID     string    `json:"prop_id"`
	ChangeType string    `json:"change_type"`
	Magnitude  float64   `json:"magnitude"`
	At         time.Time `json:"at"`
}

// ImpactedCluster is a group of correlated props whose edges changed within
// the aggregation window.
type ImpactedCluster struct {
	ID                  string    `json:"cluster_id" yaml:"cluster_id"`
	PropIDs             []string  `json:"prop_ids" yaml:"prop_ids"`
	EdgeIDs             []string  `json:"edge_ids" yaml:"edge_ids"`
	ImpactMagnitude     float64   `json:"impact_magnitude" yaml:"impact_magnitude"`
	CorrelationStrength float64   `json:"correlation_strength" yaml:"correlation_strength"`
	Changes             int       `json:"changes" yaml:"changes"`
	CreatedAt           time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" yaml:"updated_at"`
	SurfacedAt          time.Time `json:"surfaced_at,omitempty" yaml:"surfaced_at,omitempty"`
}

// Surfaced reports whether the cluster crossed the impact threshold.
func (c ImpactedCluster) Surfaced() bool { return !c.SurfacedAt.IsZero() }

func (c *ImpactedCluster) clone() *ImpactedCluster {
	out := *c
	out.PropIDs = append([]string(nil), c.PropIDs...)
	out.EdgeIDs = append([]string(nil), c.EdgeIDs...)
	return &out
}

// PropResolver maps an edge to its prop.
type PropResolver interface {
	PropForEdge(edgeID string) (string, bool)
}

// AggregatorConfig controls clustering.
type AggregatorConfig struct {
	ImpactThreshold      float64
	CorrelationThreshold float64
	Window               time.Duration
}

// AggregatorStats are aggregator counters.
type AggregatorStats struct {
	TotalChangesProcessed int64 `json:"total_changes_processed"`
	ActiveClusters        int   `json:"active_clusters"`
	CorrelationEntries    int   `json:"correlation_matrix_entries"`
	Surfaced              int64 `json:"surfaced"`
	Expired               int64 `json:"expired"`
}

// Aggregator groups edge changes into clusters of correlated props.
type Aggregator struct {
	cfg      AggregatorConfig
	resolver PropResolver
	sink     telemetry.Sink
	now      func() time.Time

	mu       sync.Mutex
	matrix   map[string]map[string]float64
	clusters []*ImpactedCluster
	surfaced *ring.Buffer[ImpactedCluster]
	stats    AggregatorStats
}

// NewAggregator creates an aggregator. resolver may be nil when every
// change carries its prop id.
func NewAggregator(cfg AggregatorConfig, resolver PropResolver, sink telemetry.Sink) *Aggregator {
	if cfg.ImpactThreshold <= 0 {
		cfg.ImpactThreshold = 1.0
	}
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if sink == nil {
		sink = telemetry.Nop()
	}
	return &Aggregator{
		cfg:      cfg,
		resolver: resolver,
		sink:     sink,
		now:      time.Now,
		matrix:   make(map[string]map[string]float64),
		surfaced: ring.New[ImpactedCluster](100),
	}
}

// SetClock replaces the time source.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// UpdateCorrelationMatrix merges m into the matrix. Entries are stored
// symmetrically.
func (a *Aggregator) UpdateCorrelationMatrix(m map[string]map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p1, row := range m {
		for p2, v := range row {
			if p1 == p2 {
				continue
			}
			a.setLocked(p1, p2, v)
			a.setLocked(p2, p1, v)
		}
	}
}

func (a *Aggregator) setLocked(p1, p2 string, v float64) {
	row, ok := a.matrix[p1]
	if !ok {
		row = make(map[string]float64)
		a.matrix[p1] = row
	}
	row[p2] = v
}

// Correlation returns the correlation between two props: 1 for the same
// prop, 0 when unknown.
func (a *Aggregator) Correlation(p1, p2 string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.correlationLocked(p1, p2)
}

func (a *Aggregator) correlationLocked(p1, p2 string) float64 {
	if p1 == p2 {
		return 1
	}
	return a.matrix[p1][p2]
}

// RecordEdgeChange adds ch to the first live cluster holding a prop
// correlated with ch's prop at or above the threshold, or starts a new
// cluster. It returns a copy of the cluster and whether this change made it
// cross the impact threshold. A cluster surfaces at most once.
func (a *Aggregator) RecordEdgeChange(ch EdgeChange) (*ImpactedCluster, bool, error) {
	if ch.PropID == "" && a.resolver != nil {
		if prop, ok := a.resolver.PropForEdge(ch.EdgeID); ok {
			ch.PropID = prop
		}
	}
	if ch.PropID == "" {
		return nil, false, eris.Wrapf(ErrUnknownEdge, "edge %s", ch.EdgeID)
	}
	now := a.now()
	if ch.At.IsZero() {
		ch.At = now
	}

	a.mu.Lock()
	a.expireLocked(now)
	a.stats.TotalChangesProcessed++

	var target *ImpactedCluster
	for _, c := range a.clusters {
		for _, p := range c.PropIDs {
			if a.correlationLocked(p, ch.PropID) >= a.cfg.CorrelationThreshold {
				target = c
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		target = &ImpactedCluster{ID: uuid.NewString(), CreatedAt: now}
		a.clusters = append(a.clusters, target)
	}

	target.PropIDs = addUnique(target.PropIDs, ch.PropID)
	target.EdgeIDs = addUnique(target.EdgeIDs, ch.EdgeID)
	target.ImpactMagnitude += abs(ch.Magnitude)
	target.Changes++
	target.UpdatedAt = now
	target.CorrelationStrength = a.strengthLocked(target.PropIDs)

	surfaced := false
	if !target.Surfaced() && target.ImpactMagnitude > a.cfg.ImpactThreshold {
		target.SurfacedAt = now
		surfaced = true
		a.stats.Surfaced++
		a.surfaced.Push(*target.clone())
	}
	out := target.clone()
	a.mu.Unlock()

	if surfaced {
		zap.L().Info("refresh: cluster surfaced",
			zap.String("cluster_id", out.ID),
			zap.Int("props", len(out.PropIDs)),
			zap.Float64("impact_magnitude", out.ImpactMagnitude),
		)
		a.sink.Record(telemetry.Record{
			Category: telemetry.CategoryRefresh,
			Action:   "cluster_surfaced",
			Subject:  out.ID,
			Result:   "surfaced",
			Fields: map[string]any{
				"props":                len(out.PropIDs),
				"edges":                len(out.EdgeIDs),
				"impact_magnitude":     out.ImpactMagnitude,
				"correlation_strength": out.CorrelationStrength,
			},
		})
	}
	return out, surfaced, nil
}

// strengthLocked is the mean pairwise correlation, 1 for a single prop.
func (a *Aggregator) strengthLocked(props []string) float64 {
	if len(props) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(props); i++ {
		for j := i + 1; j < len(props); j++ {
			sum += a.correlationLocked(props[i], props[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func (a *Aggregator) expireLocked(now time.Time) {
	kept := a.clusters[:0]
	for _, c := range a.clusters {
		if now.Sub(c.UpdatedAt) > a.cfg.Window {
			a.stats.Expired++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(a.clusters); i++ {
		a.clusters[i] = nil
	}
	a.clusters = kept
}

// Expire drops clusters idle longer than the window.
func (a *Aggregator) Expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(a.now())
}

// Clusters returns copies of the live clusters, oldest first.
func (a *Aggregator) Clusters() []ImpactedCluster {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ImpactedCluster, 0, len(a.clusters))
	for _, c := range a.clusters {
		out = append(out, *c.clone())
	}
	return out
}

// SurfacedClusters returns recently surfaced clusters as they were at the
// moment they surfaced.
func (a *Aggregator) SurfacedClusters() []ImpactedCluster {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.surfaced.Items()
}

// Stats returns aggregator counters.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.ActiveClusters = len(a.clusters)
	for _, row := range a.matrix {
		s.CorrelationEntries += len(row)
	}
	return s
}

func addUnique(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type correlationFile struct {
	Correlations map[string]map[string]float64 `yaml:"correlations"`
}

// LoadCorrelationMatrix reads a YAML seed file of the form
//
//	correlations:
//	  prop-a:
//	    prop-b: 0.8
func LoadCorrelationMatrix(path string) (map[string]map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "refresh: read correlation file %s", path)
	}
	var f correlationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "refresh: parse correlation file %s", path)
	}
	for p1, row := range f.Correlations {
		for p2, v := range row {
			if v < -1 || v > 1 {
				return nil, eris.Errorf("refresh: correlation %s/%s out of range: %v", p1, p2, v)
			}
		}
	}
	return f.Correlations, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
