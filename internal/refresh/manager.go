package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/metrics"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// RefreshType names the scope of a recompute.
type RefreshType string

const (
	PartialRefresh RefreshType = "partial_refresh"
	FullRebuild    RefreshType = "full_rebuild"
)

// Eligibility reasons returned by ShouldUsePartialRefresh.
const (
	ReasonEligible      = "eligible"
	ReasonNoChanges     = "no_changes"
	ReasonStale         = "stale"
	ReasonChangeRatio   = "change_ratio_exceeded"
	ReasonUnknownRun    = "unknown_run"
	ReasonRunInProgress = "run_in_progress"
)

// Fallback reasons on an Outcome.
const (
	FallbackIneligible      = "ineligible"
	FallbackPartialError    = "partial_error"
	FallbackScoreRegression = "score_regression"
)

var (
	ErrRunNotFound       = eris.New("refresh: run not found")
	ErrRunExists         = eris.New("refresh: run already exists")
	ErrRefreshInProgress = eris.New("refresh: refresh already in progress for run")
	ErrRefreshFailed     = eris.New("refresh: recompute failed")
)

// RefreshError reports a failed full rebuild. The run keeps its previous
// best score.
type RefreshError struct {
	RunID     string
	Type      RefreshType
	BestScore float64
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh: %s of run %s failed: %v", e.Type, e.RunID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is matches ErrRefreshFailed.
func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }

// RecomputeRequest scopes one recompute call.
type RecomputeRequest struct {
	RunID        string
	Type         RefreshType
	EdgeIDs      []string
	ChangedEdges []string
	TotalEdges   int
}

// RecomputeResult is what the recompute function returns.
type RecomputeResult struct {
	Score          float64
	EdgesProcessed int
}

// RecomputeFunc performs the valuation work for a run. It is supplied by the
// caller and never invoked while the manager holds a lock.
type RecomputeFunc func(ctx context.Context, req RecomputeRequest) (RecomputeResult, error)

// Outcome describes a completed refresh. Score never falls below the best
// confirmed before the refresh: when a full rebuild scores lower, Score
// carries the preserved best, FullScore the rebuild's own result and
// Regressed is set.
type Outcome struct {
	RunID            string      `json:"run_id" yaml:"run_id"`
	Type             RefreshType `json:"refresh_type" yaml:"refresh_type"`
	Score            float64     `json:"score" yaml:"score"`
	BestScore        float64     `json:"best_score" yaml:"best_score"`
	PreviousBest     float64     `json:"previous_best" yaml:"previous_best"`
	DurationMs       float64     `json:"duration_ms" yaml:"duration_ms"`
	EdgesProcessed   int         `json:"edges_processed" yaml:"edges_processed"`
	EdgesExcluded    int         `json:"edges_excluded,omitempty" yaml:"edges_excluded,omitempty"`
	ChangedEdges     int         `json:"changed_edges" yaml:"changed_edges"`
	FallbackReason   string      `json:"fallback_reason,omitempty" yaml:"fallback_reason,omitempty"`
	IneligibleReason string      `json:"ineligible_reason,omitempty" yaml:"ineligible_reason,omitempty"`
	PartialScore     float64     `json:"partial_score,omitempty" yaml:"partial_score,omitempty"`
	PartialError     string      `json:"partial_error,omitempty" yaml:"partial_error,omitempty"`
	FullScore        float64     `json:"full_score,omitempty" yaml:"full_score,omitempty"`
	Regressed        bool        `json:"regressed,omitempty" yaml:"regressed,omitempty"`
	Deferred         bool        `json:"deferred,omitempty" yaml:"deferred,omitempty"`
	DeferReason      string      `json:"defer_reason,omitempty" yaml:"defer_reason,omitempty"`

	duration time.Duration
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RunMetadata is a copy of a run's refresh bookkeeping.
type RunMetadata struct {
	RunID           string    `json:"run_id"`
	Edges           []string  `json:"edges"`
	ChangedEdges    []string  `json:"edges_changed_since_last_refresh"`
	RefreshCount    int       `json:"refresh_count"`
	PartialCount    int       `json:"partial_count"`
	FullCount       int       `json:"full_count"`
	IsStale         bool      `json:"is_stale"`
	CreatedAt       time.Time `json:"created_at"`
	LastRefreshTime time.Time `json:"last_refresh_time,omitempty"`
	BestScore       float64   `json:"best_score"`
	HasBest         bool      `json:"has_best"`
	InFlight        bool      `json:"in_flight"`
}

// ChangeRatio is the changed fraction of the run's edge set.
func (m RunMetadata) ChangeRatio() float64 {
	if len(m.Edges) == 0 {
		return 0
	}
	return float64(len(m.ChangedEdges)) / float64(len(m.Edges))
}

type run struct {
	id           string
	edges        map[string]struct{}
	edgeList     []string
	changed      map[string]struct{}
	refreshCount int
	partialCount int
	fullCount    int
	createdAt    time.Time
	lastRefresh  time.Time
	bestScore    float64
	hasBest      bool
	inFlight     bool
}

func (r *run) lastActivity() time.Time {
	if r.lastRefresh.IsZero() {
		return r.createdAt
	}
	return r.lastRefresh
}

// ManagerConfig controls partial refresh eligibility and run retention.
type ManagerConfig struct {
	MaxChangedRatio float64
	MaxRunAge       time.Duration
	RunTTL          time.Duration
}

// PerformanceStats compares partial and full refresh cost.
type PerformanceStats struct {
	PartialCount          int     `json:"partial_refresh_count" yaml:"partial_refresh_count"`
	FullCount             int     `json:"full_rebuild_count" yaml:"full_rebuild_count"`
	Fallbacks             int     `json:"fallbacks" yaml:"fallbacks"`
	Failures              int     `json:"failures" yaml:"failures"`
	AvgPartialMs          float64 `json:"avg_partial_ms" yaml:"avg_partial_ms"`
	AvgFullMs             float64 `json:"avg_full_ms" yaml:"avg_full_ms"`
	FallbackRate          float64 `json:"fallback_rate" yaml:"fallback_rate"`
	LatencyImprovementPct float64 `json:"latency_improvement_pct" yaml:"latency_improvement_pct"`
	ActiveRuns            int     `json:"active_runs" yaml:"active_runs"`
}

// Manager owns per-run refresh metadata and chooses between partial and
// full recomputation.
type Manager struct {
	cfg  ManagerConfig
	sink telemetry.Sink
	now  func() time.Time

	mu         sync.Mutex
	runs       map[string]*run
	edgeFilter func(edgeID string) bool

	partialCount int
	fullCount    int
	fallbacks    int
	failures     int
	partialTotal time.Duration
	fullTotal    time.Duration
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig, sink telemetry.Sink) *Manager {
	if cfg.MaxChangedRatio <= 0 {
		cfg.MaxChangedRatio = 0.3
	}
	if cfg.MaxRunAge <= 0 {
		cfg.MaxRunAge = time.Hour
	}
	if cfg.RunTTL <= 0 {
		cfg.RunTTL = 24 * time.Hour
	}
	if sink == nil {
		sink = telemetry.Nop()
	}
	return &Manager{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
		runs: make(map[string]*run),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetEdgeFilter restricts recompute scopes to edges for which keep returns
// true. Excluded edges are reported on the outcome.
func (m *Manager) SetEdgeFilter(keep func(edgeID string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edgeFilter = keep
}

// CreateRun registers a run with its full edge set.
func (m *Manager) CreateRun(runID string, edgeIDs []string) (RunMetadata, error) {
	if runID == "" {
		return RunMetadata{}, eris.New("refresh: run id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; ok {
		return RunMetadata{}, eris.Wrapf(ErrRunExists, "run %s", runID)
	}
	r := &run{
		id:        runID,
		edges:     make(map[string]struct{}, len(edgeIDs)),
		changed:   make(map[string]struct{}),
		createdAt: m.now(),
	}
	for _, e := range edgeIDs {
		r.edges[e] = struct{}{}
	}
	r.edgeList = sortedKeys(r.edges)
	m.runs[runID] = r
	zap.L().Debug("refresh: run created", zap.String("run_id", runID), zap.Int("edges", len(r.edgeList)))
	return m.metadataLocked(r), nil
}

// RecordEdgeChanges marks edges of the run as changed. Edges outside the
// run's edge set are ignored. It returns the number newly marked.
func (m *Manager) RecordEdgeChanges(runID string, edgeIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return 0, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	return markChanged(r, edgeIDs), nil
}

// RecordChangedEdges marks edges as changed in every run containing them and
// returns the ids of the runs touched.
func (m *Manager) RecordChangedEdges(edgeIDs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var touched []string
	for id, r := range m.runs {
		if markChanged(r, edgeIDs) > 0 {
			touched = append(touched, id)
		}
	}
	sort.Strings(touched)
	return touched
}

func markChanged(r *run, edgeIDs []string) int {
	n := 0
	for _, e := range edgeIDs {
		if _, in := r.edges[e]; !in {
			continue
		}
		if _, seen := r.changed[e]; !seen {
			r.changed[e] = struct{}{}
			n++
		}
	}
	return n
}

// ShouldUsePartialRefresh reports whether the run may be refreshed
// partially, with the reason.
func (m *Manager) ShouldUsePartialRefresh(runID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return false, ReasonUnknownRun
	}
	return m.eligibleLocked(r)
}

func (m *Manager) eligibleLocked(r *run) (bool, string) {
	if m.now().Sub(r.lastActivity()) >= m.cfg.MaxRunAge {
		return false, ReasonStale
	}
	if len(r.changed) == 0 {
		return false, ReasonNoChanges
	}
	if len(r.edges) == 0 || float64(len(r.changed))/float64(len(r.edges)) >= m.cfg.MaxChangedRatio {
		return false, ReasonChangeRatio
	}
	return true, ReasonEligible
}

// begin claims the run for one execution and captures its scope.
func (m *Manager) begin(runID string) (*run, []string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil, nil, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if r.inFlight {
		return nil, nil, nil, eris.Wrapf(ErrRefreshInProgress, "run %s", runID)
	}
	r.inFlight = true
	return r, append([]string(nil), r.edgeList...), sortedKeys(r.changed), nil
}

func (m *Manager) end(r *run) {
	m.mu.Lock()
	r.inFlight = false
	m.mu.Unlock()
}

func (m *Manager) filter(edges []string) ([]string, int) {
	m.mu.Lock()
	keep := m.edgeFilter
	m.mu.Unlock()
	if keep == nil {
		return edges, 0
	}
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, len(edges) - len(out)
}

// ExecutePartialRefresh recomputes only the changed edges of the run. An
// ineligible run gets a full rebuild instead. A failing partial call, or one
// scoring below the run's best, is followed by a full rebuild whose result
// is reported.
func (m *Manager) ExecutePartialRefresh(ctx context.Context, runID string, fn RecomputeFunc) (Outcome, error) {
	r, edges, changed, err := m.begin(runID)
	if err != nil {
		return Outcome{}, err
	}
	defer m.end(r)

	m.mu.Lock()
	ok, reason := m.eligibleLocked(r)
	prevBest, hasBest := r.bestScore, r.hasBest
	m.mu.Unlock()

	if !ok {
		out, err := m.full(ctx, r, edges, changed, fn)
		out.FallbackReason = FallbackIneligible
		out.IneligibleReason = reason
		return out, err
	}

	scope, excluded := m.filter(changed)
	start := m.now()
	res, perr := fn(ctx, RecomputeRequest{
		RunID:        runID,
		Type:         PartialRefresh,
		EdgeIDs:      scope,
		ChangedEdges: changed,
		TotalEdges:   len(edges),
	})
	dur := m.now().Sub(start)

	var fallback string
	switch {
	case perr != nil:
		fallback = FallbackPartialError
	case hasBest && res.Score < prevBest:
		fallback = FallbackScoreRegression
	}

	if fallback == "" {
		m.mu.Lock()
		m.partialCount++
		m.partialTotal += dur
		r.partialCount++
		m.commitLocked(r, changed, res.Score)
		best := r.bestScore
		m.mu.Unlock()

		out := Outcome{
			RunID:          runID,
			Type:           PartialRefresh,
			Score:          res.Score,
			BestScore:      best,
			PreviousBest:   prevBest,
			DurationMs:     millis(dur),
			EdgesProcessed: processed(res, scope),
			EdgesExcluded:  excluded,
			ChangedEdges:   len(changed),
			duration:       dur,
		}
		m.report(out)
		return out, nil
	}

	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
	zap.L().Warn("refresh: partial refresh fell back to full rebuild",
		zap.String("run_id", runID),
		zap.String("reason", fallback),
		zap.Float64("partial_score", res.Score),
		zap.Float64("best_score", prevBest),
		zap.Error(perr),
	)

	out, err := m.full(ctx, r, edges, changed, fn)
	out.FallbackReason = fallback
	out.PartialScore = res.Score
	if perr != nil {
		out.PartialError = perr.Error()
	}
	return out, err
}

// ExecuteFullRebuild recomputes every edge of the run.
func (m *Manager) ExecuteFullRebuild(ctx context.Context, runID string, fn RecomputeFunc) (Outcome, error) {
	r, edges, changed, err := m.begin(runID)
	if err != nil {
		return Outcome{}, err
	}
	defer m.end(r)
	return m.full(ctx, r, edges, changed, fn)
}

func (m *Manager) full(ctx context.Context, r *run, edges, changed []string, fn RecomputeFunc) (Outcome, error) {
	scope, excluded := m.filter(edges)

	m.mu.Lock()
	prevBest, hadBest := r.bestScore, r.hasBest
	m.mu.Unlock()

	start := m.now()
	res, err := fn(ctx, RecomputeRequest{
		RunID:        r.id,
		Type:         FullRebuild,
		EdgeIDs:      scope,
		ChangedEdges: changed,
		TotalEdges:   len(edges),
	})
	dur := m.now().Sub(start)

	if err != nil {
		m.mu.Lock()
		m.failures++
		best := r.bestScore
		m.mu.Unlock()
		zap.L().Error("refresh: full rebuild failed", zap.String("run_id", r.id), zap.Error(err))
		m.sink.Record(telemetry.Record{
			Category: telemetry.CategoryRefresh,
			Action:   string(FullRebuild),
			Subject:  r.id,
			Result:   "failed",
			Fields:   map[string]any{"error": err.Error(), "best_score": best},
		})
		return Outcome{RunID: r.id, Type: FullRebuild, Score: best, BestScore: best, PreviousBest: prevBest, DurationMs: millis(dur)},
			&RefreshError{RunID: r.id, Type: FullRebuild, BestScore: best, Err: err}
	}

	m.mu.Lock()
	m.fullCount++
	m.fullTotal += dur
	r.fullCount++
	m.commitLocked(r, changed, res.Score)
	best := r.bestScore
	m.mu.Unlock()

	out := Outcome{
		RunID:          r.id,
		Type:           FullRebuild,
		Score:          res.Score,
		BestScore:      best,
		PreviousBest:   prevBest,
		DurationMs:     millis(dur),
		EdgesProcessed: processed(res, scope),
		EdgesExcluded:  excluded,
		ChangedEdges:   len(changed),
		FullScore:      res.Score,
		duration:       dur,
	}
	if hadBest && res.Score < prevBest {
		out.Score = prevBest
		out.Regressed = true
		zap.L().Warn("refresh: full rebuild scored below confirmed best",
			zap.String("run_id", r.id),
			zap.Float64("full_score", res.Score),
			zap.Float64("best_score", prevBest),
		)
	}
	m.report(out)
	return out, nil
}

// commitLocked clears the changes captured at execution start. Changes
// recorded while the recompute ran stay pending.
func (m *Manager) commitLocked(r *run, captured []string, score float64) {
	for _, e := range captured {
		delete(r.changed, e)
	}
	r.refreshCount++
	r.lastRefresh = m.now()
	if !r.hasBest || score > r.bestScore {
		r.bestScore = score
		r.hasBest = true
	}
}

func (m *Manager) report(out Outcome) {
	metrics.ObserveRefresh(string(out.Type), out.duration)
	m.sink.Record(telemetry.Record{
		Category: telemetry.CategoryRefresh,
		Action:   string(out.Type),
		Subject:  out.RunID,
		Result:   "ok",
		Fields: map[string]any{
			"score":           out.Score,
			"best_score":      out.BestScore,
			"duration_ms":     out.DurationMs,
			"edges_processed": out.EdgesProcessed,
			"regressed":       out.Regressed,
		},
	})
}

func processed(res RecomputeResult, scope []string) int {
	if res.EdgesProcessed > 0 {
		return res.EdgesProcessed
	}
	return len(scope)
}

// Run returns the run's metadata.
func (m *Manager) Run(runID string) (RunMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return RunMetadata{}, false
	}
	return m.metadataLocked(r), true
}

// Runs returns metadata for every open run ordered by id.
func (m *Manager) Runs() []RunMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunMetadata, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, m.metadataLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// DirtyRuns returns the ids of idle runs with pending changes.
func (m *Manager) DirtyRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, r := range m.runs {
		if len(r.changed) > 0 && !r.inFlight {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) metadataLocked(r *run) RunMetadata {
	return RunMetadata{
		RunID:           r.id,
		Edges:           append([]string(nil), r.edgeList...),
		ChangedEdges:    sortedKeys(r.changed),
		RefreshCount:    r.refreshCount,
		PartialCount:    r.partialCount,
		FullCount:       r.fullCount,
		IsStale:         m.now().Sub(r.lastActivity()) >= m.cfg.MaxRunAge,
		CreatedAt:       r.createdAt,
		LastRefreshTime: r.lastRefresh,
		BestScore:       r.bestScore,
		HasBest:         r.hasBest,
		InFlight:        r.inFlight,
	}
}

// CloseRun forgets a run. Closing a run with a refresh in flight fails.
func (m *Manager) CloseRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if r.inFlight {
		return eris.Wrapf(ErrRefreshInProgress, "run %s", runID)
	}
	delete(m.runs, runID)
	return nil
}

// AgeOut closes idle runs whose last activity is older than the run TTL and
// returns their ids.
func (m *Manager) AgeOut(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []string
	for id, r := range m.runs {
		if !r.inFlight && now.Sub(r.lastActivity()) > m.cfg.RunTTL {
			delete(m.runs, id)
			closed = append(closed, id)
		}
	}
	sort.Strings(closed)
	if len(closed) > 0 {
		zap.L().Info("refresh: aged out runs", zap.Strings("run_ids", closed))
	}
	return closed
}

// PerformanceStats returns aggregate refresh statistics.
func (m *Manager) PerformanceStats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := PerformanceStats{
		PartialCount: m.partialCount,
		FullCount:    m.fullCount,
		Fallbacks:    m.fallbacks,
		Failures:     m.failures,
		ActiveRuns:   len(m.runs),
	}
	if m.partialCount > 0 {
		s.AvgPartialMs = float64(m.partialTotal.Microseconds()) / 1000 / float64(m.partialCount)
	}
	if m.fullCount > 0 {
		s.AvgFullMs = float64(m.fullTotal.Microseconds()) / 1000 / float64(m.fullCount)
	}
	if attempts := m.partialCount + m.fallbacks; attempts > 0 {
		s.FallbackRate = float64(m.fallbacks) / float64(attempts) * 100
	}
	if s.AvgFullMs > 0 && s.AvgPartialMs > 0 {
		s.LatencyImprovementPct = (s.AvgFullMs - s.AvgPartialMs) / s.AvgFullMs * 100
	}
	return s
}

// IsRefreshFailure reports whether err came from a failed full rebuild.
func IsRefreshFailure(err error) bool {
	return errors.Is(err, ErrRefreshFailed)
}
