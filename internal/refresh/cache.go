package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/resilience"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// CorrelationProvider recomputes the correlation matrix for a set of props.
type CorrelationProvider interface {
	Correlations(ctx context.Context, propIDs []string) (map[string]map[string]float64, error)
}

// CorrelationFunc adapts a function to CorrelationProvider.
type CorrelationFunc func(ctx context.Context, propIDs []string) (map[string]map[string]float64, error)

// Correlations implements CorrelationProvider.
func (f CorrelationFunc) Correlations(ctx context.Context, propIDs []string) (map[string]map[string]float64, error) {
	return f(ctx, propIDs)
}

// CacheConfig controls correlation cache warming.
type CacheConfig struct {
	SizeThreshold int
	Interval      time.Duration
	Retry         resilience.RetryConfig
	// ProviderID names the correlation provider in the health tracker.
	ProviderID string
}

// CacheStats are warm counters.
type CacheStats struct {
	Triggers          int64   `json:"warm_cache_triggers" yaml:"warm_cache_triggers"`
	Successes         int64   `json:"successes" yaml:"successes"`
	Failures          int64   `json:"failures" yaml:"failures"`
	SkippedDuplicates int64   `json:"skipped_duplicates" yaml:"skipped_duplicates"`
	SkippedSmall      int64   `json:"skipped_small" yaml:"skipped_small"`
	HitRate           float64 `json:"hit_rate" yaml:"hit_rate"`
	Tracked           int     `json:"tracked_clusters" yaml:"tracked_clusters"`
}

// CacheScheduler warms the correlation matrix for large clusters, at most
// once per cluster per interval.
type CacheScheduler struct {
	cfg     CacheConfig
	agg     *Aggregator
	tracker *resilience.Tracker
	sink    telemetry.Sink
	now     func() time.Time

	mu     sync.Mutex
	warmed map[string]time.Time
	stats  CacheStats
}

// NewCacheScheduler creates a scheduler feeding warmed matrices into agg.
// tracker may be nil.
func NewCacheScheduler(cfg CacheConfig, agg *Aggregator, tracker *resilience.Tracker, sink telemetry.Sink) *CacheScheduler {
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "correlations"
	}
	if sink == nil {
		sink = telemetry.Nop()
	}
	return &CacheScheduler{
		cfg:     cfg,
		agg:     agg,
		tracker: tracker,
		sink:    sink,
		now:     time.Now,
		warmed:  make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (s *CacheScheduler) SetClock(now func() time.Time) { s.now = now }

// ShouldWarm reports whether the cluster is large enough and was not warmed
// within the interval.
func (s *CacheScheduler) ShouldWarm(c ImpactedCluster) bool {
	if len(c.PropIDs) < s.cfg.SizeThreshold {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.warmed[c.ID]
	return !ok || s.now().Sub(last) >= s.cfg.Interval
}

// ScheduleWarm recomputes the correlation matrix for the cluster's props
// through provider, retrying transient failures. It returns false without
// calling provider when the cluster is too small or was warmed recently.
func (s *CacheScheduler) ScheduleWarm(ctx context.Context, c ImpactedCluster, provider CorrelationProvider) (bool, error) {
	if provider == nil {
		return false, eris.New("refresh: no correlation provider")
	}
	now := s.now()

	s.mu.Lock()
	if len(c.PropIDs) < s.cfg.SizeThreshold {
		s.stats.SkippedSmall++
		s.mu.Unlock()
		return false, nil
	}
	last, seen := s.warmed[c.ID]
	if seen && now.Sub(last) < s.cfg.Interval {
		s.stats.SkippedDuplicates++
		s.mu.Unlock()
		return false, nil
	}
	// Reserve the slot so a concurrent trigger for the same cluster is a
	// duplicate.
	s.warmed[c.ID] = now
	s.stats.Triggers++
	s.mu.Unlock()

	retry := s.cfg.Retry
	retry.ShouldRetry = resilience.Guarded
	retry.OnRetry = resilience.RetryLogger(s.cfg.ProviderID, "warm_correlations")
	props := append([]string(nil), c.PropIDs...)

	start := s.now()
	matrix, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (map[string]map[string]float64, error) {
		if s.tracker == nil {
			return provider.Correlations(ctx, props)
		}
		return resilience.Call(ctx, s.tracker, s.cfg.ProviderID, func(ctx context.Context) (map[string]map[string]float64, error) {
			return provider.Correlations(ctx, props)
		})
	})
	elapsed := s.now().Sub(start)

	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		if seen {
			s.warmed[c.ID] = last
		} else {
			delete(s.warmed, c.ID)
		}
		s.mu.Unlock()
		zap.L().Warn("refresh: correlation cache warm failed",
			zap.String("cluster_id", c.ID), zap.Int("props", len(props)), zap.Error(err))
		s.record(c, "failed", elapsed, err)
		return false, eris.Wrapf(err, "refresh: warm cluster %s", c.ID)
	}

	if s.agg != nil {
		s.agg.UpdateCorrelationMatrix(matrix)
	}
	s.mu.Lock()
	s.stats.Successes++
	s.mu.Unlock()
	s.record(c, "warmed", elapsed, nil)
	return true, nil
}

func (s *CacheScheduler) record(c ImpactedCluster, result string, elapsed time.Duration, err error) {
	fields := map[string]any{
		"props":       len(c.PropIDs),
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.sink.Record(telemetry.Record{
		Category: telemetry.CategoryCache,
		Action:   "warm",
		Subject:  c.ID,
		Result:   result,
		Fields:   fields,
	})
}

// Prune forgets warm timestamps older than the interval.
func (s *CacheScheduler) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, at := range s.warmed {
		if now.Sub(at) >= s.cfg.Interval {
			delete(s.warmed, id)
			n++
		}
	}
	return n
}

// Stats returns warm counters. HitRate is the share of warm requests served
// from the recent-warm cache instead of the provider.
func (s *CacheScheduler) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Tracked = len(s.warmed)
	if total := st.Triggers + st.SkippedDuplicates; total > 0 {
		st.HitRate = float64(st.SkippedDuplicates) / float64(total)
	}
	return st
}
