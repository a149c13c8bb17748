// Package resilience tracks per-provider health with circuit breaking,
// exponential backoff and rolling metrics, and provides retry helpers for
// external calls.
package resilience

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/metrics"
	"github.com/itzcole03/recompute-core/internal/ring"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// ProviderState is the health state of a provider.
type ProviderState string

const (
	// StateHealthy means calls flow normally.
	StateHealthy ProviderState = "healthy"
	// StateDegraded is entered after DegradedThreshold consecutive failures.
	StateDegraded ProviderState = "degraded"
	// StateFailing is entered after FailingThreshold consecutive failures.
	StateFailing ProviderState = "failing"
	// StateCircuitOpen is entered after OpenThreshold consecutive failures.
	StateCircuitOpen ProviderState = "circuit_open"
)

// Level maps the state to a gauge value.
func (s ProviderState) Level() int {
	switch s {
	case StateDegraded:
		return 1
	case StateFailing:
		return 2
	case StateCircuitOpen:
		return 3
	default:
		return 0
	}
}

// ProviderConfig controls circuit breaking and metric windows for one provider.
type ProviderConfig struct {
	// BackoffBase is the backoff unit. Default: 1s.
	BackoffBase time.Duration

	// BackoffMultiplier scales the backoff per consecutive failure. Default: 2.0.
	BackoffMultiplier float64

	// BackoffMax caps the backoff. Default: 300s.
	BackoffMax time.Duration

	// DegradedThreshold, FailingThreshold and OpenThreshold are the
	// consecutive-failure counts for each state. Defaults: 2, 5, 10.
	DegradedThreshold int
	FailingThreshold  int
	OpenThreshold     int

	// SuccessThreshold is the number of consecutive probe successes that
	// close an open circuit. Default: 3.
	SuccessThreshold int

	// LatencyAlpha is the EMA smoothing factor. Default: 0.2.
	LatencyAlpha float64

	// SampleWindow is the number of recent outcomes behind SuccessRate5m.
	// Default: 300.
	SampleWindow int

	// LatencySamples bounds the latency ring used for p95. Default: 1000.
	LatencySamples int
}

// DefaultProviderConfig returns the standard provider thresholds.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		BackoffMax:        300 * time.Second,
		DegradedThreshold: 2,
		FailingThreshold:  5,
		OpenThreshold:     10,
		SuccessThreshold:  3,
		LatencyAlpha:      0.2,
		SampleWindow:      300,
		LatencySamples:    1000,
	}
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	d := DefaultProviderConfig()
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.FailingThreshold <= 0 {
		c.FailingThreshold = d.FailingThreshold
	}
	if c.OpenThreshold <= 0 {
		c.OpenThreshold = d.OpenThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = d.LatencyAlpha
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = d.SampleWindow
	}
	if c.LatencySamples <= 0 {
		c.LatencySamples = d.LatencySamples
	}
	return c
}

// Backoff returns min(base * multiplier^failures, max). Zero failures means
// no backoff.
func (c ProviderConfig) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	return computeBackoff(failures, RetryConfig{
		InitialBackoff: c.BackoffBase,
		MaxBackoff:     c.BackoffMax,
		Multiplier:     c.BackoffMultiplier,
	})
}

func (c ProviderConfig) stateFor(failures int) ProviderState {
	switch {
	case failures >= c.OpenThreshold:
		return StateCircuitOpen
	case failures >= c.FailingThreshold:
		return StateFailing
	case failures >= c.DegradedThreshold:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Outcome is the result of one provider call.
type Outcome struct {
	Success bool
	Latency time.Duration
	Err     error
}

// ProviderSnapshot is a point-in-time copy of a provider record.
type ProviderSnapshot struct {
	ProviderID          string         `json:"provider_id"`
	State               ProviderState  `json:"state"`
	Probing             bool           `json:"probing"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	ProbeSuccesses      int            `json:"probe_successes"`
	AvgLatencyMs        float64        `json:"avg_latency_ms"`
	P95LatencyMs        float64        `json:"p95_latency_ms"`
	SuccessRate5m       float64        `json:"success_rate_5m"`
	BackoffCurrentSec   float64        `json:"backoff_current_sec"`
	NextRetryTime       time.Time      `json:"next_retry_time"`
	TotalRequests       int64          `json:"total_requests"`
	Successful          int64          `json:"successful_requests"`
	Failed              int64          `json:"failed_requests"`
	ErrorCategories     map[string]int `json:"error_categories,omitempty"`
	LastSuccess         time.Time      `json:"last_success,omitempty"`
	LastFailure         time.Time      `json:"last_failure,omitempty"`
	StateChangedAt      time.Time      `json:"state_changed_at"`
}

type transition struct {
	from, to ProviderState
	action   string
	failures int
	backoff  time.Duration
}

type providerRecord struct {
	mu  sync.Mutex
	id  string
	cfg ProviderConfig

	state               ProviderState
	probing             bool
	probeSuccesses      int
	consecutiveFailures int
	backoff             time.Duration
	nextRetry           time.Time

	avgLatencyMs float64
	hasLatency   bool
	samples      *ring.Buffer[bool]
	latencies    *ring.Buffer[float64]

	total, successes, failures int64
	errorCategories            map[ErrorCategory]int
	lastSuccess, lastFailure   time.Time
	stateChangedAt             time.Time
}

func newProviderRecord(id string, cfg ProviderConfig, now time.Time) *providerRecord {
	return &providerRecord{
		id:              id,
		cfg:             cfg,
		state:           StateHealthy,
		samples:         ring.New[bool](cfg.SampleWindow),
		latencies:       ring.New[float64](cfg.LatencySamples),
		errorCategories: make(map[ErrorCategory]int),
		stateChangedAt:  now,
	}
}

// applyConfig swaps the config, resizing windows while keeping the newest samples.
func (r *providerRecord) applyConfig(cfg ProviderConfig) {
	if cfg.SampleWindow != r.samples.Cap() {
		next := ring.New[bool](cfg.SampleWindow)
		for _, s := range r.samples.Last(cfg.SampleWindow) {
			next.Push(s)
		}
		r.samples = next
	}
	if cfg.LatencySamples != r.latencies.Cap() {
		next := ring.New[float64](cfg.LatencySamples)
		for _, l := range r.latencies.Last(cfg.LatencySamples) {
			next.Push(l)
		}
		r.latencies = next
	}
	r.cfg = cfg
}

// maybeProbe enters half-open probing once the retry time of an open circuit
// has elapsed.
func (r *providerRecord) maybeProbe(now time.Time) bool {
	if r.state != StateCircuitOpen || r.probing || now.Before(r.nextRetry) {
		return false
	}
	r.probing = true
	r.probeSuccesses = 0
	return true
}

func (r *providerRecord) reset(now time.Time) {
	r.consecutiveFailures = 0
	r.backoff = 0
	r.nextRetry = time.Time{}
	r.probing = false
	r.probeSuccesses = 0
	r.setState(StateHealthy, now)
}

func (r *providerRecord) setState(s ProviderState, now time.Time) {
	if r.state != s {
		r.state = s
		r.stateChangedAt = now
	}
}

func (r *providerRecord) record(now time.Time, o Outcome) *transition {
	r.total++
	lat := float64(o.Latency) / float64(time.Millisecond)
	if lat < 0 {
		lat = 0
	}
	if !r.hasLatency {
		r.avgLatencyMs = lat
		r.hasLatency = true
	} else {
		r.avgLatencyMs = r.cfg.LatencyAlpha*lat + (1-r.cfg.LatencyAlpha)*r.avgLatencyMs
	}
	r.latencies.Push(lat)
	r.samples.Push(o.Success)

	from := r.state
	r.maybeProbe(now)

	if o.Success {
		r.successes++
		r.lastSuccess = now
		if r.state != StateCircuitOpen {
			r.reset(now)
		} else if r.probing {
			r.probeSuccesses++
			if r.probeSuccesses >= r.cfg.SuccessThreshold {
				r.reset(now)
				return &transition{from: from, to: StateHealthy, action: "circuit_closed"}
			}
		}
		if from != r.state {
			return &transition{from: from, to: r.state, action: "state_change"}
		}
		return nil
	}

	r.failures++
	r.lastFailure = now
	r.errorCategories[Categorize(o.Err)]++

	wasProbing := r.probing
	r.consecutiveFailures++
	r.backoff = r.cfg.Backoff(r.consecutiveFailures)
	r.nextRetry = now.Add(r.backoff)
	r.probing = false
	r.probeSuccesses = 0
	r.setState(r.cfg.stateFor(r.consecutiveFailures), now)

	switch {
	case wasProbing:
		return &transition{from: from, to: r.state, action: "circuit_reopened",
			failures: r.consecutiveFailures, backoff: r.backoff}
	case from != r.state:
		action := "state_change"
		if r.state == StateCircuitOpen {
			action = "circuit_opened"
		}
		return &transition{from: from, to: r.state, action: action,
			failures: r.consecutiveFailures, backoff: r.backoff}
	}
	return nil
}

func (r *providerRecord) successRate() float64 {
	items := r.samples.Items()
	if len(items) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range items {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(items))
}

func (r *providerRecord) p95() float64 {
	items := r.latencies.Items()
	if len(items) == 0 {
		return 0
	}
	sort.Float64s(items)
	idx := int(math.Ceil(0.95*float64(len(items)))) - 1
	if idx < 0 {
		idx = 0
	}
	return items[idx]
}

func (r *providerRecord) snapshot() ProviderSnapshot {
	cats := make(map[string]int, len(r.errorCategories))
	for k, v := range r.errorCategories {
		cats[string(k)] = v
	}
	return ProviderSnapshot{
		ProviderID:          r.id,
		State:               r.state,
		Probing:             r.probing,
		ConsecutiveFailures: r.consecutiveFailures,
		ProbeSuccesses:      r.probeSuccesses,
		AvgLatencyMs:        r.avgLatencyMs,
		P95LatencyMs:        r.p95(),
		SuccessRate5m:       r.successRate(),
		BackoffCurrentSec:   r.backoff.Seconds(),
		NextRetryTime:       r.nextRetry,
		TotalRequests:       r.total,
		Successful:          r.successes,
		Failed:              r.failures,
		ErrorCategories:     cats,
		LastSuccess:         r.lastSuccess,
		LastFailure:         r.lastFailure,
		StateChangedAt:      r.stateChangedAt,
	}
}

// Tracker owns the provider records. The map lock only guards lookup and
// insertion; each record serializes its own updates so one provider never
// blocks another.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*providerRecord
	defaults  ProviderConfig
	sink      telemetry.Sink

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewTracker creates a tracker using defaults for providers registered
// implicitly by RecordOutcome.
func NewTracker(defaults ProviderConfig, sink telemetry.Sink) *Tracker {
	if sink == nil {
		sink = telemetry.Nop()
	}
	return &Tracker{
		providers: make(map[string]*providerRecord),
		defaults:  defaults.withDefaults(),
		sink:      sink,
		nowFunc:   time.Now,
	}
}

// SetClock replaces the time source. Intended for tests and harnesses.
func (t *Tracker) SetClock(now func() time.Time) { t.nowFunc = now }

// Register creates or updates a provider. Existing metrics are kept.
func (t *Tracker) Register(providerID string, cfg ProviderConfig) {
	cfg = cfg.withDefaults()
	rec, created := t.get(providerID, cfg)
	if created {
		return
	}
	rec.mu.Lock()
	rec.applyConfig(cfg)
	rec.mu.Unlock()
}

func (t *Tracker) get(providerID string, cfg ProviderConfig) (*providerRecord, bool) {
	t.mu.RLock()
	rec, ok := t.providers[providerID]
	t.mu.RUnlock()
	if ok {
		return rec, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double-check after acquiring write lock.
	if rec, ok = t.providers[providerID]; ok {
		return rec, false
	}
	rec = newProviderRecord(providerID, cfg, t.nowFunc())
	t.providers[providerID] = rec
	metrics.SetProviderState(providerID, StateHealthy.Level())
	return rec, true
}

func (t *Tracker) lookup(providerID string) (*providerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.providers[providerID]
	return rec, ok
}

// RecordOutcome folds one call outcome into the provider's record. Unknown
// providers are registered with the tracker defaults.
func (t *Tracker) RecordOutcome(providerID string, o Outcome) {
	rec, _ := t.get(providerID, t.defaults)
	now := t.nowFunc()

	rec.mu.Lock()
	tr := rec.record(now, o)
	state := rec.state
	rec.mu.Unlock()

	metrics.ObserveProviderLatency(providerID, o.Latency)
	if tr == nil {
		return
	}
	metrics.SetProviderState(providerID, state.Level())
	t.emit(providerID, tr)
}

func (t *Tracker) emit(providerID string, tr *transition) {
	fields := map[string]any{
		"old_state": string(tr.from),
		"new_state": string(tr.to),
	}
	if tr.failures > 0 {
		fields["consecutive_failures"] = tr.failures
		fields["backoff_sec"] = tr.backoff.Seconds()
	}
	t.sink.Record(telemetry.Record{
		Category: telemetry.CategoryProvider,
		Action:   tr.action,
		Subject:  providerID,
		Result:   string(tr.to),
		Fields:   fields,
	})
}

// ShouldSkip reports whether callers must not contact the provider now.
// An open circuit whose retry time has elapsed enters probing and is not
// skipped. Unknown providers are never skipped.
func (t *Tracker) ShouldSkip(providerID string) (bool, time.Duration, ProviderState) {
	rec, ok := t.lookup(providerID)
	if !ok {
		return false, 0, StateHealthy
	}
	now := t.nowFunc()

	rec.mu.Lock()
	entered := rec.maybeProbe(now)
	state := rec.state
	probing := rec.probing
	next := rec.nextRetry
	failures := rec.consecutiveFailures
	rec.mu.Unlock()

	if entered {
		t.sink.Record(telemetry.Record{
			Category: telemetry.CategoryProvider,
			Action:   "probe_started",
			Subject:  providerID,
			Result:   string(state),
			Fields:   map[string]any{"consecutive_failures": failures},
		})
	}
	if probing {
		return false, 0, state
	}
	if now.Before(next) {
		return true, next.Sub(now), state
	}
	return false, 0, state
}

// Snapshot returns a copy of one provider record.
func (t *Tracker) Snapshot(providerID string) (ProviderSnapshot, bool) {
	rec, ok := t.lookup(providerID)
	if !ok {
		return ProviderSnapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), true
}

// Snapshots returns copies of all provider records ordered by id.
func (t *Tracker) Snapshots() []ProviderSnapshot {
	t.mu.RLock()
	recs := make([]*providerRecord, 0, len(t.providers))
	for _, rec := range t.providers {
		recs = append(recs, rec)
	}
	t.mu.RUnlock()

	out := make([]ProviderSnapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snapshot())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Summary aggregates provider states.
type Summary struct {
	Total        int                   `json:"total"`
	ByState      map[ProviderState]int `json:"by_state"`
	Available    int                   `json:"available"`
	Availability float64               `json:"availability"`
}

// Summary returns counts per state. Availability is the share of providers
// not currently skipped.
func (t *Tracker) Summary() Summary {
	s := Summary{ByState: make(map[ProviderState]int)}
	now := t.nowFunc()
	for _, snap := range t.Snapshots() {
		s.Total++
		s.ByState[snap.State]++
		if snap.Probing || !now.Before(snap.NextRetryTime) {
			s.Available++
		}
	}
	if s.Total > 0 {
		s.Availability = float64(s.Available) / float64(s.Total)
	} else {
		s.Availability = 1.0
	}
	return s
}

// Run periodically promotes due open circuits into probing so their
// recovery is visible without waiting for a caller. It blocks until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	log := zap.L().With(zap.String("component", "resilience.tracker"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("provider checks stopped")
			return
		case <-ticker.C:
			for _, snap := range t.Snapshots() {
				if snap.State == StateCircuitOpen && !snap.Probing {
					t.ShouldSkip(snap.ProviderID)
				}
			}
		}
	}
}
