package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Decision is a gate's verdict on a non-debounced event.
type Decision string

const (
	DecisionAccept   Decision = "accept"
	DecisionCoalesce Decision = "coalesce"
	DecisionDefer    Decision = "defer"
)

// Gate sits between classification and batching. Observe sees every
// received event; Admit decides the fate of events that survived debounce.
// The batcher never holds its own lock while calling a gate.
type Gate interface {
	Observe(ev RecomputeEvent)
	Admit(ev RecomputeEvent) Decision
}

// Admission statuses.
const (
	StatusBatched   = "batched"
	StatusDebounced = "debounced"
	StatusCoalesced = "coalesced"
	StatusDeferred  = "deferred"
	StatusFlushed   = "flushed"
)

// Flush reasons.
const (
	ReasonAge   = "age"
	ReasonSize  = "size"
	ReasonMajor = "major"
	ReasonDrain = "drain"
)

// Admission reports what happened to a submitted event.
type Admission struct {
	Status  string        `json:"status"`
	EventID string        `json:"event_id"`
	Class   Class         `json:"class"`
	Batch   *BatchSummary `json:"batch,omitempty"`
}

// BatchSummary is the payload of a recompute_batch event.
type BatchSummary struct {
	PropID         string        `json:"prop_id"`
	EventCount     int           `json:"event_count"`
	BatchAgeMs     int64         `json:"batch_age_ms"`
	EventTypes     []string      `json:"event_types"`
	Magnitude      float64       `json:"magnitude"`
	Dominant       Class         `json:"dominant_class"`
	ClassCounts    map[Class]int `json:"class_counts"`
	TotalCost      float64       `json:"total_cost"`
	EventIDs       []string      `json:"event_ids"`
	FirstEventTime time.Time     `json:"first_event_time"`
	LastEventTime  time.Time     `json:"last_event_time"`
	FlushedAt      time.Time     `json:"flushed_at"`
	Reason         string        `json:"reason"`
}

// BatcherConfig controls debouncing and flush thresholds.
type BatcherConfig struct {
	Classifier     Classifier
	DebounceWindow time.Duration
	Window         time.Duration
	MaxEvents      int
	FlushInterval  time.Duration
	DebounceTTL    time.Duration
}

// BatcherStats are cumulative batcher counters.
type BatcherStats struct {
	Received       int64 `json:"events_received"`
	Debounced      int64 `json:"debounced"`
	Coalesced      int64 `json:"coalesced"`
	Deferred       int64 `json:"deferred"`
	Requeued       int64 `json:"requeued"`
	BatchesFlushed int64 `json:"batches_flushed"`
	PendingBatches int   `json:"pending_batches"`
	PendingEvents  int   `json:"pending_events"`
}

type microBatch struct {
	events []RecomputeEvent
	first  time.Time
	last   time.Time
}

// Batcher groups recompute events per prop and emits one recompute_batch
// event per flushed batch.
type Batcher struct {
	cfg  BatcherConfig
	bus  *Bus
	gate Gate
	now  func() time.Time

	mu        sync.Mutex
	batches   map[string]*microBatch
	debounce  map[string]time.Time
	lastPrune time.Time
	stats     BatcherStats
}

// NewBatcher creates a batcher emitting on b. gate may be nil.
func NewBatcher(cfg BatcherConfig, b *Bus, gate Gate) *Batcher {
	if cfg.Classifier == (Classifier{}) {
		cfg.Classifier = DefaultClassifier()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 5 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 250 * time.Millisecond
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.DebounceTTL <= 0 {
		cfg.DebounceTTL = time.Hour
	}
	return &Batcher{
		cfg:      cfg,
		bus:      b,
		gate:     gate,
		now:      time.Now,
		batches:  make(map[string]*microBatch),
		debounce: make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (b *Batcher) SetClock(now func() time.Time) { b.now = now }

// SetGate installs the admission gate. Call before events flow.
func (b *Batcher) SetGate(g Gate) { b.gate = g }

// Classifier returns the configured classifier.
func (b *Batcher) Classifier() Classifier { return b.cfg.Classifier }

// Prepare fills in id, timestamp, class and cost when unset.
func (b *Batcher) Prepare(ev RecomputeEvent) RecomputeEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	if ev.Class == "" {
		ev.Class = b.cfg.Classifier.Classify(ev.Magnitude)
	}
	if ev.Cost == 0 {
		ev.Cost = EstimateCost(ev.Class, ev.EventType)
	}
	return ev
}

// Add classifies ev, applies debounce and the gate, and joins it to its
// prop's batch. Major events flush their batch immediately.
func (b *Batcher) Add(ctx context.Context, ev RecomputeEvent) (Admission, error) {
	if ev.PropID == "" {
		return Admission{}, eris.New("bus: recompute event has no prop id")
	}
	ev = b.Prepare(ev)
	adm := Admission{EventID: ev.ID, Class: ev.Class}

	if b.gate != nil {
		b.gate.Observe(ev)
	}

	now := b.now()
	b.mu.Lock()
	b.stats.Received++
	if ev.Class == ClassMicro {
		if last, ok := b.debounce[ev.PropID]; ok && now.Sub(last) < b.cfg.DebounceWindow {
			b.stats.Debounced++
			b.mu.Unlock()
			adm.Status = StatusDebounced
			return adm, nil
		}
	}
	b.mu.Unlock()

	decision := DecisionAccept
	if b.gate != nil {
		decision = b.gate.Admit(ev)
	}
	if decision == DecisionDefer {
		b.mu.Lock()
		b.stats.Deferred++
		b.mu.Unlock()
		adm.Status = StatusDeferred
		return adm, nil
	}

	b.mu.Lock()
	adm.Status = StatusBatched
	if decision == DecisionCoalesce {
		if n := b.dropMicroLocked(ev.PropID); n > 0 {
			b.stats.Coalesced += int64(n)
			adm.Status = StatusCoalesced
		}
	}
	summary := b.appendLocked(ev, now)
	b.mu.Unlock()

	if summary != nil {
		b.emit(ctx, summary)
		adm.Status = StatusFlushed
		adm.Batch = summary
	}
	return adm, nil
}

// Requeue re-admits a previously deferred event, bypassing debounce and the
// gate.
func (b *Batcher) Requeue(ctx context.Context, ev RecomputeEvent) Admission {
	ev = b.Prepare(ev)
	now := b.now()
	b.mu.Lock()
	b.stats.Requeued++
	summary := b.appendLocked(ev, now)
	b.mu.Unlock()

	adm := Admission{Status: StatusBatched, EventID: ev.ID, Class: ev.Class}
	if summary != nil {
		b.emit(ctx, summary)
		adm.Status = StatusFlushed
		adm.Batch = summary
	}
	return adm
}

func (b *Batcher) dropMicroLocked(propID string) int {
	mb, ok := b.batches[propID]
	if !ok {
		return 0
	}
	kept := mb.events[:0]
	for _, e := range mb.events {
		if e.Class != ClassMicro {
			kept = append(kept, e)
		}
	}
	dropped := len(mb.events) - len(kept)
	mb.events = kept
	return dropped
}

// appendLocked joins ev to its batch and returns a summary when the batch
// must flush now.
func (b *Batcher) appendLocked(ev RecomputeEvent, now time.Time) *BatchSummary {
	mb, ok := b.batches[ev.PropID]
	if !ok {
		mb = &microBatch{first: now}
		b.batches[ev.PropID] = mb
	}
	mb.events = append(mb.events, ev)
	mb.last = now

	switch {
	case ev.Class == ClassMajor:
		return b.flushLocked(ev.PropID, ReasonMajor, now)
	case len(mb.events) >= b.cfg.MaxEvents:
		return b.flushLocked(ev.PropID, ReasonSize, now)
	}
	return nil
}

func (b *Batcher) flushLocked(propID, reason string, now time.Time) *BatchSummary {
	mb, ok := b.batches[propID]
	if !ok {
		return nil
	}
	delete(b.batches, propID)
	b.debounce[propID] = now
	if len(mb.events) == 0 {
		return nil
	}
	b.stats.BatchesFlushed++
	return summarize(propID, mb, reason, now)
}

func summarize(propID string, mb *microBatch, reason string, now time.Time) *BatchSummary {
	s := &BatchSummary{
		PropID:         propID,
		EventCount:     len(mb.events),
		BatchAgeMs:     now.Sub(mb.first).Milliseconds(),
		Dominant:       ClassMicro,
		ClassCounts:    make(map[Class]int),
		EventIDs:       make([]string, 0, len(mb.events)),
		FirstEventTime: mb.first,
		LastEventTime:  mb.last,
		FlushedAt:      now,
		Reason:         reason,
	}
	seen := make(map[string]bool)
	for _, e := range mb.events {
		if m := abs(e.Magnitude); m > s.Magnitude {
			s.Magnitude = m
		}
		if e.Class.Rank() > s.Dominant.Rank() {
			s.Dominant = e.Class
		}
		s.ClassCounts[e.Class]++
		s.TotalCost += e.Cost
		s.EventIDs = append(s.EventIDs, e.ID)
		if !seen[e.EventType] {
			seen[e.EventType] = true
			s.EventTypes = append(s.EventTypes, e.EventType)
		}
	}
	return s
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (b *Batcher) emit(ctx context.Context, s *BatchSummary) {
	if b.bus == nil {
		return
	}
	res := b.bus.Emit(ctx, EventRecomputeBatch, *s)
	if res.Failed > 0 {
		zap.L().Debug("bus: recompute batch had handler failures",
			zap.String("prop_id", s.PropID),
			zap.Int("failed", res.Failed),
		)
	}
}

// FlushDue flushes every batch older than the window and returns the number
// of batches emitted.
func (b *Batcher) FlushDue(ctx context.Context) int {
	return b.flushWhere(ctx, ReasonAge, func(mb *microBatch, now time.Time) bool {
		return now.Sub(mb.first) >= b.cfg.Window
	})
}

// FlushAll flushes every pending batch regardless of age.
func (b *Batcher) FlushAll(ctx context.Context) int {
	return b.flushWhere(ctx, ReasonDrain, func(*microBatch, time.Time) bool { return true })
}

func (b *Batcher) flushWhere(ctx context.Context, reason string, due func(*microBatch, time.Time) bool) int {
	now := b.now()
	b.mu.Lock()
	props := make([]string, 0, len(b.batches))
	for id, mb := range b.batches {
		if due(mb, now) {
			props = append(props, id)
		}
	}
	sort.Strings(props)
	summaries := make([]*BatchSummary, 0, len(props))
	for _, id := range props {
		if s := b.flushLocked(id, reason, now); s != nil {
			summaries = append(summaries, s)
		}
	}
	b.mu.Unlock()

	for _, s := range summaries {
		b.emit(ctx, s)
	}
	return len(summaries)
}

// Pending returns the number of events waiting in unflushed batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, mb := range b.batches {
		n += len(mb.events)
	}
	return n
}

// PruneDebounce forgets debounce timestamps older than the TTL.
func (b *Batcher) PruneDebounce() int {
	cutoff := b.now().Add(-b.cfg.DebounceTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, ts := range b.debounce {
		if ts.Before(cutoff) {
			delete(b.debounce, id)
			n++
		}
	}
	b.lastPrune = b.now()
	return n
}

// Stats returns cumulative counters plus current pending sizes.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.PendingBatches = len(b.batches)
	for _, mb := range b.batches {
		s.PendingEvents += len(mb.events)
	}
	return s
}

// Run flushes due batches every flush interval until ctx is cancelled.
// Unflushed batches are discarded on cancellation.
func (b *Batcher) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "bus.batcher"))
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.FlushDue(ctx)

			b.mu.Lock()
			prune := b.now().Sub(b.lastPrune) >= time.Minute
			b.mu.Unlock()
			if prune {
				if n := b.PruneDebounce(); n > 0 {
					log.Debug("pruned debounce entries", zap.Int("count", n))
				}
			}
		}
	}
}
