// Package bus dispatches events to registered handlers with per-handler
// failure isolation and dead-lettering, and turns recompute events into
// debounced micro-batches.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/resilience"
	"github.com/itzcole03/recompute-core/internal/ring"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// Event types emitted by the core.
const (
	EventRecomputeBatch      = "recompute_batch"
	EventLoadModeChanged     = "load_mode_changed"
	EventIntegrityIssue      = "integrity_issue"
	EventIntegrityRemediated = "integrity_remediated"
	EventClusterSurfaced     = "cluster_surfaced"
)

// Event is one emission.
type Event struct {
	ID        string
	Type      string
	Data      any
	EmittedAt time.Time
}

// Handler processes an event. A returned error or a panic counts as a
// handler failure.
type Handler func(ctx context.Context, ev Event) error

// HandlerID identifies one registration.
type HandlerID string

// HandlerError describes one failed handler invocation.
type HandlerError struct {
	EventType string
	HandlerID HandlerID
	Failures  int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s (%d consecutive): %v", e.HandlerID, e.EventType, e.Failures, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DeadLetter is an event a handler kept failing on.
type DeadLetter struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	HandlerID HandlerID `json:"handler_id"`
	Failures  int       `json:"exception_count"`
	Error     string    `json:"error"`
	Category  string    `json:"error_category"`
	DataKeys  []string  `json:"data_keys,omitempty"`
	At        time.Time `json:"timestamp"`
}

// EmitResult summarises one emission.
type EmitResult struct {
	Delivered    int
	Failed       int
	DeadLettered int
	Errors       []*HandlerError
}

// Config controls failure counting and the dead-letter buffer.
type Config struct {
	// FailureThreshold is the consecutive failure count at which an event is
	// dead-lettered. Default: 3.
	FailureThreshold int
	// DeadLetterCapacity bounds the dead-letter ring. Default: 1000.
	DeadLetterCapacity int
	// DeadLetterTTL is how long Run keeps dead letters. Default: 24h.
	DeadLetterTTL time.Duration
}

// Stats are cumulative bus counters.
type Stats struct {
	Emitted         int64          `json:"emitted"`
	Delivered       int64          `json:"delivered"`
	Failed          int64          `json:"failed"`
	DeadLettered    int64          `json:"dead_lettered"`
	DeadLetterDepth int            `json:"dead_letter_depth"`
	Handlers        map[string]int `json:"handlers"`
}

type registration struct {
	id   HandlerID
	name string
	fn   Handler
}

type failureKey struct {
	eventType string
	handler   HandlerID
}

// Bus is the event dispatcher. Handlers run sequentially in registration
// order on the emitting goroutine, outside the bus locks.
type Bus struct {
	cfg  Config
	sink telemetry.Sink
	now  func() time.Time

	mu       sync.RWMutex
	handlers map[string][]registration
	seq      int

	failMu   sync.Mutex
	failures map[failureKey]int
	dead     *ring.Buffer[DeadLetter]
	stats    Stats
}

// New creates a bus.
func New(cfg Config, sink telemetry.Sink) *Bus {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = 1000
	}
	if cfg.DeadLetterTTL <= 0 {
		cfg.DeadLetterTTL = 24 * time.Hour
	}
	if sink == nil {
		sink = telemetry.Nop()
	}
	return &Bus{
		cfg:      cfg,
		sink:     sink,
		now:      time.Now,
		handlers: make(map[string][]registration),
		failures: make(map[failureKey]int),
		dead:     ring.New[DeadLetter](cfg.DeadLetterCapacity),
	}
}

// SetClock replaces the time source.
func (b *Bus) SetClock(now func() time.Time) { b.now = now }

// Register adds a handler for eventType and returns its id.
func (b *Bus) Register(eventType, name string, fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := HandlerID(fmt.Sprintf("%s:%s#%d", eventType, name, b.seq))
	b.handlers[eventType] = append(b.handlers[eventType], registration{id: id, name: name, fn: fn})
	zap.L().Debug("bus: handler registered",
		zap.String("event_type", eventType),
		zap.String("handler_id", string(id)),
	)
	return id
}

// Unregister removes a handler. It reports whether the handler existed.
func (b *Bus) Unregister(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for et, regs := range b.handlers {
		for i, r := range regs {
			if r.id != id {
				continue
			}
			b.handlers[et] = append(regs[:i:i], regs[i+1:]...)
			b.failMu.Lock()
			delete(b.failures, failureKey{eventType: et, handler: id})
			b.failMu.Unlock()
			return true
		}
	}
	return false
}

// Emit dispatches data to every handler of eventType. A failing handler
// never prevents delivery to the others.
func (b *Bus) Emit(ctx context.Context, eventType string, data any) EmitResult {
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	ev := Event{ID: uuid.NewString(), Type: eventType, Data: data, EmittedAt: b.now()}
	var res EmitResult
	for _, r := range regs {
		err := invoke(ctx, r.fn, ev)
		key := failureKey{eventType: eventType, handler: r.id}

		b.failMu.Lock()
		if err == nil {
			delete(b.failures, key)
			b.stats.Delivered++
			b.failMu.Unlock()
			res.Delivered++
			continue
		}
		b.failures[key]++
		count := b.failures[key]
		b.stats.Failed++
		var dl *DeadLetter
		if count >= b.cfg.FailureThreshold {
			dl = &DeadLetter{
				ID:        uuid.NewString(),
				EventID:   ev.ID,
				EventType: eventType,
				HandlerID: r.id,
				Failures:  count,
				Error:     err.Error(),
				Category:  string(resilience.Categorize(err)),
				DataKeys:  dataKeys(data),
				At:        ev.EmittedAt,
			}
			b.dead.Push(*dl)
			b.stats.DeadLettered++
		}
		b.failMu.Unlock()

		herr := &HandlerError{EventType: eventType, HandlerID: r.id, Failures: count, Err: err}
		res.Failed++
		res.Errors = append(res.Errors, herr)
		zap.L().Warn("bus: handler failed",
			zap.String("event_type", eventType),
			zap.String("handler_id", string(r.id)),
			zap.Int("consecutive_failures", count),
			zap.Error(err),
		)
		if dl != nil {
			res.DeadLettered++
			b.sink.Record(telemetry.Record{
				Category: telemetry.CategoryBus,
				Action:   "dead_letter",
				Subject:  string(r.id),
				Result:   "dead_lettered",
				Fields: map[string]any{
					"event_type":      eventType,
					"exception_count": count,
					"error":           err.Error(),
				},
			})
		}
	}

	b.failMu.Lock()
	b.stats.Emitted++
	b.failMu.Unlock()
	return res
}

func invoke(ctx context.Context, fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

func dataKeys(data any) []string {
	if data == nil {
		return nil
	}
	if m, ok := data.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	v := reflect.Indirect(reflect.ValueOf(data))
	if v.Kind() != reflect.Struct {
		return []string{fmt.Sprintf("%T", data)}
	}
	keys := make([]string, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		if f := v.Type().Field(i); f.IsExported() {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// ConsecutiveFailures returns the current failure streak of a handler.
func (b *Bus) ConsecutiveFailures(eventType string, id HandlerID) int {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.failures[failureKey{eventType: eventType, handler: id}]
}

// DeadLetters returns the dead-letter buffer, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.dead.Items()
}

// DeadLetterCount returns the number of buffered dead letters.
func (b *Bus) DeadLetterCount() int {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.dead.Len()
}

// PruneDeadLetters drops dead letters older than maxAge.
func (b *Bus) PruneDeadLetters(maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge)
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.dead.Retain(func(d DeadLetter) bool { return d.At.After(cutoff) })
}

// Stats returns cumulative counters and handler counts per event type.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	handlers := make(map[string]int, len(b.handlers))
	for et, regs := range b.handlers {
		handlers[et] = len(regs)
	}
	b.mu.RUnlock()

	b.failMu.Lock()
	defer b.failMu.Unlock()
	s := b.stats
	s.DeadLetterDepth = b.dead.Len()
	s.Handlers = handlers
	return s
}

// Run prunes expired dead letters on interval until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := zap.L().With(zap.String("component", "bus.cleanup"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.PruneDeadLetters(b.cfg.DeadLetterTTL); n > 0 {
				log.Info("pruned dead letters", zap.Int("count", n))
			}
		}
	}
}
