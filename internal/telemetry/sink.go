// Package telemetry defines the structured record sink that receives one
// record per state transition, remediation action and dead-letter event.
package telemetry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/metrics"
)

// Record categories.
const (
	CategoryProvider  = "provider"
	CategoryBus       = "bus"
	CategoryLoad      = "load"
	CategoryIntegrity = "integrity"
	CategoryRefresh   = "refresh"
	CategoryCache     = "cache"
)

// Record is one structured sink entry.
type Record struct {
	Category string         `json:"category"`
	Action   string         `json:"action"`
	Subject  string         `json:"subject"` // provider, node, handler, run or cluster id
	Result   string         `json:"result"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink receives structured records.
type Sink interface {
	Record(r Record)
}

// LogSink writes records through zap and counts them in prometheus.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink writing to logger. A nil logger uses zap.L().
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.L()
	}
	return &LogSink{log: logger.With(zap.String("component", "telemetry.sink"))}
}

// Record implements Sink.
func (s *LogSink) Record(r Record) {
	fields := make([]zap.Field, 0, 4+len(r.Fields))
	fields = append(fields,
		zap.String("category", r.Category),
		zap.String("action", r.Action),
		zap.String("subject", r.Subject),
		zap.String("result", r.Result),
	)
	for k, v := range r.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.log.Info("core record", fields...)
	metrics.ObserveRecord(r.Category, r.Action, r.Result)
}

type nopSink struct{}

func (nopSink) Record(Record) {}

// Nop returns a sink that discards records.
func Nop() Sink { return nopSink{} }

// Recorder keeps records in memory. Tests and harnesses use it to assert
// on emitted records.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// Record implements Sink.
func (r *Recorder) Record(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Filter returns records matching category and action.
func (r *Recorder) Filter(category, action string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Category == category && rec.Action == action {
			out = append(out, rec)
		}
	}
	return out
}
