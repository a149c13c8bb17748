// Package metrics exposes the prometheus collectors for the recompute core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recompute_core"

var (
	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Structured sink records, partitioned by category, action and result.",
		},
		[]string{"category", "action", "result"},
	)

	providerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_state",
			Help:      "Provider health state (0 healthy, 1 degraded, 2 failing, 3 circuit open).",
		},
		[]string{"provider"},
	)

	providerLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Observed provider call latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	loadMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_degraded",
			Help:      "1 while the load controller is in degraded mode.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_queue_depth",
			Help:      "Pending batched plus deferred recompute events.",
		},
	)

	refreshDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_seconds",
			Help:      "Refresh latency in seconds, partitioned by refresh type.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"type"},
	)

	integrityHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_health_score",
			Help:      "Dependency index health score between 0 and 1.",
		},
	)
)

// Register attaches the collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		recordsTotal,
		providerState,
		providerLatencySeconds,
		loadMode,
		queueDepth,
		refreshDurationSeconds,
		integrityHealth,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRecord counts one sink record.
func ObserveRecord(category, action, result string) {
	if result == "" {
		result = "ok"
	}
	recordsTotal.WithLabelValues(category, action, result).Inc()
}

// SetProviderState records the numeric state level for a provider.
func SetProviderState(provider string, level int) {
	providerState.WithLabelValues(provider).Set(float64(level))
}

// ObserveProviderLatency records one provider call latency.
func ObserveProviderLatency(provider string, latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	providerLatencySeconds.WithLabelValues(provider).Observe(latency.Seconds())
}

// SetLoadDegraded flips the degraded-mode gauge.
func SetLoadDegraded(degraded bool) {
	if degraded {
		loadMode.Set(1)
		return
	}
	loadMode.Set(0)
}

// SetQueueDepth records the current pending queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// ObserveRefresh records a refresh duration by type.
func ObserveRefresh(refreshType string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	refreshDurationSeconds.WithLabelValues(refreshType).Observe(duration.Seconds())
}

// SetHealthScore records the dependency index health score.
func SetHealthScore(score float64) {
	integrityHealth.Set(score)
}
