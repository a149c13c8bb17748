package bus

import (
	"time"

	"github.com/itzcole03/recompute-core/internal/config"
)

// FromConfig converts the bus section of the application config.
func FromConfig(c config.BusConfig) Config {
	return Config{
		FailureThreshold:   c.HandlerFailureThreshold,
		DeadLetterCapacity: c.DeadLetterCapacity,
		DeadLetterTTL:      time.Duration(c.DeadLetterTTLHours) * time.Hour,
	}
}

// BatcherFromConfig converts the batch section of the application config.
func BatcherFromConfig(c config.BatchConfig) BatcherConfig {
	return BatcherConfig{
		Classifier:     Classifier{MicroThreshold: c.MicroThreshold, MajorThreshold: c.MajorThreshold},
		DebounceWindow: time.Duration(c.DebounceMs) * time.Millisecond,
		Window:         time.Duration(c.WindowMs) * time.Millisecond,
		MaxEvents:      c.MaxEvents,
		FlushInterval:  time.Duration(c.FlushIntervalMs) * time.Millisecond,
		DebounceTTL:    time.Duration(c.DebounceTTLSecs) * time.Second,
	}
}
