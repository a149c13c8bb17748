package resilience

import (
	"time"

	"github.com/itzcole03/recompute-core/internal/config"
)

// FromConfig converts the providers config section to a ProviderConfig.
func FromConfig(c config.ProvidersConfig) ProviderConfig {
	return ProviderConfig{
		BackoffBase:       time.Duration(c.BackoffBaseMs) * time.Millisecond,
		BackoffMultiplier: c.BackoffMultiplier,
		BackoffMax:        time.Duration(c.BackoffMaxSecs) * time.Second,
		DegradedThreshold: c.DegradedThreshold,
		FailingThreshold:  c.FailingThreshold,
		OpenThreshold:     c.OpenThreshold,
		SuccessThreshold:  c.SuccessThreshold,
		LatencyAlpha:      c.LatencyAlpha,
		SampleWindow:      c.SampleWindow,
		LatencySamples:    c.LatencySamples,
	}.withDefaults()
}

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	return cfg
}
