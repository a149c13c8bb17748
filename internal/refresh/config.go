package refresh

import (
	"time"

	"github.com/itzcole03/recompute-core/internal/config"
	"github.com/itzcole03/recompute-core/internal/resilience"
)

// ManagerFromConfig converts the refresh section into run manager settings.
func ManagerFromConfig(c config.RefreshConfig) ManagerConfig {
	return ManagerConfig{
		MaxChangedRatio: c.MaxChangedRatio,
		MaxRunAge:       time.Duration(c.MaxRunAgeSecs) * time.Second,
		RunTTL:          time.Duration(c.RunTTLHours) * time.Hour,
	}
}

// AggregatorFromConfig converts the refresh section into clustering settings.
func AggregatorFromConfig(c config.RefreshConfig) AggregatorConfig {
	return AggregatorConfig{
		ImpactThreshold:      c.ClusterImpactThreshold,
		CorrelationThreshold: c.CorrelationThreshold,
		Window:               time.Duration(c.AggregationWindowSecs) * time.Second,
	}
}

// CoordinatorFromConfig converts the refresh section into coordinator
// settings.
func CoordinatorFromConfig(c config.RefreshConfig) CoordinatorConfig {
	return CoordinatorConfig{
		TrustedProviders: append([]string(nil), c.TrustedProviders...),
		AutoRefresh:      time.Duration(c.AutoRefreshSecs) * time.Second,
	}
}

// CacheFromConfig converts the cache section.
func CacheFromConfig(c config.CacheConfig) CacheConfig {
	return CacheConfig{
		SizeThreshold: c.ClusterSizeThreshold,
		Interval:      time.Duration(c.WarmIntervalSecs) * time.Second,
		Retry:         resilience.FromRetryConfig(c.RetryMaxAttempts, c.RetryBackoffMs),
	}
}
