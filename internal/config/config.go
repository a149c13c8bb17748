package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Bus        BusConfig        `yaml:"bus" mapstructure:"bus"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Load       LoadConfig       `yaml:"load" mapstructure:"load"`
	Index      IndexConfig      `yaml:"index" mapstructure:"index"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ProvidersConfig configures per-provider circuit breaking and metrics.
type ProvidersConfig struct {
	BackoffBaseMs     int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	BackoffMaxSecs    int     `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	DegradedThreshold int     `yaml:"degraded_threshold" mapstructure:"degraded_threshold"`
	FailingThreshold  int     `yaml:"failing_threshold" mapstructure:"failing_threshold"`
	OpenThreshold     int     `yaml:"open_threshold" mapstructure:"open_threshold"`
	SuccessThreshold  int     `yaml:"success_threshold" mapstructure:"success_threshold"`
	LatencyAlpha      float64 `yaml:"latency_alpha" mapstructure:"latency_alpha"`
	SampleWindow      int     `yaml:"sample_window" mapstructure:"sample_window"`
	LatencySamples    int     `yaml:"latency_samples" mapstructure:"latency_samples"`
	CheckIntervalMs   int     `yaml:"check_interval_ms" mapstructure:"check_interval_ms"`
}

// BusConfig configures event dispatch and dead-lettering.
type BusConfig struct {
	HandlerFailureThreshold int `yaml:"handler_failure_threshold" mapstructure:"handler_failure_threshold"`
	DeadLetterCapacity      int `yaml:"dead_letter_capacity" mapstructure:"dead_letter_capacity"`
	DeadLetterTTLHours      int `yaml:"dead_letter_ttl_hours" mapstructure:"dead_letter_ttl_hours"`
}

// BatchConfig configures event classification, debouncing and micro-batching.
type BatchConfig struct {
	MicroThreshold  float64 `yaml:"micro_threshold" mapstructure:"micro_threshold"`
	MajorThreshold  float64 `yaml:"major_threshold" mapstructure:"major_threshold"`
	DebounceMs      int     `yaml:"debounce_ms" mapstructure:"debounce_ms"`
	WindowMs        int     `yaml:"window_ms" mapstructure:"window_ms"`
	MaxEvents       int     `yaml:"max_events" mapstructure:"max_events"`
	FlushIntervalMs int     `yaml:"flush_interval_ms" mapstructure:"flush_interval_ms"`
	DebounceTTLSecs int     `yaml:"debounce_ttl_secs" mapstructure:"debounce_ttl_secs"`
}

// LoadConfig configures the computational load controller.
type LoadConfig struct {
	BaselineEventsPerSec float64 `yaml:"baseline_events_per_sec" mapstructure:"baseline_events_per_sec"`
	EnterRatio           float64 `yaml:"enter_ratio" mapstructure:"enter_ratio"`
	ExitRatio            float64 `yaml:"exit_ratio" mapstructure:"exit_ratio"`
	ExitSustainSecs      int     `yaml:"exit_sustain_secs" mapstructure:"exit_sustain_secs"`
	MaxQueueDepth        int     `yaml:"max_queue_depth" mapstructure:"max_queue_depth"`
	WindowSecs           int     `yaml:"window_secs" mapstructure:"window_secs"`
	TickMs               int     `yaml:"tick_ms" mapstructure:"tick_ms"`
	DrainPerTick         int     `yaml:"drain_per_tick" mapstructure:"drain_per_tick"`
}

// IndexConfig configures the dependency integrity index.
type IndexConfig struct {
	GraceSecs            int `yaml:"grace_secs" mapstructure:"grace_secs"`
	SweepIntervalSecs    int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	SnapshotIntervalSecs int `yaml:"snapshot_interval_secs" mapstructure:"snapshot_interval_secs"`
	SnapshotRetain       int `yaml:"snapshot_retain" mapstructure:"snapshot_retain"`
	ChangeLogCapacity    int `yaml:"change_log_capacity" mapstructure:"change_log_capacity"`
}

// StoreConfig configures the snapshot backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RefreshConfig configures edge-change aggregation and partial refresh.
type RefreshConfig struct {
	MaxChangedRatio        float64  `yaml:"max_changed_ratio" mapstructure:"max_changed_ratio"`
	MaxRunAgeSecs          int      `yaml:"max_run_age_secs" mapstructure:"max_run_age_secs"`
	RunTTLHours            int      `yaml:"run_ttl_hours" mapstructure:"run_ttl_hours"`
	ClusterImpactThreshold float64  `yaml:"cluster_impact_threshold" mapstructure:"cluster_impact_threshold"`
	CorrelationThreshold   float64  `yaml:"correlation_threshold" mapstructure:"correlation_threshold"`
	AggregationWindowSecs  int      `yaml:"aggregation_window_secs" mapstructure:"aggregation_window_secs"`
	AutoRefreshSecs        int      `yaml:"auto_refresh_secs" mapstructure:"auto_refresh_secs"`
	CorrelationSeedFile    string   `yaml:"correlation_seed_file" mapstructure:"correlation_seed_file"`
	TrustedProviders       []string `yaml:"trusted_providers" mapstructure:"trusted_providers"`
}

// CacheConfig configures correlation-matrix cache warming.
type CacheConfig struct {
	ClusterSizeThreshold int `yaml:"cluster_size_threshold" mapstructure:"cluster_size_threshold"`
	WarmIntervalSecs     int `yaml:"warm_interval_secs" mapstructure:"warm_interval_secs"`
	RetryMaxAttempts     int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryBackoffMs       int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MaxOpenProviders  int    `yaml:"max_open_providers" mapstructure:"max_open_providers"`
	MaxDeadLetters    int    `yaml:"max_dead_letters" mapstructure:"max_dead_letters"`
	MaxOpenIssues     int    `yaml:"max_open_issues" mapstructure:"max_open_issues"`
}

// ServerConfig configures the ops listener.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECOMPUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Defaults returns a Config populated only from defaults, ignoring files and
// environment. Tests and harnesses use it to build isolated components.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; an unmarshal error here is a programming bug.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("providers.backoff_base_ms", 1000)
	v.SetDefault("providers.backoff_multiplier", 2.0)
	v.SetDefault("providers.backoff_max_secs", 300)
	v.SetDefault("providers.degraded_threshold", 2)
	v.SetDefault("providers.failing_threshold", 5)
	v.SetDefault("providers.open_threshold", 10)
	v.SetDefault("providers.success_threshold", 3)
	v.SetDefault("providers.latency_alpha", 0.2)
	v.SetDefault("providers.sample_window", 300)
	v.SetDefault("providers.latency_samples", 1000)
	v.SetDefault("providers.check_interval_ms", 1000)
	v.SetDefault("bus.handler_failure_threshold", 3)
	v.SetDefault("bus.dead_letter_capacity", 1000)
	v.SetDefault("bus.dead_letter_ttl_hours", 24)
	v.SetDefault("batch.micro_threshold", 0.25)
	v.SetDefault("batch.major_threshold", 1.0)
	v.SetDefault("batch.debounce_ms", 5000)
	v.SetDefault("batch.window_ms", 250)
	v.SetDefault("batch.max_events", 10)
	v.SetDefault("batch.flush_interval_ms", 100)
	v.SetDefault("batch.debounce_ttl_secs", 3600)
	v.SetDefault("load.baseline_events_per_sec", 100.0)
	v.SetDefault("load.enter_ratio", 1.5)
	v.SetDefault("load.exit_ratio", 0.8)
	v.SetDefault("load.exit_sustain_secs", 5)
	v.SetDefault("load.max_queue_depth", 500)
	v.SetDefault("load.window_secs", 10)
	v.SetDefault("load.tick_ms", 100)
	v.SetDefault("load.drain_per_tick", 50)
	v.SetDefault("index.grace_secs", 30)
	v.SetDefault("index.sweep_interval_secs", 30)
	v.SetDefault("index.snapshot_interval_secs", 60)
	v.SetDefault("index.snapshot_retain", 10)
	v.SetDefault("index.change_log_capacity", 10000)
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "data/snapshots")
	v.SetDefault("refresh.max_changed_ratio", 0.3)
	v.SetDefault("refresh.max_run_age_secs", 3600)
	v.SetDefault("refresh.run_ttl_hours", 24)
	v.SetDefault("refresh.cluster_impact_threshold", 1.0)
	v.SetDefault("refresh.correlation_threshold", 0.5)
	v.SetDefault("refresh.aggregation_window_secs", 300)
	v.SetDefault("refresh.auto_refresh_secs", 0)
	v.SetDefault("refresh.trusted_providers", []string{})
	v.SetDefault("cache.cluster_size_threshold", 3)
	v.SetDefault("cache.warm_interval_secs", 60)
	v.SetDefault("cache.retry_max_attempts", 3)
	v.SetDefault("cache.retry_backoff_ms", 200)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.max_open_providers", 0)
	v.SetDefault("monitoring.max_dead_letters", 100)
	v.SetDefault("monitoring.max_open_issues", 0)
	v.SetDefault("server.port", 9090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
