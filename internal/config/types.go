package config

import "time"

// Config is the fully validated, typed configuration the core consumes.
// Nothing downstream reads environment variables or files directly - this
// struct is the only channel.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Queue          QueueConfig          `yaml:"queue"`
	LoadBalancer   LoadBalancerConfig   `yaml:"load_balancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Streaming      StreamingConfig      `yaml:"streaming"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	Retry          RetryConfig          `yaml:"retry"`
	Cooldown       CooldownConfig       `yaml:"cooldown"`
	Persistence    PersistenceConfig    `yaml:"persistence"`

	// Servers statically declared in the config file, registered at startup
	// alongside whatever the persistence layer restores.
	Servers []ServerSeedConfig `yaml:"servers"`

	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
	Port     int    `yaml:"port"`

	EnableQueue          bool `yaml:"enable_queue"`
	EnableCircuitBreaker bool `yaml:"enable_circuit_breaker"`
	EnableMetrics        bool `yaml:"enable_metrics"`
	EnableStreaming      bool `yaml:"enable_streaming"`
	EnablePersistence    bool `yaml:"enable_persistence"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type QueueConfig struct {
	MaxSize               int           `yaml:"max_size"`
	Timeout               time.Duration `yaml:"timeout"`
	PriorityBoostInterval time.Duration `yaml:"priority_boost_interval"`
	PriorityBoostAmount   int           `yaml:"priority_boost_amount"`
	MaxPriority           int           `yaml:"max_priority"`
}

type LoadBalancerWeights struct {
	Latency        float64 `yaml:"latency"`
	SuccessRate    float64 `yaml:"success_rate"`
	Load           float64 `yaml:"load"`
	Capacity       float64 `yaml:"capacity"`
	CircuitBreaker float64 `yaml:"circuit_breaker"`
	Timeout        float64 `yaml:"timeout"`
}

type LoadBalancerThresholds struct {
	MaxP95Latency        time.Duration `yaml:"max_p95_latency"`
	MinSuccessRate       float64       `yaml:"min_success_rate"`
	LatencyPenalty       float64       `yaml:"latency_penalty"`
	ErrorPenalty         float64       `yaml:"error_penalty"`
	CircuitBreakerPenalty float64      `yaml:"circuit_breaker_penalty"`
}

type StreamingBalancerConfig struct {
	TTFTWeight               float64 `yaml:"ttft_weight"`
	DurationWeight           float64 `yaml:"duration_weight"`
	TTFTBlendAvg             float64 `yaml:"ttft_blend_avg"`
	TTFTBlendP95             float64 `yaml:"ttft_blend_p95"`
	DurationEstimateMultiplier float64 `yaml:"duration_estimate_multiplier"`
}

type RoundRobinConfig struct {
	SkipUnhealthy       bool          `yaml:"skip_unhealthy"`
	CheckCapacity       bool          `yaml:"check_capacity"`
	StickySessionsTTL   time.Duration `yaml:"sticky_sessions_ttl"`
}

type LeastConnectionsConfig struct {
	SkipUnhealthy      bool    `yaml:"skip_unhealthy"`
	ConsiderCapacity   bool    `yaml:"consider_capacity"`
	ConsiderFailureRate bool   `yaml:"consider_failure_rate"`
	FailureRatePenalty float64 `yaml:"failure_rate_penalty"`
}

type LoadBalancerConfig struct {
	Algorithm             string                  `yaml:"algorithm"`
	Weights               LoadBalancerWeights     `yaml:"weights"`
	Thresholds            LoadBalancerThresholds  `yaml:"thresholds"`
	LatencyBlendRecent    float64                 `yaml:"latency_blend_recent"`
	LatencyBlendHistorical float64                `yaml:"latency_blend_historical"`
	LoadFactorMultiplier  float64                 `yaml:"load_factor_multiplier"`
	DefaultLatency        time.Duration           `yaml:"default_latency"`
	DefaultMaxConcurrency int                     `yaml:"default_max_concurrency"`
	Streaming             StreamingBalancerConfig `yaml:"streaming"`
	RoundRobin            RoundRobinConfig        `yaml:"round_robin"`
	LeastConnections      LeastConnectionsConfig  `yaml:"least_connections"`
}

type ErrorPatternsConfig struct {
	NonRetryable []string `yaml:"non_retryable"`
	Transient    []string `yaml:"transient"`
}

type ModelEscalationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RatioThreshold    float64       `yaml:"ratio_threshold"`
	DurationThreshold time.Duration `yaml:"duration_threshold"`
	CheckInterval     time.Duration `yaml:"check_interval"`
}

type CircuitBreakerConfig struct {
	BaseFailureThreshold  int                   `yaml:"base_failure_threshold"`
	MinFailureThreshold   int                   `yaml:"min_failure_threshold"`
	MaxFailureThreshold   int                   `yaml:"max_failure_threshold"`
	OpenTimeout           time.Duration         `yaml:"open_timeout"`
	HalfOpenTimeout       time.Duration         `yaml:"half_open_timeout"`
	HalfOpenMaxRequests   int                   `yaml:"half_open_max_requests"`
	RecoverySuccessThreshold int                `yaml:"recovery_success_threshold"`
	ErrorRateWindow       time.Duration         `yaml:"error_rate_window"`
	ErrorRateThreshold    float64               `yaml:"error_rate_threshold"`
	AdaptiveThresholds    bool                  `yaml:"adaptive_thresholds"`
	AdaptiveThresholdAdjustment int             `yaml:"adaptive_threshold_adjustment"`
	ErrorRateSmoothing    float64               `yaml:"error_rate_smoothing"`
	NonRetryableRatioThreshold float64          `yaml:"non_retryable_ratio_threshold"`
	ErrorPatterns         ErrorPatternsConfig   `yaml:"error_patterns"`
	ModelEscalation       ModelEscalationConfig `yaml:"model_escalation"`
}

type DecayConfig struct {
	Enabled         bool          `yaml:"enabled"`
	HalfLife        time.Duration `yaml:"half_life"`
	MinDecayFactor  float64       `yaml:"min_decay_factor"`
	StaleThreshold  time.Duration `yaml:"stale_threshold"`
}

type MetricsConfig struct {
	Enabled             bool        `yaml:"enabled"`
	HistoryWindowMinutes int        `yaml:"history_window_minutes"`
	RecentLatencyRing   int         `yaml:"recent_latency_ring"`
	Decay               DecayConfig `yaml:"decay"`
}

type StreamingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MaxConcurrentStreams int         `yaml:"max_concurrent_streams"`
	Timeout            time.Duration `yaml:"timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	ActivityTimeout    time.Duration `yaml:"activity_timeout"`
}

type HealthCheckConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxConcurrentChecks int           `yaml:"max_concurrent_checks"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
}

type RetryConfig struct {
	MaxRetriesPerServer int           `yaml:"max_retries_per_server"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`
	RetryableStatusCodes []int        `yaml:"retryable_status_codes"`
}

type CooldownConfig struct {
	FailureCooldown       time.Duration `yaml:"failure_cooldown"`
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency"`
}

// PersistenceConfig controls where persistence.Store writes its snapshot
// files and how often the background flush loop runs.
type PersistenceConfig struct {
	Directory     string        `yaml:"directory"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ServerSeedConfig declares one backend in the config file. Seeded servers
// are upserted into the registry at startup; a seed whose URL already
// exists (e.g. restored from servers.json) is skipped.
type ServerSeedConfig struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	MaxConcurrency *int   `yaml:"max_concurrency"`
}
