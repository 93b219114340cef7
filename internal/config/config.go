package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 8740
	DefaultHost = "localhost"

	defaultFileWriteDelay = 150 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns every setting at its spec-mandated default - the
// zero-config starting point before a file or environment override is
// applied.
func DefaultConfig() *Config {
	return &Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		LogLevel: "info",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		EnableQueue:          true,
		EnableCircuitBreaker: true,
		EnableMetrics:        true,
		EnableStreaming:      true,
		EnablePersistence:    true,
		Queue: QueueConfig{
			MaxSize:               1000,
			Timeout:               30 * time.Second,
			PriorityBoostInterval: 1 * time.Second,
			PriorityBoostAmount:   1,
			MaxPriority:           100,
		},
		LoadBalancer: LoadBalancerConfig{
			Algorithm: "fastest-response",
			Weights: LoadBalancerWeights{
				Latency:        0.25,
				SuccessRate:    0.20,
				Load:           0.20,
				Capacity:       0.10,
				CircuitBreaker: 0.20,
				Timeout:        0.05,
			},
			Thresholds: LoadBalancerThresholds{
				MaxP95Latency:         2 * time.Second,
				MinSuccessRate:        0.9,
				LatencyPenalty:        0.5,
				ErrorPenalty:          0.5,
				CircuitBreakerPenalty: 0.5,
			},
			LatencyBlendRecent:     0.6,
			LatencyBlendHistorical: 0.4,
			LoadFactorMultiplier:   1.0,
			DefaultLatency:         500 * time.Millisecond,
			DefaultMaxConcurrency:  4,
			Streaming: StreamingBalancerConfig{
				TTFTWeight:                 0.5,
				DurationWeight:             0.5,
				TTFTBlendAvg:               0.5,
				TTFTBlendP95:               0.5,
				DurationEstimateMultiplier: 1.0,
			},
			RoundRobin: RoundRobinConfig{
				SkipUnhealthy:     true,
				CheckCapacity:     true,
				StickySessionsTTL: 0,
			},
			LeastConnections: LeastConnectionsConfig{
				SkipUnhealthy:       true,
				ConsiderCapacity:    true,
				ConsiderFailureRate: true,
				FailureRatePenalty:  1.0,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			BaseFailureThreshold:        5,
			MinFailureThreshold:         2,
			MaxFailureThreshold:         20,
			OpenTimeout:                 30 * time.Second,
			HalfOpenTimeout:             10 * time.Second,
			HalfOpenMaxRequests:         3,
			RecoverySuccessThreshold:    2,
			ErrorRateWindow:             1 * time.Minute,
			ErrorRateThreshold:          0.5,
			AdaptiveThresholds:          true,
			AdaptiveThresholdAdjustment: 1,
			ErrorRateSmoothing:          0.3,
			NonRetryableRatioThreshold:  0.5,
			ErrorPatterns: ErrorPatternsConfig{
				NonRetryable: []string{
					"not found", "invalid", "unauthorized", "forbidden", "bad request",
					"not enough ram", "out of memory", "runner terminated",
					"fatal model server error",
				},
				Transient: []string{
					"timeout", "temporarily unavailable", "rate limit", "too many requests",
					"service unavailable", "gateway timeout",
				},
			},
			ModelEscalation: ModelEscalationConfig{
				Enabled:           true,
				RatioThreshold:    0.5,
				DurationThreshold: 2 * time.Minute,
				CheckInterval:     30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:              true,
			HistoryWindowMinutes: 1440,
			RecentLatencyRing:    500,
			Decay: DecayConfig{
				Enabled:        true,
				HalfLife:       5 * time.Minute,
				MinDecayFactor: 0.05,
				StaleThreshold: 2 * time.Minute,
			},
		},
		Streaming: StreamingConfig{
			Enabled:              true,
			MaxConcurrentStreams: 100,
			Timeout:              10 * time.Minute,
			BufferSize:           4096,
			ActivityTimeout:      60 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:             true,
			Interval:            30 * time.Second,
			Timeout:             5 * time.Second,
			MaxConcurrentChecks: 10,
			RetryAttempts:       2,
			RetryDelay:          500 * time.Millisecond,
			RecoveryInterval:    60 * time.Second,
			FailureThreshold:    3,
			SuccessThreshold:    2,
			BackoffMultiplier:   2,
		},
		Retry: RetryConfig{
			MaxRetriesPerServer:  2,
			RetryDelay:           200 * time.Millisecond,
			BackoffMultiplier:    2,
			MaxRetryDelay:        5 * time.Second,
			RetryableStatusCodes: []int{502, 503, 504},
		},
		Cooldown: CooldownConfig{
			FailureCooldown:       30 * time.Second,
			DefaultMaxConcurrency: 4,
		},
		Persistence: PersistenceConfig{
			Directory:     "./data",
			FlushInterval: 30 * time.Second,
		},
	}
}

// Load reads config.yaml (working directory or ./config), overlays
// RELAY_-prefixed environment variables, and unmarshals into a validated
// Config. onConfigChange, if non-nil, is invoked (debounced) whenever the
// underlying file changes on disk.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("RELAY_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	viper.WatchConfig()
	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			time.Sleep(defaultFileWriteDelay)
			onConfigChange()
		})
	}

	return cfg, nil
}

// Validate enforces the range constraints spec.md §6 lists as startup
// errors. It does not mutate cfg.
func Validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("config: log_level must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}

	if cfg.EnableQueue {
		q := cfg.Queue
		if q.MaxSize < 1 {
			return fmt.Errorf("config: queue.max_size must be >= 1")
		}
		if q.Timeout < time.Second {
			return fmt.Errorf("config: queue.timeout must be >= 1s")
		}
		if q.PriorityBoostInterval < time.Second {
			return fmt.Errorf("config: queue.priority_boost_interval must be >= 1s")
		}
		if q.PriorityBoostAmount < 1 {
			return fmt.Errorf("config: queue.priority_boost_amount must be >= 1")
		}
		if q.MaxPriority < 1 {
			return fmt.Errorf("config: queue.max_priority must be >= 1")
		}
	}

	lb := cfg.LoadBalancer
	for name, w := range map[string]float64{
		"latency": lb.Weights.Latency, "success_rate": lb.Weights.SuccessRate,
		"load": lb.Weights.Load, "capacity": lb.Weights.Capacity,
		"circuit_breaker": lb.Weights.CircuitBreaker, "timeout": lb.Weights.Timeout,
	} {
		if w < 0 {
			return fmt.Errorf("config: load_balancer.weights.%s must be >= 0", name)
		}
	}
	if lb.Thresholds.MaxP95Latency < 100*time.Millisecond {
		return fmt.Errorf("config: load_balancer.thresholds.max_p95_latency must be >= 100ms")
	}
	if lb.Thresholds.MinSuccessRate < 0 || lb.Thresholds.MinSuccessRate > 1 {
		return fmt.Errorf("config: load_balancer.thresholds.min_success_rate must be in [0,1]")
	}
	if lb.LoadFactorMultiplier < 0 {
		return fmt.Errorf("config: load_balancer.load_factor_multiplier must be >= 0")
	}
	if lb.DefaultLatency <= 0 {
		return fmt.Errorf("config: load_balancer.default_latency must be > 0")
	}
	if lb.DefaultMaxConcurrency < 1 {
		return fmt.Errorf("config: load_balancer.default_max_concurrency must be >= 1")
	}

	if cfg.EnableCircuitBreaker {
		cb := cfg.CircuitBreaker
		if cb.HalfOpenMaxRequests < 1 {
			return fmt.Errorf("config: circuit_breaker.half_open_max_requests must be >= 1")
		}
		if cb.RecoverySuccessThreshold < 1 {
			return fmt.Errorf("config: circuit_breaker.recovery_success_threshold must be >= 1")
		}
		if cb.ErrorRateThreshold < 0 || cb.ErrorRateThreshold > 1 {
			return fmt.Errorf("config: circuit_breaker.error_rate_threshold must be in [0,1]")
		}
		if cb.ErrorRateSmoothing < 0 || cb.ErrorRateSmoothing > 1 {
			return fmt.Errorf("config: circuit_breaker.error_rate_smoothing must be in [0,1]")
		}
		if cb.MinFailureThreshold > cb.MaxFailureThreshold {
			return fmt.Errorf("config: circuit_breaker.min_failure_threshold must be <= max_failure_threshold")
		}
	}

	if cfg.EnableMetrics {
		if cfg.Metrics.HistoryWindowMinutes < 1 {
			return fmt.Errorf("config: metrics.history_window_minutes must be >= 1")
		}
		if cfg.Metrics.Decay.Enabled {
			if cfg.Metrics.Decay.MinDecayFactor < 0 || cfg.Metrics.Decay.MinDecayFactor > 1 {
				return fmt.Errorf("config: metrics.decay.min_decay_factor must be in [0,1]")
			}
		}
	}

	if cfg.EnableStreaming {
		s := cfg.Streaming
		if s.MaxConcurrentStreams < 1 {
			return fmt.Errorf("config: streaming.max_concurrent_streams must be >= 1")
		}
		if s.Timeout < time.Second {
			return fmt.Errorf("config: streaming.timeout must be >= 1s")
		}
		if s.BufferSize < 1 {
			return fmt.Errorf("config: streaming.buffer_size must be >= 1")
		}
		if s.ActivityTimeout < time.Second {
			return fmt.Errorf("config: streaming.activity_timeout must be >= 1s")
		}
	}

	hc := cfg.HealthCheck
	if hc.Enabled {
		if hc.Interval < time.Second {
			return fmt.Errorf("config: health_check.interval must be >= 1s")
		}
		if hc.Timeout < 500*time.Millisecond {
			return fmt.Errorf("config: health_check.timeout must be >= 500ms")
		}
		if hc.MaxConcurrentChecks < 1 {
			return fmt.Errorf("config: health_check.max_concurrent_checks must be >= 1")
		}
		if hc.RetryAttempts < 0 {
			return fmt.Errorf("config: health_check.retry_attempts must be >= 0")
		}
		if hc.RetryDelay < time.Millisecond {
			return fmt.Errorf("config: health_check.retry_delay must be >= 1ms")
		}
		if hc.RecoveryInterval < time.Second {
			return fmt.Errorf("config: health_check.recovery_interval must be >= 1s")
		}
		if hc.FailureThreshold < 1 {
			return fmt.Errorf("config: health_check.failure_threshold must be >= 1")
		}
		if hc.SuccessThreshold < 1 {
			return fmt.Errorf("config: health_check.success_threshold must be >= 1")
		}
		if hc.BackoffMultiplier < 1 {
			return fmt.Errorf("config: health_check.backoff_multiplier must be >= 1")
		}
	}

	r := cfg.Retry
	if r.MaxRetriesPerServer < 0 {
		return fmt.Errorf("config: retry.max_retries_per_server must be >= 0")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("config: retry.backoff_multiplier must be >= 1")
	}

	if cfg.EnablePersistence {
		if cfg.Persistence.Directory == "" {
			return fmt.Errorf("config: persistence.directory must be set")
		}
		if cfg.Persistence.FlushInterval < time.Second {
			return fmt.Errorf("config: persistence.flush_interval must be >= 1s")
		}
	}

	for i, seed := range cfg.Servers {
		if seed.URL == "" {
			return fmt.Errorf("config: servers[%d].url must be set", i)
		}
		if seed.MaxConcurrency != nil && *seed.MaxConcurrency < 0 {
			return fmt.Errorf("config: servers[%d].max_concurrency must be >= 0", i)
		}
	}

	return nil
}
