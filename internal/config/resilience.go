package config

// ResilienceConfig configures the connection pool, circuit breaker, and
// atomic file I/O substrate (C9).
type ResilienceConfig struct {
	// PoolSize is the fixed size of the connection pool.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// AcquireTimeout bounds how long a caller waits for a pooled connection,
	// e.g. "30s".
	AcquireTimeout string `yaml:"acquire_timeout" json:"acquire_timeout"`

	// BackoffInitial and BackoffMax bound the exponential backoff applied
	// between pool-acquire retries.
	BackoffInitial string `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax     string `yaml:"backoff_max" json:"backoff_max"`

	// BreakerFailureThreshold is the number of consecutive failures (N) that
	// trips a circuit breaker open.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" json:"breaker_failure_threshold"`

	// BreakerRecoveryTimeout is the open-state duration (T) before a breaker
	// moves to half-open, e.g. "600s".
	BreakerRecoveryTimeout string `yaml:"breaker_recovery_timeout" json:"breaker_recovery_timeout"`

	// EventBusSubscriberQueueSize bounds each subscriber's event channel.
	EventBusSubscriberQueueSize int `yaml:"event_bus_subscriber_queue_size" json:"event_bus_subscriber_queue_size"`
}

// DefaultResilienceConfig returns sensible defaults for the resilience substrate.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		PoolSize:                    5,
		AcquireTimeout:              "30s",
		BackoffInitial:              "50ms",
		BackoffMax:                  "2s",
		BreakerFailureThreshold:     5,
		BreakerRecoveryTimeout:      "600s",
		EventBusSubscriberQueueSize: 64,
	}
}
