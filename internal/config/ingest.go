package config

// IngestConfig configures the ingestion pipeline (C8).
type IngestConfig struct {
	// QueueCapacity bounds the pending-ingestion queue.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// Workers is the size of the extraction worker pool.
	Workers int `yaml:"workers" json:"workers"`

	// IdempotencyWindow is the duration an originator ID's extraction result
	// is cached for, e.g. "24h".
	IdempotencyWindow string `yaml:"idempotency_window" json:"idempotency_window"`
}
