// Package config holds the engine's configuration: a single tree unmarshaled
// from YAML, with environment-variable overrides for secrets and hot-reload
// support via fsnotify.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"memoria/internal/logging"
)

// Config holds the engine's full configuration tree.
type Config struct {
	// Workspace is the root directory under which records, versions,
	// quarantine, and the embedded relational store live.
	Workspace string `yaml:"workspace"`

	Store      StoreConfig      `yaml:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Index      IndexConfig      `yaml:"index"`
	Lexical    LexicalConfig    `yaml:"lexical"`
	Ranker     RankerConfig     `yaml:"ranker"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns the engine's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: "data/memoria",

		Store: StoreConfig{
			MaxVersionsPerRecord: 10,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			CacheBudgetMB:  150,
			BulkBatchSize:  100,
		},

		Index: IndexConfig{
			Shards: 16,
		},

		Lexical: DefaultLexicalConfig(),

		Ranker: DefaultRankerConfig(),

		Scheduler: DefaultSchedulerConfig(),

		Dedup: DefaultDedupConfig(),

		Ingest: IngestConfig{
			QueueCapacity:     1024,
			Workers:           2,
			IdempotencyWindow: "24h",
		},

		Resilience: DefaultResilienceConfig(),

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			File:      "memoria.log",
			DebugMode: false,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults if the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("loading config from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("config loaded: embedding provider=%s", cfg.Embedding.Provider)
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides overrides secrets and a few operational knobs from the
// environment so they never need to live in a config file on disk.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			c.Embedding.Provider = "genai"
		}
		c.Dedup.GenAIAPIKey = key
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_EMBEDDING_MODEL"); model != "" {
		c.Embedding.OllamaModel = model
	}
	if ws := os.Getenv("MEMORIA_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
}

// GetIdempotencyWindow returns the ingestion idempotency window as a duration.
func (c *IngestConfig) GetIdempotencyWindow() time.Duration {
	d, err := time.ParseDuration(c.IdempotencyWindow)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}
