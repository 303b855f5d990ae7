package config

// EmbeddingConfig configures the embedding engine and its content-addressed
// cache (C2).
type EmbeddingConfig struct {
	// Provider selects the embedding backend: "ollama" or "genai".
	Provider string `yaml:"provider" json:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key" json:"-"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"`

	// CacheBudgetMB bounds the in-process LRU front of the embedding cache.
	CacheBudgetMB int `yaml:"cache_budget_mb" json:"cache_budget_mb"`

	// BulkBatchSize is the batch size used by BulkPrecompute.
	BulkBatchSize int `yaml:"bulk_batch_size" json:"bulk_batch_size"`
}

// IndexConfig configures the in-memory vector index (C3).
type IndexConfig struct {
	// Shards is the number of hash-partitioned shards backing the index.
	Shards int `yaml:"shards" json:"shards"`

	// UseVecExtension enables the sqlite-vec ANN tier when the binary was
	// built with the sqlite_vec build tag.
	UseVecExtension bool `yaml:"use_vec_extension" json:"use_vec_extension"`
}

// StoreConfig configures the content-addressed record store (C1).
type StoreConfig struct {
	MaxVersionsPerRecord int `yaml:"max_versions_per_record" json:"max_versions_per_record"`
}
