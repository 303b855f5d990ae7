package config

import "encoding/json"

// RankerConfig configures the hybrid ranker and its result cache (C5).
type RankerConfig struct {
	// Enabled is loaded from configuration but not read by the ranker or
	// the façade; the lexical pool's part in fusion is chosen per search by
	// ranker.Options.Mode.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TopK is loaded from configuration but not read by the ranker or the
	// façade; the result count comes from the k argument of each Search.
	TopK int `yaml:"top_k" json:"top_k"`

	// CandidatePoolMultiplier controls how many candidates are pulled from
	// each of the semantic and lexical pools before fusion (4*k per spec).
	CandidatePoolMultiplier int `yaml:"candidate_pool_multiplier" json:"candidate_pool_multiplier"`

	// RecencyHalfLifeDays is the time constant (in the exp(-age/tau) sense,
	// named half-life for parity with the scheduler's decay) used in the
	// recency term of the fused score.
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days" json:"recency_half_life_days"`

	// ResultCacheTTL is the TTL applied to cached result sets, e.g. "24h".
	ResultCacheTTL string `yaml:"result_cache_ttl" json:"result_cache_ttl"`

	enabledSet bool
}

// UnmarshalJSON tracks whether Enabled was explicitly set so a zero-value
// JSON blob doesn't silently disable lexical fusion.
func (c *RankerConfig) UnmarshalJSON(data []byte) error {
	type alias RankerConfig
	aux := struct {
		Enabled *bool `json:"enabled"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Enabled != nil {
		c.Enabled = *aux.Enabled
		c.enabledSet = true
	}
	return nil
}

// DefaultRankerConfig returns sensible defaults for the hybrid ranker.
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		Enabled:                 true,
		TopK:                    10,
		CandidatePoolMultiplier: 4,
		RecencyHalfLifeDays:     30,
		ResultCacheTTL:          "24h",
	}
}
