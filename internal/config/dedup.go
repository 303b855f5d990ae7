package config

// DedupConfig configures the contradiction and dedup filter pipeline (C7).
type DedupConfig struct {
	// NearTextualJaccardThreshold is the Jaccard similarity above which two
	// memories are treated as near-textual duplicates (spec settled on
	// 0.85; 0.70 produced too many false positives in practice).
	NearTextualJaccardThreshold float64 `yaml:"near_textual_jaccard_threshold" json:"near_textual_jaccard_threshold"`

	// SemanticDuplicateThreshold and SemanticGrayZoneFloor bound the
	// semantic-similarity stage: >= Duplicate is an automatic duplicate,
	// [GrayZoneFloor, Duplicate) escalates to the model-assisted stage.
	SemanticDuplicateThreshold float64 `yaml:"semantic_duplicate_threshold" json:"semantic_duplicate_threshold"`
	SemanticGrayZoneFloor      float64 `yaml:"semantic_gray_zone_floor" json:"semantic_gray_zone_floor"`

	// ModelProvider/Model select the classifier used for the model-assisted
	// stage; GenAIAPIKey is populated from the environment, never from a
	// config file on disk.
	ModelProvider string `yaml:"model_provider" json:"model_provider"`
	Model         string `yaml:"model" json:"model"`
	GenAIAPIKey   string `yaml:"-" json:"-"`

	// DegradedFallback controls which verdict the pipeline returns for the
	// model-assisted stage when the classifier's circuit breaker is open:
	// "gray_zone_as_distinct" or "gray_zone_as_duplicate".
	DegradedFallback string `yaml:"degraded_fallback" json:"degraded_fallback"`
}

// DefaultDedupConfig returns sensible defaults for the dedup pipeline.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		NearTextualJaccardThreshold: 0.85,
		SemanticDuplicateThreshold:  0.92,
		SemanticGrayZoneFloor:       0.75,
		ModelProvider:               "genai",
		Model:                       "gemini-2.5-flash",
		DegradedFallback:            "gray_zone_as_distinct",
	}
}
