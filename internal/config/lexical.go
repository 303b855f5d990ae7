package config

// LexicalConfig configures the BM25 lexical index (C4).
type LexicalConfig struct {
	// K1 and B are the standard BM25 term-frequency-saturation and
	// document-length-normalization parameters.
	K1 float64 `yaml:"k1" json:"k1"`
	B  float64 `yaml:"b" json:"b"`

	// MinTokenLength discards tokens shorter than this after normalization.
	MinTokenLength int `yaml:"min_token_length" json:"min_token_length"`
}

// DefaultLexicalConfig returns sensible defaults for the lexical index.
func DefaultLexicalConfig() LexicalConfig {
	return LexicalConfig{
		K1:             1.2,
		B:              0.75,
		MinTokenLength: 2,
	}
}
