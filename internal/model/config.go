package model

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a Config cannot describe a model.
var ErrInvalidConfig = errors.New("invalid model config")

// Config holds the architecture constants of the transformer. The zero value
// is not usable; start from GPT2Small and override fields as needed.
type Config struct {
	EmbeddingDim          int     `yaml:"embedding_dim" json:"embedding_dim"`
	NumBlocks             int     `yaml:"num_blocks" json:"num_blocks"`
	NumHeads              int     `yaml:"num_heads" json:"num_heads"`
	VocabSize             int     `yaml:"vocab_size" json:"vocab_size"`
	MaxPositionEmbeddings int     `yaml:"max_position_embeddings" json:"max_position_embeddings"`
	LayerNormEpsilon      float32 `yaml:"layer_norm_epsilon" json:"layer_norm_epsilon"`
	FFNMultiplier         int     `yaml:"ffn_multiplier" json:"ffn_multiplier"`

	// AttentionTile is the edge length of the square score tiles computed
	// concurrently inside one head.
	AttentionTile int `yaml:"attention_tile" json:"attention_tile"`
	// Causal restricts position i to attend to positions j <= i.
	Causal bool `yaml:"causal" json:"causal"`
}

// GPT2Small returns the 124M-parameter GPT-2 architecture.
func GPT2Small() Config {
	return Config{
		EmbeddingDim:          768,
		NumBlocks:             12,
		NumHeads:              12,
		VocabSize:             50257,
		MaxPositionEmbeddings: 1024,
		LayerNormEpsilon:      1e-5,
		FFNMultiplier:         4,
		AttentionTile:         64,
	}
}

// HeadDim is the per-head slice width of the feature dimension.
func (c Config) HeadDim() int {
	return c.EmbeddingDim / c.NumHeads
}

// HiddenDim is the feed-forward inner width.
func (c Config) HiddenDim() int {
	return c.EmbeddingDim * c.FFNMultiplier
}

// Validate reports whether every constant is usable.
func (c Config) Validate() error {
	switch {
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding_dim must be positive, got %d", ErrInvalidConfig, c.EmbeddingDim)
	case c.NumBlocks <= 0:
		return fmt.Errorf("%w: num_blocks must be positive, got %d", ErrInvalidConfig, c.NumBlocks)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: num_heads must be positive, got %d", ErrInvalidConfig, c.NumHeads)
	case c.EmbeddingDim%c.NumHeads != 0:
		return fmt.Errorf("%w: num_heads %d does not divide embedding_dim %d", ErrInvalidConfig, c.NumHeads, c.EmbeddingDim)
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, c.VocabSize)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("%w: max_position_embeddings must be positive, got %d", ErrInvalidConfig, c.MaxPositionEmbeddings)
	case c.LayerNormEpsilon <= 0:
		return fmt.Errorf("%w: layer_norm_epsilon must be positive, got %g", ErrInvalidConfig, c.LayerNormEpsilon)
	case c.FFNMultiplier <= 0:
		return fmt.Errorf("%w: ffn_multiplier must be positive, got %d", ErrInvalidConfig, c.FFNMultiplier)
	case c.AttentionTile <= 0:
		return fmt.Errorf("%w: attention_tile must be positive, got %d", ErrInvalidConfig, c.AttentionTile)
	}
	return nil
}

// ParameterCount returns the number of learnable float32 values.
func (c Config) ParameterCount() int64 {
	d := int64(c.EmbeddingDim)
	h := int64(c.HiddenDim())
	v := int64(c.VocabSize)
	perBlock := 3*(d*d+d) + (d*h + h) + (h*d + d)
	return v*d + int64(c.MaxPositionEmbeddings)*d + int64(c.NumBlocks)*perBlock + (d*v + v)
}
