package model

import (
	"fmt"

	"github.com/samcharles93/gpt2fwd/internal/logger"
	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

// Model runs forward passes over a read-only parameter table. A Model holds
// no per-pass state, so concurrent Forward calls are safe.
type Model struct {
	params Parameters
	cfg    Config
	log    logger.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger used for pass-level debug output.
func WithLogger(l logger.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.log = l
		}
	}
}

// New wraps params in a Model after checking its config.
func New(params Parameters, opts ...Option) (*Model, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: nil parameters", ErrInvalidConfig)
	}
	cfg := params.Config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{params: params, cfg: cfg, log: logger.Discard()}
	for _, opt := range opts {
		opt(m)
	}
	m.log.Debug("model ready",
		"blocks", cfg.NumBlocks,
		"heads", cfg.NumHeads,
		"embedding_dim", cfg.EmbeddingDim,
		"vocab", cfg.VocabSize,
	)
	return m, nil
}

// Config returns the model architecture.
func (m *Model) Config() Config {
	return m.cfg
}

// Positions returns pastLength, pastLength+1, ..., pastLength+seqLen-1.
func Positions(seqLen, pastLength int) []int {
	pos := make([]int, seqLen)
	for i := range pos {
		pos[i] = pastLength + i
	}
	return pos
}

// Forward runs a single-shot pass over tokens and returns the logits for the
// token following the last input.
func (m *Model) Forward(tokens []int) ([]float32, error) {
	return m.ForwardAt(tokens, 0)
}

// ForwardAt is Forward with the first token placed at position pastLength.
// The returned slice has VocabSize entries and is owned by the caller.
func (m *Model) ForwardAt(tokens []int, pastLength int) ([]float32, error) {
	hidden, err := m.Embed(tokens, pastLength)
	if err != nil {
		return nil, err
	}
	for b := 0; b < m.cfg.NumBlocks; b++ {
		bp, err := m.params.Block(b)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", b, err)
		}
		next, err := Block(&hidden, bp, m.cfg)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", b, err)
		}
		hidden = next
	}

	head, err := m.params.LogitsLayer()
	if err != nil {
		return nil, err
	}
	logits, err := head.Apply(hidden.Row(hidden.R - 1))
	if err != nil {
		return nil, fmt.Errorf("logits: %w", err)
	}
	m.log.Debug("forward pass complete", "tokens", len(tokens), "past_length", pastLength)
	return logits, nil
}

// Embed builds the initial hidden state: row i is the token embedding of
// tokens[i] plus the position embedding of pastLength+i. Every id is checked
// before anything is allocated.
func (m *Model) Embed(tokens []int, pastLength int) (tensor.Mat, error) {
	if len(tokens) == 0 {
		return tensor.Mat{}, tensor.ShapeError("empty token sequence")
	}
	if pastLength < 0 {
		return tensor.Mat{}, tensor.RangeError("past length %d is negative", pastLength)
	}
	positions := Positions(len(tokens), pastLength)
	if last := positions[len(positions)-1]; last >= m.cfg.MaxPositionEmbeddings {
		return tensor.Mat{}, tensor.RangeError("position %d outside [0, %d)", last, m.cfg.MaxPositionEmbeddings)
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= m.cfg.VocabSize {
			return tensor.Mat{}, tensor.RangeError("token %d at index %d outside [0, %d)", tok, i, m.cfg.VocabSize)
		}
	}

	hidden, err := tensor.NewMat(len(tokens), m.cfg.EmbeddingDim)
	if err != nil {
		return tensor.Mat{}, err
	}
	for i, tok := range tokens {
		te, err := m.params.TokenEmbedding(tok)
		if err != nil {
			return tensor.Mat{}, err
		}
		pe, err := m.params.PositionEmbedding(positions[i])
		if err != nil {
			return tensor.Mat{}, err
		}
		if len(te) != m.cfg.EmbeddingDim || len(pe) != m.cfg.EmbeddingDim {
			return tensor.Mat{}, tensor.ShapeError("embedding widths %d and %d, want %d", len(te), len(pe), m.cfg.EmbeddingDim)
		}
		row := hidden.Row(i)
		for j := range row {
			row[j] = te[j] + pe[j]
		}
	}
	return hidden, nil
}
