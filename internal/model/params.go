package model

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

// ErrReleased is returned when parameters are used after Release.
var ErrReleased = errors.New("model parameters released")

// InitLimit bounds the uniform range used by NewRandomParameters.
const InitLimit = 0.01

// Parameters is the read-only parameter table consumed by Model. Token and
// position lookups return views into the table and must not be modified.
type Parameters interface {
	Config() Config
	TokenEmbedding(id int) ([]float32, error)
	PositionEmbedding(pos int) ([]float32, error)
	Block(i int) (*BlockParameters, error)
	LogitsLayer() (*tensor.Linear, error)
}

// BlockParameters holds the five projections of one transformer block.
type BlockParameters struct {
	Query tensor.Linear // d -> d
	Key   tensor.Linear // d -> d
	Value tensor.Linear // d -> d
	Up    tensor.Linear // d -> ffn*d
	Down  tensor.Linear // ffn*d -> d
}

func newBlockParameters(cfg Config) (BlockParameters, error) {
	d, h := cfg.EmbeddingDim, cfg.HiddenDim()
	var (
		b   BlockParameters
		err error
	)
	if b.Query, err = tensor.NewLinear(d, d); err != nil {
		return b, err
	}
	if b.Key, err = tensor.NewLinear(d, d); err != nil {
		return b, err
	}
	if b.Value, err = tensor.NewLinear(d, d); err != nil {
		return b, err
	}
	if b.Up, err = tensor.NewLinear(d, h); err != nil {
		return b, err
	}
	if b.Down, err = tensor.NewLinear(h, d); err != nil {
		return b, err
	}
	return b, nil
}

// Layers returns the block's projections in canonical order.
func (b *BlockParameters) Layers() []*tensor.Linear {
	return []*tensor.Linear{&b.Query, &b.Key, &b.Value, &b.Up, &b.Down}
}

// Validate checks every projection against cfg.
func (b *BlockParameters) Validate(cfg Config) error {
	d, h := cfg.EmbeddingDim, cfg.HiddenDim()
	checks := []struct {
		name    string
		l       *tensor.Linear
		in, out int
	}{
		{"query", &b.Query, d, d},
		{"key", &b.Key, d, d},
		{"value", &b.Value, d, d},
		{"up", &b.Up, d, h},
		{"down", &b.Down, h, d},
	}
	for _, c := range checks {
		if err := c.l.Validate(c.in, c.out); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// ModelParameters owns every learnable value of the model. It is immutable
// while forward passes run and may be shared by any number of them.
type ModelParameters struct {
	cfg Config

	TokenEmbeddings    tensor.Mat // vocab x d
	PositionEmbeddings tensor.Mat // maxPos x d
	Blocks             []BlockParameters
	Logits             tensor.Linear // d -> vocab

	released atomic.Bool
}

var _ Parameters = (*ModelParameters)(nil)

// NewZeroParameters allocates a zero-filled parameter set for cfg.
func NewZeroParameters(cfg Config) (*ModelParameters, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &ModelParameters{cfg: cfg}
	var err error
	if p.TokenEmbeddings, err = tensor.NewMat(cfg.VocabSize, cfg.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("token embeddings: %w", err)
	}
	if p.PositionEmbeddings, err = tensor.NewMat(cfg.MaxPositionEmbeddings, cfg.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("position embeddings: %w", err)
	}
	p.Blocks = make([]BlockParameters, cfg.NumBlocks)
	for i := range p.Blocks {
		if p.Blocks[i], err = newBlockParameters(cfg); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	if p.Logits, err = tensor.NewLinear(cfg.EmbeddingDim, cfg.VocabSize); err != nil {
		return nil, fmt.Errorf("logits: %w", err)
	}
	return p, nil
}

// NewRandomParameters allocates parameters for cfg and fills every weight
// matrix and embedding table uniformly from [-InitLimit, InitLimit]. Biases
// stay zero. Each tensor draws from its own stream derived from seed, so the
// result does not depend on fill order.
func NewRandomParameters(cfg Config, seed int64) (*ModelParameters, error) {
	p, err := NewZeroParameters(cfg)
	if err != nil {
		return nil, err
	}
	mats := p.weightMats()
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, m := range mats {
		g.Go(func() error {
			tensor.FillUniform(m, tensorSeed(seed, i), InitLimit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p, nil
}

func tensorSeed(seed int64, index int) int64 {
	return seed + int64(index)*7919
}

// weightMats lists the randomly initialised matrices in a fixed order.
func (p *ModelParameters) weightMats() []*tensor.Mat {
	mats := make([]*tensor.Mat, 0, 3+5*len(p.Blocks))
	mats = append(mats, &p.TokenEmbeddings, &p.PositionEmbeddings)
	for i := range p.Blocks {
		for _, l := range p.Blocks[i].Layers() {
			mats = append(mats, &l.Weight)
		}
	}
	return append(mats, &p.Logits.Weight)
}

// Config returns the architecture the parameters were built for.
func (p *ModelParameters) Config() Config {
	return p.cfg
}

// Released reports whether Release has been called.
func (p *ModelParameters) Released() bool {
	return p.released.Load()
}

// TokenEmbedding returns the embedding row for token id.
func (p *ModelParameters) TokenEmbedding(id int) ([]float32, error) {
	if p.released.Load() {
		return nil, ErrReleased
	}
	if id < 0 || id >= p.TokenEmbeddings.R {
		return nil, tensor.RangeError("token id %d outside [0, %d)", id, p.TokenEmbeddings.R)
	}
	return p.TokenEmbeddings.Row(id), nil
}

// PositionEmbedding returns the embedding row for position pos.
func (p *ModelParameters) PositionEmbedding(pos int) ([]float32, error) {
	if p.released.Load() {
		return nil, ErrReleased
	}
	if pos < 0 || pos >= p.PositionEmbeddings.R {
		return nil, tensor.RangeError("position %d outside [0, %d)", pos, p.PositionEmbeddings.R)
	}
	return p.PositionEmbeddings.Row(pos), nil
}

// Block returns the parameters of block i.
func (p *ModelParameters) Block(i int) (*BlockParameters, error) {
	if p.released.Load() {
		return nil, ErrReleased
	}
	if i < 0 || i >= len(p.Blocks) {
		return nil, tensor.RangeError("block %d outside [0, %d)", i, len(p.Blocks))
	}
	return &p.Blocks[i], nil
}

// LogitsLayer returns the final d -> vocab projection.
func (p *ModelParameters) LogitsLayer() (*tensor.Linear, error) {
	if p.released.Load() {
		return nil, ErrReleased
	}
	return &p.Logits, nil
}

// Validate checks every tensor against the config.
func (p *ModelParameters) Validate() error {
	if p.released.Load() {
		return ErrReleased
	}
	cfg := p.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkMat("token embeddings", &p.TokenEmbeddings, cfg.VocabSize, cfg.EmbeddingDim); err != nil {
		return err
	}
	if err := checkMat("position embeddings", &p.PositionEmbeddings, cfg.MaxPositionEmbeddings, cfg.EmbeddingDim); err != nil {
		return err
	}
	if len(p.Blocks) != cfg.NumBlocks {
		return tensor.ShapeError("%d blocks, config wants %d", len(p.Blocks), cfg.NumBlocks)
	}
	for i := range p.Blocks {
		if err := p.Blocks[i].Validate(cfg); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	if err := p.Logits.Validate(cfg.EmbeddingDim, cfg.VocabSize); err != nil {
		return fmt.Errorf("logits: %w", err)
	}
	return nil
}

func checkMat(name string, m *tensor.Mat, r, c int) error {
	if m.R != r || m.C != c || len(m.Data) < r*c {
		return tensor.ShapeError("%s is %dx%d, want %dx%d", name, m.R, m.C, r, c)
	}
	return nil
}

// Release drops every owned buffer. Release must not race with forward
// passes still using the parameters; calls after the first are no-ops.
func (p *ModelParameters) Release() {
	if p.released.Swap(true) {
		return
	}
	p.TokenEmbeddings = tensor.Mat{}
	p.PositionEmbeddings = tensor.Mat{}
	p.Blocks = nil
	p.Logits = tensor.Linear{}
}
