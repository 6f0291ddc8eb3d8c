package model

import (
	"fmt"

	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

// Block applies one transformer block to the hidden state x (seq x d) and
// returns a new matrix of the same shape. x is not modified.
//
//	a   = MultiHead(LN(x))
//	r1  = x + a
//	out = r1 + Down(GELU(Up(LN(r1))))
func Block(x *tensor.Mat, p *BlockParameters, cfg Config) (tensor.Mat, error) {
	if x.C != cfg.EmbeddingDim {
		return tensor.Mat{}, tensor.ShapeError("hidden width %d, want %d", x.C, cfg.EmbeddingDim)
	}
	if x.R == 0 {
		return tensor.Mat{}, tensor.ShapeError("empty hidden state")
	}

	normed, err := tensor.LayerNorm(x, cfg.LayerNormEpsilon)
	if err != nil {
		return tensor.Mat{}, err
	}
	q, err := p.Query.ForwardMat(&normed)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("query: %w", err)
	}
	k, err := p.Key.ForwardMat(&normed)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("key: %w", err)
	}
	v, err := p.Value.ForwardMat(&normed)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("value: %w", err)
	}

	attn, err := multiHeadAttention(&q, &k, &v, cfg.NumHeads, cfg.AttentionTile, cfg.Causal)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("attention: %w", err)
	}
	residual, err := tensor.Add(x, &attn)
	if err != nil {
		return tensor.Mat{}, err
	}

	ffn, err := feedForward(&residual, p, cfg.LayerNormEpsilon)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("feed-forward: %w", err)
	}
	return tensor.Add(&residual, &ffn)
}

// feedForward computes Down(GELU(Up(LN(x)))).
func feedForward(x *tensor.Mat, p *BlockParameters, eps float32) (tensor.Mat, error) {
	normed, err := tensor.LayerNorm(x, eps)
	if err != nil {
		return tensor.Mat{}, err
	}
	up, err := p.Up.ForwardMat(&normed)
	if err != nil {
		return tensor.Mat{}, err
	}
	tensor.GELU(up.Data, up.Data)
	return p.Down.ForwardMat(&up)
}
