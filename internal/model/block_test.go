package model

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

func TestBlockZeroParametersIsIdentity(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	p, err := NewZeroParameters(cfg)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.MustMat(4, cfg.EmbeddingDim)
	tensor.FillUniform(&x, 5, 1)

	out, err := Block(&x, &p.Blocks[0], cfg)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !out.SameShape(&x) {
		t.Fatalf("shape %dx%d, want %dx%d", out.R, out.C, x.R, x.C)
	}
	for i := range x.Data {
		if out.Data[i] != x.Data[i] {
			t.Fatalf("element %d = %v, want %v", i, out.Data[i], x.Data[i])
		}
	}
}

func TestBlockMatchesReference(t *testing.T) {
	t.Parallel()
	for _, causal := range []bool{false, true} {
		cfg := tinyConfig()
		cfg.Causal = causal
		p := spreadParameters(t, cfg, 11)
		x := tensor.MustMat(5, cfg.EmbeddingDim)
		tensor.FillUniform(&x, 6, 1)

		got, err := Block(&x, &p.Blocks[0], cfg)
		if err != nil {
			t.Fatalf("Block: %v", err)
		}
		want := referenceBlock(toFloat64(&x), &p.Blocks[0], cfg)
		for i := 0; i < got.R; i++ {
			for j := 0; j < got.C; j++ {
				w := want[i][j]
				if math.Abs(float64(got.Row(i)[j])-w) > 1e-4*math.Max(1, math.Abs(w)) {
					t.Fatalf("causal=%v (%d,%d) = %v, want %v", causal, i, j, got.Row(i)[j], w)
				}
			}
		}
	}
}

func TestBlockDoesNotModifyInput(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	p := spreadParameters(t, cfg, 2)
	x := tensor.MustMat(3, cfg.EmbeddingDim)
	tensor.FillUniform(&x, 9, 1)
	before := x.Clone()
	if _, err := Block(&x, &p.Blocks[1], cfg); err != nil {
		t.Fatal(err)
	}
	for i := range x.Data {
		if x.Data[i] != before.Data[i] {
			t.Fatalf("input element %d changed", i)
		}
	}
}

func TestBlockShapeErrors(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	p, _ := NewZeroParameters(cfg)
	x := tensor.MustMat(2, cfg.EmbeddingDim+1)
	if _, err := Block(&x, &p.Blocks[0], cfg); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("wide input: expected ErrShapeMismatch, got %v", err)
	}
	empty := tensor.MustMat(0, cfg.EmbeddingDim)
	if _, err := Block(&empty, &p.Blocks[0], cfg); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("empty input: expected ErrShapeMismatch, got %v", err)
	}
}

func toFloat64(m *tensor.Mat) [][]float64 {
	out := make([][]float64, m.R)
	for i := range out {
		out[i] = make([]float64, m.C)
		for j, v := range m.Row(i) {
			out[i][j] = float64(v)
		}
	}
	return out
}

func refLinear(x [][]float64, l *tensor.Linear) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = make([]float64, l.Out())
		for o := range out[i] {
			acc := float64(l.Bias[o])
			for k, w := range l.Weight.Row(o) {
				acc += float64(w) * row[k]
			}
			out[i][o] = acc
		}
	}
	return out
}

func refLayerNorm(x [][]float64, eps float32) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		var mean, variance float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(len(row))
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(row))
		inv := 1 / math.Sqrt(variance+float64(eps))
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - mean) * inv
		}
	}
	return out
}

func refGelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

func refAdd(a, b [][]float64) [][]float64 {
	out := make([][]float64, len(a))
	for i := range a {
		out[i] = make([]float64, len(a[i]))
		for j := range a[i] {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func refMultiHead(q, k, v [][]float64, cfg Config) [][]float64 {
	seq, hd := len(q), cfg.HeadDim()
	out := make([][]float64, seq)
	for i := range out {
		out[i] = make([]float64, cfg.EmbeddingDim)
	}
	scale := 1 / math.Sqrt(float64(hd))
	for h := 0; h < cfg.NumHeads; h++ {
		c0 := h * hd
		for i := 0; i < seq; i++ {
			scores := make([]float64, seq)
			maxv := math.Inf(-1)
			for j := 0; j < seq; j++ {
				if cfg.Causal && j > i {
					scores[j] = math.Inf(-1)
					continue
				}
				var s float64
				for d := 0; d < hd; d++ {
					s += q[i][c0+d] * k[j][c0+d]
				}
				scores[j] = s * scale
				maxv = math.Max(maxv, scores[j])
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxv)
				sum += scores[j]
			}
			for j := range scores {
				for d := 0; d < hd; d++ {
					out[i][c0+d] += scores[j] / sum * v[j][c0+d]
				}
			}
		}
	}
	return out
}

func referenceBlock(x [][]float64, p *BlockParameters, cfg Config) [][]float64 {
	n := refLayerNorm(x, cfg.LayerNormEpsilon)
	a := refMultiHead(refLinear(n, &p.Query), refLinear(n, &p.Key), refLinear(n, &p.Value), cfg)
	r1 := refAdd(x, a)
	up := refLinear(refLayerNorm(r1, cfg.LayerNormEpsilon), &p.Up)
	for _, row := range up {
		for j := range row {
			row[j] = refGelu(row[j])
		}
	}
	return refAdd(r1, refLinear(up, &p.Down))
}
