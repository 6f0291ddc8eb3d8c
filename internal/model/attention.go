package model

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

// DefaultTile is the score tile edge used when a caller passes tile <= 0.
const DefaultTile = 64

type scoreTile struct {
	i0, i1 int
	j0, j1 int
}

func scoreTiles(rows, cols, tile int) []scoreTile {
	tiles := make([]scoreTile, 0, ((rows+tile-1)/tile)*((cols+tile-1)/tile))
	for i0 := 0; i0 < rows; i0 += tile {
		for j0 := 0; j0 < cols; j0 += tile {
			tiles = append(tiles, scoreTile{
				i0: i0, i1: min(i0+tile, rows),
				j0: j0, j1: min(j0+tile, cols),
			})
		}
	}
	return tiles
}

// AttentionWeights returns softmax(Q K^T / sqrt(headDim)) row by row.
//
// Scores are computed in tile x tile blocks of (i, j); blocks write disjoint
// parts of the result and run concurrently. With causal set, entries j > i
// are excluded before the softmax.
func AttentionWeights(q, k *tensor.Mat, tile int, causal bool) (tensor.Mat, error) {
	if q.C != k.C {
		return tensor.Mat{}, tensor.ShapeError("query width %d, key width %d", q.C, k.C)
	}
	if q.C == 0 {
		return tensor.Mat{}, tensor.ShapeError("attention head width must be positive")
	}
	if tile <= 0 {
		tile = DefaultTile
	}
	scores, err := tensor.NewMat(q.R, k.R)
	if err != nil {
		return tensor.Mat{}, err
	}
	scale := float32(1 / math.Sqrt(float64(q.C)))

	tiles := scoreTiles(q.R, k.R, tile)
	if len(tiles) == 1 {
		fillScores(&scores, q, k, tiles[0], scale, causal)
	} else {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for _, t := range tiles {
			g.Go(func() error {
				fillScores(&scores, q, k, t, scale, causal)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i := 0; i < scores.R; i++ {
		tensor.Softmax(scores.Row(i))
	}
	return scores, nil
}

func fillScores(scores, q, k *tensor.Mat, t scoreTile, scale float32, causal bool) {
	negInf := float32(math.Inf(-1))
	for i := t.i0; i < t.i1; i++ {
		qi := q.Row(i)
		row := scores.Row(i)
		for j := t.j0; j < t.j1; j++ {
			if causal && j > i {
				row[j] = negInf
				continue
			}
			row[j] = tensor.Dot(qi, k.Row(j)) * scale
		}
	}
}

// Attention computes one head of scaled dot-product attention:
// context[i] = sum_j softmax_j(Q[i].K[j] / sqrt(headDim)) * V[j].
// q is seq x headDim, k and v are kvLen x headDim.
func Attention(q, k, v *tensor.Mat, tile int, causal bool) (tensor.Mat, error) {
	if k.R != v.R {
		return tensor.Mat{}, tensor.ShapeError("key rows %d, value rows %d", k.R, v.R)
	}
	weights, err := AttentionWeights(q, k, tile, causal)
	if err != nil {
		return tensor.Mat{}, err
	}
	out, err := tensor.NewMat(q.R, v.C)
	if err != nil {
		return tensor.Mat{}, err
	}
	for i := 0; i < out.R; i++ {
		dst := out.Row(i)
		w := weights.Row(i)
		for j := 0; j < v.R; j++ {
			wj := w[j]
			if wj == 0 {
				continue
			}
			vj := v.Row(j)
			for d := range dst {
				dst[d] += wj * vj[d]
			}
		}
	}
	return out, nil
}

// headTask carries one head's column slices through the fan-out.
type headTask struct {
	q, k, v tensor.Mat
	out     tensor.Mat
}

// multiHeadAttention splits q, k and v into numHeads contiguous column
// slices, runs Attention on each head concurrently and writes every head's
// context back at its original column offset.
func multiHeadAttention(q, k, v *tensor.Mat, numHeads, tile int, causal bool) (tensor.Mat, error) {
	if !q.SameShape(k) || !q.SameShape(v) {
		return tensor.Mat{}, tensor.ShapeError("q %dx%d, k %dx%d, v %dx%d", q.R, q.C, k.R, k.C, v.R, v.C)
	}
	if numHeads <= 0 || q.C%numHeads != 0 {
		return tensor.Mat{}, tensor.ShapeError("%d heads do not divide width %d", numHeads, q.C)
	}
	headDim := q.C / numHeads

	heads := make([]headTask, numHeads)
	for h := range heads {
		c0, c1 := h*headDim, (h+1)*headDim
		var err error
		if heads[h].q, err = q.Cols(c0, c1); err != nil {
			return tensor.Mat{}, err
		}
		if heads[h].k, err = k.Cols(c0, c1); err != nil {
			return tensor.Mat{}, err
		}
		if heads[h].v, err = v.Cols(c0, c1); err != nil {
			return tensor.Mat{}, err
		}
	}

	var g errgroup.Group
	g.SetLimit(attnWorkersFor(numHeads))
	for h := range heads {
		task := &heads[h]
		g.Go(func() error {
			out, err := Attention(&task.q, &task.k, &task.v, tile, causal)
			if err != nil {
				return err
			}
			task.out = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tensor.Mat{}, err
	}

	out, err := tensor.NewMat(q.R, q.C)
	if err != nil {
		return tensor.Mat{}, err
	}
	for h := range heads {
		if err := out.SetCols(h*headDim, &heads[h].out); err != nil {
			return tensor.Mat{}, err
		}
	}
	return out, nil
}

func attnWorkersFor(nHead int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	return workers
}
