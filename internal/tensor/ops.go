package tensor

import (
	"math"
)

// Lanes is the number of independent accumulators used by Dot.
const Lanes = 8

// Dot computes the dot product of a and b over len(a) elements.
//
// Full groups of Lanes elements are accumulated into separate lane sums that
// are combined with a fixed pairwise tree; the tail is then added in order.
// The summation order depends only on the length, so repeated calls are
// bit-reproducible.
func Dot(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var l0, l1, l2, l3, l4, l5, l6, l7 float32
	j := 0
	for ; j+Lanes <= n; j += Lanes {
		l0 += a[j] * b[j]
		l1 += a[j+1] * b[j+1]
		l2 += a[j+2] * b[j+2]
		l3 += a[j+3] * b[j+3]
		l4 += a[j+4] * b[j+4]
		l5 += a[j+5] * b[j+5]
		l6 += a[j+6] * b[j+6]
		l7 += a[j+7] * b[j+7]
	}
	sum := ((l0 + l1) + (l2 + l3)) + ((l4 + l5) + (l6 + l7))
	for ; j < n; j++ {
		sum += a[j] * b[j]
	}
	return sum
}

// AddVec adds src to dst element-wise.
func AddVec(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += src[i]
	}
}

// Add returns the element-wise sum a + b as a new matrix.
func Add(a, b *Mat) (Mat, error) {
	if !a.SameShape(b) {
		return Mat{}, ShapeError("add %dx%d and %dx%d", a.R, a.C, b.R, b.C)
	}
	out, err := NewMat(a.R, a.C)
	if err != nil {
		return Mat{}, err
	}
	for i := 0; i < a.R; i++ {
		dst := out.Row(i)
		ra, rb := a.Row(i), b.Row(i)
		for j := range dst {
			dst[j] = ra[j] + rb[j]
		}
	}
	return out, nil
}

// Negate returns -a as a new matrix.
func Negate(a *Mat) Mat {
	out := MustMat(a.R, a.C)
	for i := 0; i < a.R; i++ {
		dst, src := out.Row(i), a.Row(i)
		for j := range dst {
			dst[j] = -src[j]
		}
	}
	return out
}

// NormalizeVec writes (src-mean)/sqrt(var+eps) into dst, using the
// population variance of src. Statistics are accumulated in float64.
func NormalizeVec(dst, src []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var sum float64
	for _, v := range src {
		sum += float64(v)
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range src {
		d := float64(v) - mean
		sq += d * d
	}
	variance := sq / float64(n)
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v) - mean) * inv)
	}
}

// LayerNorm normalizes every row of x to zero mean and unit variance. No
// learned scale or shift is applied. A constant row becomes all zeros.
func LayerNorm(x *Mat, eps float32) (Mat, error) {
	out, err := NewMat(x.R, x.C)
	if err != nil {
		return Mat{}, err
	}
	for i := 0; i < x.R; i++ {
		NormalizeVec(out.Row(i), x.Row(i), eps)
	}
	return out, nil
}

const (
	geluScale = 0.7978845608028654 // sqrt(2/pi)
	geluCoeff = 0.044715
)

// Gelu computes the tanh approximation of the Gaussian Error Linear Unit.
func Gelu(x float32) float32 {
	v := float64(x)
	inner := geluScale * (v + geluCoeff*v*v*v)
	return float32(0.5 * v * (1 + math.Tanh(inner)))
}

// GELU applies Gelu element-wise from src into dst.
func GELU(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] = Gelu(src[i])
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}
