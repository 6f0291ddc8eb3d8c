package tensor

import (
	"math/rand"
)

// maxElems caps a single matrix so r*c cannot overflow int on 32-bit
// platforms and a corrupt shape cannot ask for absurd amounts of memory.
const maxElems = 1<<31 - 1

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; every constructor in
// this package sets it to C. Data holds the flattened matrix values and is
// indexed as r*Stride + c.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) (Mat, error) {
	n, err := checkedElems(r, c)
	if err != nil {
		return Mat{}, err
	}
	data, err := allocFloat32(n)
	if err != nil {
		return Mat{}, err
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// MustMat is NewMat for shapes already known to be valid. It panics on error.
func MustMat(r, c int) Mat {
	m, err := NewMat(r, c)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatFromData wraps data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	n, err := checkedElems(r, c)
	if err != nil {
		return Mat{}, err
	}
	if len(data) != n {
		return Mat{}, ShapeError("data length %d does not match %dx%d", len(data), r, c)
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

func checkedElems(r, c int) (int, error) {
	if r < 0 || c < 0 {
		return 0, ShapeError("negative dimension %dx%d", r, c)
	}
	if r != 0 && c > maxElems/r {
		return 0, AllocError("matrix %dx%d too large", r, c)
	}
	return r * c, nil
}

// allocFloat32 turns a failed make into ErrAllocation instead of a crash.
// Exhausting the heap is still fatal to the process; this only covers the
// runtime's length checks.
func allocFloat32(n int) (buf []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = AllocError("cannot allocate %d floats: %v", n, r)
		}
	}()
	return make([]float32, n), nil
}

// Row returns a view of the i-th row. Modifications to the returned slice
// update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// SameShape reports whether m and o have identical dimensions.
func (m *Mat) SameShape(o *Mat) bool {
	return m.R == o.R && m.C == o.C
}

// Clone returns a deep copy of m with a packed stride.
func (m *Mat) Clone() Mat {
	out := MustMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Cols copies columns [c0, c1) of m into a new (m.R x (c1-c0)) matrix.
func (m *Mat) Cols(c0, c1 int) (Mat, error) {
	if c0 < 0 || c1 > m.C || c0 > c1 {
		return Mat{}, RangeError("column slice [%d,%d) of %d columns", c0, c1, m.C)
	}
	out, err := NewMat(m.R, c1-c0)
	if err != nil {
		return Mat{}, err
	}
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i)[c0:c1])
	}
	return out, nil
}

// SetCols writes src into columns [c0, c0+src.C) of m.
func (m *Mat) SetCols(c0 int, src *Mat) error {
	if src.R != m.R {
		return ShapeError("row count %d does not match %d", src.R, m.R)
	}
	if c0 < 0 || c0+src.C > m.C {
		return RangeError("column offset %d+%d exceeds %d columns", c0, src.C, m.C)
	}
	for i := 0; i < m.R; i++ {
		copy(m.Row(i)[c0:c0+src.C], src.Row(i))
	}
	return nil
}

// FillUniform fills the matrix with reproducible pseudo-random values drawn
// uniformly from [-limit, limit]. The same seed always produces the same
// matrix.
func FillUniform(m *Mat, seed int64, limit float32) {
	FillUniformSlice(m.Data, seed, limit)
}

// FillUniformSlice is FillUniform for a bare vector.
func FillUniformSlice(dst []float32, seed int64, limit float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = (rng.Float32()*2 - 1) * limit
	}
}
