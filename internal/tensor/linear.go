package tensor

// Linear is an affine projection y = W x + b with W stored as
// (out x in) so each output is the dot product of x with one weight row.
type Linear struct {
	Weight Mat
	Bias   []float32
}

// NewLinear allocates a zero-initialised in -> out layer.
func NewLinear(in, out int) (Linear, error) {
	w, err := NewMat(out, in)
	if err != nil {
		return Linear{}, err
	}
	b, err := allocFloat32(out)
	if err != nil {
		return Linear{}, err
	}
	return Linear{Weight: w, Bias: b}, nil
}

// In returns the input dimension.
func (l *Linear) In() int { return l.Weight.C }

// Out returns the output dimension.
func (l *Linear) Out() int { return l.Weight.R }

// Validate checks that the bias matches the weight's output dimension and,
// when in and out are positive, that the layer has the expected shape.
func (l *Linear) Validate(in, out int) error {
	if len(l.Bias) != l.Weight.R {
		return ShapeError("bias length %d, weight rows %d", len(l.Bias), l.Weight.R)
	}
	if len(l.Weight.Data) < l.Weight.R*l.Weight.Stride {
		return ShapeError("weight data length %d for %dx%d", len(l.Weight.Data), l.Weight.R, l.Weight.C)
	}
	if in > 0 && l.Weight.C != in {
		return ShapeError("input dim %d, want %d", l.Weight.C, in)
	}
	if out > 0 && l.Weight.R != out {
		return ShapeError("output dim %d, want %d", l.Weight.R, out)
	}
	return nil
}

// Forward computes dst[i] = dot(x, W.row(i)) + b[i]. Output rows are split
// across the shared row pool.
func (l *Linear) Forward(dst, x []float32) error {
	if len(l.Bias) != l.Weight.R {
		return ShapeError("bias length %d, weight rows %d", len(l.Bias), l.Weight.R)
	}
	if err := MatVec(dst, &l.Weight, x); err != nil {
		return err
	}
	AddVec(dst, l.Bias)
	return nil
}

// Apply is Forward into a newly allocated output vector.
func (l *Linear) Apply(x []float32) ([]float32, error) {
	dst, err := allocFloat32(l.Out())
	if err != nil {
		return nil, err
	}
	if err := l.Forward(dst, x); err != nil {
		return nil, err
	}
	return dst, nil
}

// forwardSerial is Forward without fan-out, for callers that already run
// inside a parallel region.
func (l *Linear) forwardSerial(dst, x []float32) {
	matVecRange(dst, &l.Weight, x, 0, l.Weight.R)
	AddVec(dst, l.Bias)
}

// ForwardMat projects every row of x (seq x in) and returns seq x out.
// Sequence rows are processed in parallel.
func (l *Linear) ForwardMat(x *Mat) (Mat, error) {
	if x.C != l.In() {
		return Mat{}, ShapeError("linear input %dx%d, layer expects %d columns", x.R, x.C, l.In())
	}
	if len(l.Bias) != l.Weight.R {
		return Mat{}, ShapeError("bias length %d, weight rows %d", len(l.Bias), l.Weight.R)
	}
	out, err := NewMat(x.R, l.Out())
	if err != nil {
		return Mat{}, err
	}
	if x.R == 1 {
		if err := l.Forward(out.Row(0), x.Row(0)); err != nil {
			return Mat{}, err
		}
		return out, nil
	}
	ParallelRows(x.R, l.In()*l.Out(), func(rs, re int) {
		for i := rs; i < re; i++ {
			l.forwardSerial(out.Row(i), x.Row(i))
		}
	})
	return out, nil
}
