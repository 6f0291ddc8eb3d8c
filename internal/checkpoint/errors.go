package checkpoint

import "errors"

var (
	ErrCorruptFile      = errors.New("corrupt checkpoint file")
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDType = errors.New("unsupported tensor dtype")
)
