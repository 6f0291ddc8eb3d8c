package tensor

import (
	"errors"
	"fmt"
)

// Error kinds shared by every operation in the engine. Detailed errors wrap
// one of these so callers can match with errors.Is.
var (
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrAllocation      = errors.New("allocation failure")
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e kindError) Unwrap() error {
	return e.kind
}

// ShapeError reports incompatible operand dimensions.
func ShapeError(format string, args ...any) error {
	return kindError{kind: ErrShapeMismatch, msg: fmt.Sprintf(format, args...)}
}

// RangeError reports an index outside its valid bounds.
func RangeError(format string, args ...any) error {
	return kindError{kind: ErrIndexOutOfRange, msg: fmt.Sprintf(format, args...)}
}

// AllocError reports a tensor whose storage could not be acquired.
func AllocError(format string, args ...any) error {
	return kindError{kind: ErrAllocation, msg: fmt.Sprintf(format, args...)}
}
