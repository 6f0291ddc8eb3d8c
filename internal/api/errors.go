package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samcharles93/gpt2fwd/internal/model"
	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, format string, args ...any) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...), param: param}
}

// classify maps an error from request handling to an HTTP status and error
// type. Bad ids and shapes are the caller's fault; everything else is ours.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, tensor.ErrIndexOutOfRange),
		errors.Is(err, tensor.ErrShapeMismatch):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, model.ErrReleased):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
