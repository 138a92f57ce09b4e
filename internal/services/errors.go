package services

import "errors"

// The closed set of error kinds surfaced by the core. Callers classify
// failures with errors.Is; wrapped causes carry the detail.
var (
	ErrBadInput            = errors.New("BAD_INPUT")
	ErrNotFound            = errors.New("NOT_FOUND")
	ErrTimeout             = errors.New("TIMEOUT")
	ErrOverloaded          = errors.New("OVERLOADED")
	ErrUpstreamUnavailable = errors.New("UPSTREAM_UNAVAILABLE")
	ErrInference           = errors.New("INFERENCE_ERROR")
	ErrServiceUnavailable  = errors.New("SERVICE_UNAVAILABLE")
	ErrInternal            = errors.New("INTERNAL")
)

// ErrorKind maps an error to its machine-readable kind string.
func ErrorKind(err error) string {
	for _, kind := range []error{
		ErrBadInput, ErrNotFound, ErrTimeout, ErrOverloaded,
		ErrUpstreamUnavailable, ErrInference, ErrServiceUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ErrInternal.Error()
}
