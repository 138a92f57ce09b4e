package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrBadInput, "BAD_INPUT"},
		{ErrNotFound, "NOT_FOUND"},
		{ErrTimeout, "TIMEOUT"},
		{ErrOverloaded, "OVERLOADED"},
		{ErrUpstreamUnavailable, "UPSTREAM_UNAVAILABLE"},
		{ErrInference, "INFERENCE_ERROR"},
		{ErrServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{ErrInternal, "INTERNAL"},
		{errors.New("something else"), "INTERNAL"},
		{nil, "INTERNAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

func TestErrorKind_Wrapped(t *testing.T) {
	err := fmt.Errorf("queue full: %w", ErrOverloaded)
	assert.Equal(t, "OVERLOADED", ErrorKind(err))

	err = fmt.Errorf("scoring viewer v1: %w", fmt.Errorf("model: %w", ErrInference))
	assert.Equal(t, "INFERENCE_ERROR", ErrorKind(err))
}
