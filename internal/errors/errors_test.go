package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("route: %w", NewDomainNotFoundError("unknown.com"))

	assert.True(t, errors.Is(err, ErrDomainNotFound))
	assert.False(t, errors.Is(err, ErrNoHealthyBackend))
	assert.Equal(t, ErrCodeDomainNotFound, GetErrorCode(err))
}

func TestHTTPStatusCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"host header missing", NewHostHeaderMissingError(), http.StatusBadRequest},
		{"domain not found", NewDomainNotFoundError("a.com"), http.StatusBadGateway},
		{"no healthy backend", NewNoHealthyBackendError("a.com"), http.StatusBadGateway},
		{"worker stopped", ErrWorkerStopped, http.StatusServiceUnavailable},
		{"invalid domain", NewInvalidDomainError("", nil), http.StatusBadRequest},
		{"plain error", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetHTTPStatusCode(tt.err))
		})
	}
}

func TestResolutionErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := NewResolutionError("example.com", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "example.com", err.Metadata["domain"])
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.True(t, IsProxyError(err))
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError(nil, ErrCodeInternalError, "x", "y"))
}
