package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("bad input")))
	assert.Equal(t, KindConflict, KindOf(ErrInsufficientBalance))
	assert.Equal(t, KindNotFound, KindOf(NotFound("missing")))
	assert.Equal(t, KindExternal, KindOf(External("provider down", nil)))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	// Wrapped classified errors keep their kind
	wrapped := fmt.Errorf("processing: %w", ErrInvalidSignature)
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(Validation("bad input")))
	assert.False(t, Retryable(ErrInsufficientBalance))
	assert.False(t, Retryable(ErrInvalidSignature))
	assert.False(t, Retryable(NotFound("missing")))

	assert.True(t, Retryable(External("provider down", nil)))
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", errors.New("timeout"))))
}

func TestErrorFormatting(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := External("xmoney request failed", base)

	assert.Contains(t, err.Error(), "xmoney request failed")
	assert.Contains(t, err.Error(), "dial tcp")
	assert.ErrorIs(t, err, base)
}
