package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nucleus/imageindex/internal/apperr"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := apperr.Storage("put", true, errors.New("connection refused"))
	wrapped := fmt.Errorf("upload a.jpg: %w", base)

	assert.Equal(t, apperr.KindStorage, apperr.KindOf(wrapped))
	assert.True(t, apperr.Is(wrapped, apperr.KindStorage))
	assert.True(t, apperr.IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "E_OBJECT_STORE")
}

func TestPlainErrorsHaveNoKind(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(err))
	assert.False(t, apperr.IsRetryable(err))
	assert.False(t, apperr.Is(nil, apperr.KindStorage))
}

func TestCheckDimension(t *testing.T) {
	assert.NoError(t, apperr.CheckDimension("embed", make([]float32, 4), 4))

	err := apperr.CheckDimension("embed", make([]float32, 3), 4)
	assert.True(t, apperr.Is(err, apperr.KindDimensionMismatch))
	assert.False(t, apperr.IsRetryable(err))
	assert.Contains(t, err.Error(), "expected 4 elements, got 3")
}

func TestProviderCodes(t *testing.T) {
	assert.Equal(t, apperr.CodeRateLimited, apperr.Provider("embed", true, nil).Code)
	assert.Equal(t, apperr.CodeProviderFailed, apperr.Provider("embed", false, nil).Code)
}
