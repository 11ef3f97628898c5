package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsCodeForErrorsIs(t *testing.T) {
	err := Clone(ErrBatchCommitted, "batch b-1 already committed")
	wrapped := fmt.Errorf("commit: %w", err)

	assert.True(t, errors.Is(wrapped, ErrBatchCommitted))
	assert.False(t, errors.Is(wrapped, ErrEmptyBatch))
	assert.Equal(t, "promotion batch already committed", ErrBatchCommitted.Message)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(errors.New("boom"))
	require.NotNil(t, appErr)
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.Nil(t, FromError(nil))
}

func TestWithDetails(t *testing.T) {
	details := []string{"student-1"}
	appErr := WithDetails(ErrUnacknowledgedWarnings, details)
	assert.Equal(t, details, appErr.Details)
	assert.Nil(t, ErrUnacknowledgedWarnings.Details)
}
