package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeRecoverable(t *testing.T) {
	assert.True(t, CodeNetTimeout.Recoverable())
	assert.True(t, CodeRateLimited.Recoverable())
	assert.False(t, CodeAuthExpired.Recoverable())
	assert.False(t, CodeValidationFail.Recoverable())
	assert.False(t, CodeUnknown.Recoverable())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(CodeNetTimeout, "call widgets", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeNetTimeout, CodeOf(err))
	assert.True(t, IsRecoverable(err))
	assert.Contains(t, err.Error(), "NET_TIMEOUT")
	assert.Contains(t, err.Error(), "socket closed")
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(CodeRateLimited, "throttled")
	outer := fmt.Errorf("binding dispatch: %w", inner)

	assert.Equal(t, CodeRateLimited, CodeOf(outer))
	assert.True(t, IsRecoverable(outer))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.False(t, IsRecoverable(errors.New("boom")))
}
