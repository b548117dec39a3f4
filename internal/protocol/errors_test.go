package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorForCode(t *testing.T) {
	testCases := []struct {
		code     string
		expected error
	}{
		{code: CodeTokenUnavailable, expected: ErrTokenUnavailable},
		{code: CodeUnknownToken, expected: ErrUnknownToken},
		{code: CodeAuthMismatch, expected: ErrAuthMismatch},
		{code: CodePresenterUnreachable, expected: ErrPresenterUnreachable},
	}

	for _, tc := range testCases {
		t.Run(tc.code, func(t *testing.T) {
			assert.ErrorIs(t, ErrorForCode(tc.code), tc.expected)
		})
	}
}

func TestErrorForUnknownCode(t *testing.T) {
	err := ErrorForCode("some-future-code")
	assert.EqualError(t, err, "some-future-code")
	assert.False(t, IsRetryable(err))
	assert.False(t, IsTerminal(err))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(ErrPresenterUnreachable))
	assert.False(t, IsRetryable(ErrUnknownToken))

	assert.True(t, IsTerminal(ErrUnknownToken))
	assert.True(t, IsTerminal(ErrAuthMismatch))
	assert.True(t, IsTerminal(ErrTokenUnavailable))
	assert.False(t, IsTerminal(ErrPresenterUnreachable))
}
