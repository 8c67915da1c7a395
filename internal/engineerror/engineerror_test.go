package engineerror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrapsNilCauseWithMessage(t *testing.T) {
	err := New(ClassConnection, "https://cdn.example", nil, "dial failed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection_error")
	assert.Contains(t, err.Error(), "https://cdn.example")
	assert.Contains(t, err.Error(), "dial failed")
}

func TestNewWrapsCauseWithMessage(t *testing.T) {
	cause := errors.New("reset by peer")
	err := New(ClassNetworkTimeout, "host", cause, "fetch segment")
	assert.Contains(t, err.Error(), "fetch segment")
	assert.Contains(t, err.Error(), "reset by peer")
}

func TestClassOfUnwrapsTaggedError(t *testing.T) {
	err := New(ClassRateLimited, "host", nil, "429")
	assert.Equal(t, ClassRateLimited, ClassOf(err))
}

func TestClassOfDefaultsToUnknownForPlainErrors(t *testing.T) {
	assert.Equal(t, ClassUnknown, ClassOf(errors.New("plain")))
	assert.Equal(t, ClassUnknown, ClassOf(nil))
}

func TestClassFromHTTPStatus(t *testing.T) {
	cases := map[int]Class{
		200: ClassUnknown,
		404: ClassHTTP,
		408: ClassNetworkTimeout,
		429: ClassRateLimited,
		500: ClassServer,
		504: ClassNetworkTimeout,
	}
	for status, want := range cases {
		assert.Equal(t, want, ClassFromHTTPStatus(status), "status %d", status)
	}
}

func TestTerminalClasses(t *testing.T) {
	assert.True(t, ClassDecryption.Terminal())
	assert.True(t, ClassConfiguration.Terminal())
	assert.True(t, ClassCanceled.Terminal())
	assert.False(t, ClassNetworkTimeout.Terminal())
	assert.False(t, ClassServer.Terminal())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(ClassTemporary, "", cause, "")
	assert.ErrorIs(t, err, cause)
}
