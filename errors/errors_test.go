package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"store unavailable", ErrStoreUnavailable, true},
		{"source timeout", ErrSourceTimeout, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"timeout in message", fmt.Errorf("dial tcp: i/o timeout"), true},
		{"invalid registration", ErrInvalidRegistration, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "C", "M", "a"))

	err := Wrap(ErrNotFound, "MemoryStore", "Get", "lookup")
	assert.Equal(t, "MemoryStore.Get: lookup failed: registration not found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
}

func TestWrapClassified(t *testing.T) {
	err := WrapInvalid(ErrInvalidRegistration, "Registration", "Validate", "endpoint check")
	require.Error(t, err)

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Registration", ce.Component)
	assert.Equal(t, "Validate", ce.Operation)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.True(t, errors.Is(err, ErrInvalidRegistration))

	assert.True(t, IsFatal(WrapFatal(errors.New("boom"), "C", "M", "a")))
	assert.True(t, IsTransient(WrapTransient(errors.New("boom"), "C", "M", "a")))
	assert.Nil(t, WrapTransient(nil, "C", "M", "a"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}
