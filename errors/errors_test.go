package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"unknown scheme", ErrUnknownScheme, ErrorConfig},
		{"malformed mapping", ErrMalformedMapping, ErrorConfig},
		{"duplicate topic", ErrDuplicateTopic, ErrorConfig},
		{"grace expired", ErrGraceExpired, ErrorBackpressure},
		{"child crashed", ErrChildCrashed, ErrorCrash},
		{"plain error defaults to transport", stderrors.New("boom"), ErrorTransport},
		{"wrapped sentinel", fmt.Errorf("parse: %w", ErrUnknownScheme), ErrorConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapConfig_PreservesChain(t *testing.T) {
	err := WrapConfig(ErrDuplicateTopic, "Parser", "Parse", "mapping validation")
	require.Error(t, err)

	assert.True(t, IsConfig(err))
	assert.False(t, IsTransport(err))
	assert.True(t, stderrors.Is(err, ErrDuplicateTopic))
	assert.Contains(t, err.Error(), "Parser.Parse: mapping validation failed")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Parser", ce.Component)
	assert.Equal(t, ErrorConfig, ce.Class)
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransport(nil, "c", "m", "a"))
	assert.NoError(t, WrapBackpressure(nil, "c", "m", "a"))
	assert.NoError(t, WrapCrash(nil, "c", "m", "a"))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "config", ErrorConfig.String())
	assert.Equal(t, "transport", ErrorTransport.String())
	assert.Equal(t, "backpressure", ErrorBackpressure.String())
	assert.Equal(t, "crash", ErrorCrash.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
