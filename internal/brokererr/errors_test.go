package brokererr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasNoCause(t *testing.T) {
	err := New(InvalidArgs, "bad shape")
	assert.Equal(t, InvalidArgs, err.Kind)
	assert.Equal(t, "bad shape", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrapDefaultsMessageToCause(t *testing.T) {
	cause := errors.New("schema: missing field foo")
	err := Wrap(InvalidArgs, cause, "")
	assert.Equal(t, cause.Error(), err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestWithDetailChains(t *testing.T) {
	err := New(InvalidArgs, "bad shape").WithDetail(map[string]any{"field": "prompt"})
	require.NotNil(t, err.Detail)
	detail, ok := err.Detail.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "prompt", detail["field"])
}

func TestCodeForEveryKindIsStable(t *testing.T) {
	kinds := []Kind{
		InvalidRequest, UnknownTool, InvalidArgs, UnknownProvider, AuthError,
		HelloTimeout, Timeout, Cancelled, ToolError, ProviderError, Internal,
	}
	seen := map[int]Kind{}
	for _, k := range kinds {
		code := CodeFor(k)
		assert.NotZero(t, code, "kind %s must have a non-zero code", k)
		if other, ok := seen[code]; ok {
			t.Fatalf("kinds %s and %s share code %d", k, other, code)
		}
		seen[code] = k
	}
}

func TestAsExtractsWrappedBrokerError(t *testing.T) {
	inner := New(Timeout, "deadline exceeded")
	wrapped := errors.Join(errors.New("context"), inner)

	found, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, Timeout, found.Kind)
	assert.True(t, OfKind(wrapped, Timeout))
	assert.False(t, OfKind(wrapped, Cancelled))
}

func TestAsOnPlainErrorFails(t *testing.T) {
	_, ok := As(errors.New("not a broker error"))
	assert.False(t, ok)
}
