package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	base := fmt.Errorf("boom")
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"explicit beats kind", WrapInvalid(New(KindTimeout, "slotPing"), "a", "b", "c"), ErrorInvalid},
		{"reply timeout", New(KindTimeout, "slotPing"), ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"canceled", context.Canceled, ErrorTransient},
		{"version conflict", ErrVersionConflict, ErrorTransient},
		{"write", Wrap(New(KindWrite, "influx"), "Ingester", "flush", "write"), ErrorFatal},
		{"access denied", New(KindAccessDenied, "x"), ErrorInvalid},
		{"cycle", ErrCycleDetected, ErrorInvalid},
		{"invalid data", ErrInvalidData, ErrorInvalid},
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"message hint", fmt.Errorf("broker Unavailable"), ErrorTransient},
		{"wrapped fatal", WrapFatal(base, "a", "b", "c"), ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want == ErrorTransient, IsTransient(tt.err))
			assert.Equal(t, tt.want == ErrorInvalid, IsInvalid(tt.err))
			assert.Equal(t, tt.want == ErrorFatal, IsFatal(tt.err))
		})
	}
}

func TestUnrecognised(t *testing.T) {
	err := fmt.Errorf("something odd")
	assert.Equal(t, ErrorTransient, Classify(err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsInvalid(err))
	assert.False(t, IsFatal(nil))
	assert.Equal(t, "unknown", ErrorClass(9).String())
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("no route")
	assert.Nil(t, Wrap(nil, "Broker", "Publish", "send"))
	assert.Nil(t, WrapTransient(nil, "Broker", "Publish", "send"))

	err := Wrap(base, "Broker", "Publish", "send")
	assert.Equal(t, "Broker.Publish: send failed: no route", err.Error())
	assert.ErrorIs(t, err, base)

	terr := WrapTransient(base, "Broker", "Connect", "dial")
	assert.Equal(t, "Broker.Connect: dial failed: no route", terr.Error())
	assert.ErrorIs(t, terr, base)
	var ce *ClassifiedError
	require.True(t, errors.As(terr, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Broker", ce.Component)
	assert.Equal(t, "Connect", ce.Operation)
}
