package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_RoundTripName(t *testing.T) {
	for k := KindValidation; k <= KindWrite; k++ {
		t.Run(k.String(), func(t *testing.T) {
			assert.Equal(t, k, ParseKind(k.String()))
		})
	}
	assert.Equal(t, KindUnknown, ParseKind("NoSuchKind"))
}

func TestKaraboError_IsSentinel(t *testing.T) {
	cause := fmt.Errorf("disk gone")
	err := New(KindWrite, "influx write").WithCause(cause)

	assert.True(t, errors.Is(err, ErrWrite))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "WriteError: influx write", err.Error())

	wrapped := Wrap(err, "Ingester", "flush", "write batch")
	assert.Equal(t, KindWrite, KindOf(wrapped))
	assert.True(t, IsFatal(wrapped))
}

func TestRemoteError_PreservesReason(t *testing.T) {
	err := &RemoteError{Instance: "devA", Reason: "AccessDenied: int32Property requires OPERATOR", Details: "trace"}

	assert.Equal(t, "AccessDenied: int32Property requires OPERATOR", err.Error())
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Equal(t, KindAccessDenied, KindOf(err))

	plain := &RemoteError{Reason: "boom"}
	assert.Equal(t, KindUnknown, KindOf(plain))
}
