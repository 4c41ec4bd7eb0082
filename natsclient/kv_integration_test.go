package natsclient

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKV(t *testing.T) {
	ts := StartTestServer(t, WithJetStream())
	ctx := context.Background()

	bucket, err := ts.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "karabo_test", History: 5})
	require.NoError(t, err)
	again, err := ts.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "karabo_test"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	kv := NewKV(bucket, WithMaxValueSize(16))

	rev, err := kv.Create(ctx, "FXE.item", []byte("v1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "FXE.item", []byte("again"))
	assert.ErrorIs(t, err, ErrKeyExists)

	_, err = kv.Update(ctx, "FXE.item", []byte("v2"), rev+10)
	assert.ErrorIs(t, err, ErrRevisionMismatch)
	rev2, err := kv.Update(ctx, "FXE.item", []byte("v2"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	_, err = kv.Put(ctx, "FXE.big", []byte(strings.Repeat("x", 17)))
	assert.ErrorIs(t, err, ErrValueTooLarge)

	e, err := kv.Get(ctx, "FXE.item")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), e.Value)
	assert.Equal(t, rev2, e.Revision)

	keys, err := kv.Keys(ctx, "FXE.>")
	require.NoError(t, err)
	assert.Equal(t, []string{"FXE.item"}, keys)

	require.NoError(t, kv.Delete(ctx, "FXE.item"))
	_, err = kv.Get(ctx, "FXE.item")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKVErrorClassification(t *testing.T) {
	assert.True(t, IsNotFound(ErrKeyNotFound))
	assert.True(t, IsNotFound(jetstream.ErrKeyDeleted))
	assert.True(t, IsNotFound(errors.New("nats: key not found")))
	assert.False(t, IsNotFound(nil))

	assert.True(t, IsConflict(ErrRevisionMismatch))
	assert.True(t, IsConflict(errors.New("wrong last sequence: 4")))
	assert.False(t, IsConflict(errors.New("other")))
	assert.False(t, IsConflict(nil))
}
