package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrKeyNotFound      = errors.New("kv: key not found")
	ErrKeyExists        = errors.New("kv: key already exists")
	ErrRevisionMismatch = errors.New("kv: revision mismatch")
	ErrValueTooLarge    = errors.New("kv: value too large")
)

// Entry is a value together with the revision it was read at.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV wraps a bucket.
type KV struct {
	bucket   jetstream.KeyValue
	timeout  time.Duration
	maxValue int
}

// KVOption configures a KV.
type KVOption func(*KV)

// WithOperationTimeout bounds each call; zero leaves ctx alone.
func WithOperationTimeout(d time.Duration) KVOption {
	return func(kv *KV) { kv.timeout = d }
}

// WithMaxValueSize rejects larger values; zero disables the check.
func WithMaxValueSize(n int) KVOption {
	return func(kv *KV) { kv.maxValue = n }
}

// NewKV wraps bucket with a 5s timeout and an 8 MiB value limit.
func NewKV(bucket jetstream.KeyValue, opts ...KVOption) *KV {
	kv := &KV{bucket: bucket, timeout: 5 * time.Second, maxValue: 8 << 20}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

func (kv *KV) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.timeout)
}

func (kv *KV) fits(value []byte) error {
	if kv.maxValue > 0 && len(value) > kv.maxValue {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(value), kv.maxValue)
	}
	return nil
}

// Get reads key. A missing or deleted key gives ErrKeyNotFound.
func (kv *KV) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()
	e, err := kv.bucket.Get(ctx, key)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return &Entry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

// Put writes key unconditionally.
func (kv *KV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.bounded(ctx)
	defer cancel()
	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, classify("put", key, err)
	}
	return rev, nil
}

// Create writes key if it does not exist, else ErrKeyExists.
func (kv *KV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.bounded(ctx)
	defer cancel()
	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsConflict(err) {
			return 0, ErrKeyExists
		}
		return 0, classify("create", key, err)
	}
	return rev, nil
}

// Update writes key if it is still at revision, else ErrRevisionMismatch.
func (kv *KV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.bounded(ctx)
	defer cancel()
	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsConflict(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, classify("update", key, err)
	}
	return rev, nil
}

// Delete removes key.
func (kv *KV) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()
	if err := kv.bucket.Delete(ctx, key); err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// Keys lists the keys matching a subject filter such as "FXE.>".
func (kv *KV) Keys(ctx context.Context, filter string) ([]string, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()
	lister, err := kv.bucket.ListKeysFiltered(ctx, filter)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, classify("keys", filter, err)
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

func classify(op, key string, err error) error {
	if IsNotFound(err) {
		return ErrKeyNotFound
	}
	return fmt.Errorf("kv %s %s: %w", op, key, err)
}

// IsNotFound reports a missing or deleted key.
func IsNotFound(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsConflict reports a write that lost against a concurrent one.
func IsConflict(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrKeyExists), errors.Is(err, ErrRevisionMismatch), errors.Is(err, jetstream.ErrKeyExists):
		return true
	}
	// JetStream API errors 10071 and 10058.
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "key exists")
}
