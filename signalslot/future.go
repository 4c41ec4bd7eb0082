package signalslot

import (
	"context"
	"errors"
	"sync"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// ErrCancelled is returned by a future cancelled locally.
var ErrCancelled = errors.New("request cancelled")

// Future is a pending request. It resolves once: with the reply, with a
// failure reply, on cancellation or when the keepalive expires.
type Future struct {
	id     string
	target string
	slot   string
	start  time.Time
	owner  *SignalSlotable

	once sync.Once
	done chan struct{}
	args []any
	err  error
	// deliveries queued on the owner's inbox before the reply arrived
	barrier uint64
}

func newFuture(owner *SignalSlotable, id, target, slot string) *Future {
	return &Future{
		id:     id,
		target: target,
		slot:   slot,
		start:  time.Now(),
		owner:  owner,
		done:   make(chan struct{}),
	}
}

// ID returns the correlation id sent as replyTo.
func (f *Future) ID() string { return f.id }

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome of a resolved future. Unlike Wait it does not
// wait for earlier inbox deliveries.
func (f *Future) Result() ([]any, error) {
	<-f.done
	return f.args, f.err
}

func (f *Future) resolve(args []any, err error, barrier uint64) bool {
	ok := false
	f.once.Do(func() {
		f.args, f.err, f.barrier = args, err, barrier
		close(f.done)
		ok = true
	})
	return ok
}

// Wait blocks for the reply. If ctx ends first the future is cancelled and
// a later reply is dropped.
//
// Messages the replier sent before its reply, such as signalChanged, have
// been handled when Wait returns. Inside a slot handler, whose ctx comes
// from the inbox itself, Wait returns as soon as the reply arrives.
func (f *Future) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			f.fail(kerrors.Newf(kerrors.KindTimeout, "request %s.%s timed out", f.target, f.slot).WithCause(err))
		} else {
			f.fail(ErrCancelled)
		}
	}
	if !f.owner.inSlot(ctx) {
		f.owner.awaitHandled(ctx, f.barrier)
	}
	return f.Result()
}

// Cancel drops the local bookkeeping. The remote side is not notified.
func (f *Future) Cancel() {
	f.fail(ErrCancelled)
}

func (f *Future) fail(err error) {
	f.owner.forget(f.id)
	if f.resolve(nil, err, 0) {
		f.owner.recordRequest(f, err)
	}
}
