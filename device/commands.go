package device

import (
	"context"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// CommandFunc executes a command. The returned values become the reply.
type CommandFunc func(ctx context.Context, args []any) ([]any, error)

type command struct {
	fn         CommandFunc
	background bool
}

type job struct {
	name string
	fn   CommandFunc
	args []any
	done func([]any, error)
}

// RegisterCommand binds a command declared in the schema with a Slot
// element. It runs on the message loop of the device, so it must be short.
func (d *Device) RegisterCommand(name string, fn CommandFunc) {
	d.registerCommand(name, command{fn: fn})
}

// RegisterBackgroundCommand binds a long-running command. It runs on the
// command pool and replies when done; the device keeps serving other calls
// meanwhile.
func (d *Device) RegisterBackgroundCommand(name string, fn CommandFunc) {
	d.registerCommand(name, command{fn: fn, background: true})
}

func (d *Device) registerCommand(name string, c command) {
	d.mu.Lock()
	d.commands[name] = c
	d.mu.Unlock()
	d.ss.RegisterSlot(name, func(ctx context.Context, call *signalslot.SlotCall) ([]any, error) {
		return d.dispatch(ctx, name, call.Args, call.AccessLevel, call.Defer)
	})
}

// lookupCommand applies the command gate. Caller must not hold mu.
func (d *Device) lookupCommand(name string, level schema.AccessLevel) (command, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[name]
	if !ok || !d.schema.IsCommand(name) {
		return command{}, kerrors.Newf(kerrors.KindNotFound, "%s has no command %q", d.id, name)
	}
	var errs schema.ValidationErrors
	d.checkAccess(name, level, &errs)
	if len(errs) > 0 {
		return command{}, gateError(d.id, errs)
	}
	return c, nil
}

// dispatch runs a command for a remote caller. Background commands defer
// their reply.
func (d *Device) dispatch(ctx context.Context, name string, args []any, level schema.AccessLevel, deferReply func() func([]any, error)) ([]any, error) {
	c, err := d.lookupCommand(name, level)
	if err != nil {
		return nil, err
	}
	if !c.background {
		return c.fn(ctx, args)
	}
	reply := deferReply()
	if err := d.pool.Submit(&job{name: name, fn: c.fn, args: args, done: reply}); err != nil {
		return nil, kerrors.Newf(kerrors.KindStateForbidden, "%s cannot run %s now", d.id, name).WithCause(err)
	}
	return nil, signalslot.ErrNoReply
}

// Execute runs a command locally and waits for its result.
func (d *Device) Execute(ctx context.Context, name string, level schema.AccessLevel, args ...any) ([]any, error) {
	c, err := d.lookupCommand(name, level)
	if err != nil {
		return nil, err
	}
	if !c.background {
		return c.fn(ctx, args)
	}
	type result struct {
		out []any
		err error
	}
	ch := make(chan result, 1)
	j := &job{name: name, fn: c.fn, args: args, done: func(out []any, err error) { ch <- result{out, err} }}
	if err := d.pool.SubmitWait(ctx, j); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, kerrors.Newf(kerrors.KindTimeout, "command %s of %s timed out", name, d.id)
	}
}

func (d *Device) runJob(ctx context.Context, j *job) (err error) {
	var out []any
	defer func() {
		if r := recover(); r != nil {
			err = kerrors.Newf(kerrors.KindUnknown, "command %s panicked: %v", j.name, r)
		}
		j.done(out, err)
	}()
	out, err = j.fn(ctx, j.args)
	return err
}
