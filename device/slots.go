package device

import (
	"context"

	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

func (d *Device) registerSlots() {
	d.ss.RegisterSlot("slotGetConfiguration", func(context.Context, *signalslot.SlotCall) ([]any, error) {
		return []any{d.Configuration(), d.id}, nil
	})
	d.ss.RegisterSlot("slotGetSchema", d.slotGetSchema)
	d.ss.RegisterSlot("slotReconfigure", d.slotReconfigure)
	d.ss.RegisterSlot("slotExecute", d.slotExecute)
	d.ss.RegisterSlot("slotKillDevice", d.slotKillDevice)
	d.ss.RegisterSlot("slotUpdateSchema", d.slotUpdateSchema)
}

// slotGetSchema replies (schema, deviceId). With onlyCurrentState true the
// schema is reduced to what is writable in the current state.
func (d *Device) slotGetSchema(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	only, err := signalslot.OptArg(c.Args, 0, false)
	if err != nil {
		return nil, err
	}
	s := d.Schema()
	if only {
		s = s.ForState(d.State())
	}
	return []any{s.Wire(), d.id}, nil
}

func (d *Device) slotReconfigure(ctx context.Context, c *signalslot.SlotCall) ([]any, error) {
	changes, err := signalslot.Arg[*hash.Hash](c.Args, 0)
	if err != nil {
		return nil, err
	}
	if err := d.Reconfigure(ctx, changes, c.AccessLevel); err != nil {
		return nil, err
	}
	return nil, nil
}

// slotExecute(command, args...) runs a command under the same gate as a
// direct call of the command slot.
func (d *Device) slotExecute(ctx context.Context, c *signalslot.SlotCall) ([]any, error) {
	name, err := signalslot.Arg[string](c.Args, 0)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, name, c.Args[1:], c.AccessLevel, c.Defer)
}

// slotKillDevice replies at once and tears the device down afterwards.
func (d *Device) slotKillDevice(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	d.logger.Info("Kill requested", "sender", c.Sender)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.destructionTimeout+d.opts.preInitTimeout)
		defer cancel()
		if err := d.Kill(ctx); err != nil {
			d.logger.Warn("Kill finished with errors", "error", err)
		}
	}()
	return nil, nil
}

func (d *Device) slotUpdateSchema(ctx context.Context, c *signalslot.SlotCall) ([]any, error) {
	ws, err := signalslot.Arg[*hash.Schema](c.Args, 0)
	if err != nil {
		return nil, err
	}
	if err := d.UpdateSchema(ctx, schema.FromWire(ws)); err != nil {
		return nil, err
	}
	return []any{d.Schema().Wire(), d.id}, nil
}
