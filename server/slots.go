package server

import (
	"context"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

func (s *Server) registerSlots() {
	s.ss.RegisterSlot("slotStartDevice", s.slotStartDevice)
	s.ss.RegisterSlot("slotKillServer", s.slotKillServer)
	s.ss.RegisterSlot("slotDeviceGone", s.slotDeviceGone)
	s.ss.RegisterSlot("slotGetClassSchema", s.slotGetClassSchema)
	s.ss.RegisterSlot("slotLoggerContent", s.slotLoggerContent)
	s.ss.RegisterSlot("slotGetConfiguration", func(context.Context, *signalslot.SlotCall) ([]any, error) {
		cfg := s.Status()
		cfg.Set("serverId", s.id)
		cfg.Set("deviceClasses", s.Classes())
		cfg.Set("devices", s.Devices())
		return []any{cfg, s.id}, nil
	})
}

// slotStartDevice(Hash{classId, deviceId, configuration}) replies
// (true, deviceId) once the device is up.
func (s *Server) slotStartDevice(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	req, err := signalslot.Arg[*hash.Hash](c.Args, 0)
	if err != nil {
		return nil, err
	}
	classID, _ := req.GetString("classId")
	deviceID, _ := req.GetString("deviceId")
	var cfg *hash.Hash
	if req.Has("configuration") {
		if cfg, err = req.GetHash("configuration"); err != nil {
			return nil, kerrors.New(kerrors.KindValidation, "configuration is not a Hash")
		}
	}

	reply := c.Defer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		id, err := s.StartDevice(ctx, classID, deviceID, cfg)
		if err != nil {
			reply(nil, err)
			return
		}
		reply([]any{true, id}, nil)
	}()
	return nil, signalslot.ErrNoReply
}

// slotKillServer replies with the server id after the devices are gone and
// then takes the server offline.
func (s *Server) slotKillServer(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	s.logger.Info("Received request to shutdown server", "sender", c.Sender)
	if !s.killed.CompareAndSwap(false, true) {
		return []any{s.id}, nil
	}
	reply := c.Defer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.opts.killTimeout)
		defer cancel()
		if err := s.killDevices(ctx); err != nil {
			s.logger.Warn("Shutdown incomplete", "error", err)
		}
		reply([]any{s.id}, nil)
		s.shutdown(ctx)
	}()
	return nil, signalslot.ErrNoReply
}

func (s *Server) slotDeviceGone(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	id, err := signalslot.Arg[string](c.Args, 0)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Device notifies about its future death", "device_id", id)
	s.mu.Lock()
	delete(s.devices, id)
	n := len(s.devices)
	s.mu.Unlock()
	s.metrics.RecordDevices(n)
	return nil, nil
}

// slotGetClassSchema replies (schema, classId, serverId).
func (s *Server) slotGetClassSchema(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	classID, err := signalslot.Arg[string](c.Args, 0)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	class, ok := s.plugins.classes[classID]
	s.mu.Unlock()
	if !ok {
		return nil, kerrors.Newf(kerrors.KindNotFound, "unknown class %q on server %s", classID, s.id)
	}
	sch, err := class.Schema()
	if err != nil {
		return nil, err
	}
	return []any{sch.Wire(), classID, s.id}, nil
}

// slotLoggerContent(Hash{logs}) replies Hash{serverId, content} with the
// newest cached log records of the server and its devices.
func (s *Server) slotLoggerContent(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	n := DefaultLoggerContent
	if req, err := signalslot.OptArg[*hash.Hash](c.Args, 0, nil); err == nil && req != nil && req.Has("logs") {
		v, _ := req.Get("logs")
		logs, err := hash.Cast(v, hash.TypeOf(v), hash.Int32)
		if err != nil {
			return nil, kerrors.New(kerrors.KindValidation, "logs must be an integer").WithCause(err)
		}
		n = int(logs.(int32))
	}
	return []any{hash.New("serverId", s.id, "content", s.LoggerContent(n))}, nil
}
