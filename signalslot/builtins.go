package signalslot

import (
	"context"
	"math/rand"
	"time"

	"github.com/European-XFEL/Karabo-sub011/hash"
)

func (s *SignalSlotable) registerBuiltins() {
	s.RegisterSlot("slotPing", s.slotPing)
	s.RegisterSlot("slotHasSlot", s.slotHasSlot)
	s.RegisterSlot("slotHeartbeat", func(context.Context, *SlotCall) ([]any, error) { return nil, nil })
	s.RegisterSlot("slotInstanceNew", s.slotInstanceNew)
	s.RegisterSlot("slotInstanceUpdated", s.instanceEvent(InstanceListener.InstanceUpdated))
	s.RegisterSlot("slotInstanceGone", s.instanceEvent(InstanceListener.InstanceGone))
	s.RegisterSlot("slotDiscover", s.slotDiscover)
	s.RegisterSlot("slotDiscoverAnswer", s.instanceEvent(InstanceListener.InstanceNew))
}

// slotPing answers with the instance info, except for the start-up ping
// carrying the own token.
func (s *SignalSlotable) slotPing(_ context.Context, c *SlotCall) ([]any, error) {
	if token := s.pingToken.Load(); token != 0 {
		rnd, _ := OptArg(c.Args, 1, int32(0))
		if rnd == token {
			return nil, ErrNoReply
		}
	}
	return []any{s.Info()}, nil
}

func (s *SignalSlotable) slotHasSlot(_ context.Context, c *SlotCall) ([]any, error) {
	name, err := Arg[string](c.Args, 0)
	if err != nil {
		return nil, err
	}
	return []any{s.HasSlot(name)}, nil
}

func instanceArgs(c *SlotCall) (string, *hash.Hash, error) {
	id, err := Arg[string](c.Args, 0)
	if err != nil {
		return "", nil, err
	}
	info, err := OptArg(c.Args, 1, hash.New())
	if err != nil {
		return "", nil, err
	}
	return id, info, nil
}

func (s *SignalSlotable) instanceEvent(fn func(InstanceListener, string, *hash.Hash)) SlotFunc {
	return func(_ context.Context, c *SlotCall) ([]any, error) {
		id, info, err := instanceArgs(c)
		if err != nil {
			return nil, err
		}
		s.each(func(l InstanceListener) { fn(l, id, info) })
		return nil, nil
	}
}

// slotInstanceNew forwards the event and, for a broadcast from another
// instance, answers the newcomer directly so it learns about this one.
func (s *SignalSlotable) slotInstanceNew(_ context.Context, c *SlotCall) ([]any, error) {
	id, info, err := instanceArgs(c)
	if err != nil {
		return nil, err
	}
	s.each(func(l InstanceListener) { l.InstanceNew(id, info) })
	if id != s.id && c.Message.IsBroadcast() {
		s.scheduleAnswer(id, "slotInstanceNew")
	}
	return nil, nil
}

func (s *SignalSlotable) slotDiscover(_ context.Context, c *SlotCall) ([]any, error) {
	requestor, err := Arg[string](c.Args, 0)
	if err != nil {
		return nil, err
	}
	if requestor != s.id {
		s.scheduleAnswer(requestor, "slotDiscoverAnswer")
	}
	return nil, nil
}

// scheduleAnswer sends the own info to id's slot after a random delay. At
// most one answer per id is outstanding and answers are rate limited.
func (s *SignalSlotable) scheduleAnswer(id, slot string) {
	s.answerMu.Lock()
	if s.answering[id] {
		s.answerMu.Unlock()
		return
	}
	s.answering[id] = true
	s.answerMu.Unlock()

	var delay time.Duration
	if s.opts.discoverDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(s.opts.discoverDelay)))
	}
	time.AfterFunc(delay, func() {
		defer func() {
			s.answerMu.Lock()
			delete(s.answering, id)
			s.answerMu.Unlock()
		}()
		if s.stopped.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.requestTimeout)
		defer cancel()
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.Call(ctx, id, slot, s.id, s.Info()); err != nil {
			s.logger.Warn("Answer to newcomer failed", "to", id, "error", err)
		}
	})
}
