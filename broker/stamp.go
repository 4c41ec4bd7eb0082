package broker

import (
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/wire"
)

// stamper assigns MQTimestamp: epoch milliseconds, strictly increasing per
// session even if the wall clock steps back.
type stamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (s *stamper) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ms := now().UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return ms
}

// stamp returns a shallow copy of m whose header carries a fresh timestamp.
// The caller's header is left untouched.
func (s *stamper) stamp(m *wire.Message) *wire.Message {
	hdr := m.Header.Clone()
	_, _ = hdr.SetTyped(wire.MQTimestamp, s.next(), hash.Int64)
	return &wire.Message{Header: hdr, Body: m.Body}
}
