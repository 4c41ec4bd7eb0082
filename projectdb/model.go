package projectdb

import (
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Handle addresses an item in a Model. Handles of removed items go stale:
// their generation no longer matches the slot.
type Handle struct {
	Domain string
	Index  int
	Gen    uint32
}

// Valid reports whether h was returned by a Model at all; stale handles are
// still valid.
func (h Handle) Valid() bool { return h.Gen != 0 }

type slot struct {
	item     *Item
	parent   int
	children []int
	gen      uint32
	live     bool
	modified bool
}

type arena struct {
	slots []slot
	free  []int
}

// Model is an in-memory project tree. Items live in one arena per domain;
// parents and children refer to each other by index.
type Model struct {
	arenas map[string]*arena
}

// NewModel creates an empty model.
func NewModel() *Model {
	return &Model{arenas: make(map[string]*arena)}
}

func (m *Model) lookup(h Handle) (*arena, *slot, error) {
	a, ok := m.arenas[h.Domain]
	if !ok || h.Index < 0 || h.Index >= len(a.slots) {
		return nil, nil, kerrors.Newf(kerrors.KindNotFound, "no item at %s/%d", h.Domain, h.Index)
	}
	s := &a.slots[h.Index]
	if !s.live || s.gen != h.Gen {
		return nil, nil, kerrors.Newf(kerrors.KindNotFound, "stale handle %s/%d", h.Domain, h.Index)
	}
	return a, s, nil
}

// Add inserts it below parent. A zero parent adds a root.
func (m *Model) Add(domain string, it *Item, parent Handle) (Handle, error) {
	a, ok := m.arenas[domain]
	if !ok {
		a = &arena{}
		m.arenas[domain] = a
	}
	p := -1
	if parent.Valid() {
		if parent.Domain != domain {
			return Handle{}, kerrors.Newf(kerrors.KindValidation, "parent is in domain %s, not %s", parent.Domain, domain)
		}
		if _, _, err := m.lookup(parent); err != nil {
			return Handle{}, err
		}
		p = parent.Index
	}

	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = len(a.slots) - 1
	}
	s := &a.slots[idx]
	gen := s.gen + 1
	*s = slot{item: it, parent: p, gen: gen, live: true}
	if p >= 0 {
		a.slots[p].children = append(a.slots[p].children, idx)
	}
	return Handle{Domain: domain, Index: idx, Gen: gen}, nil
}

// Item returns the item at h.
func (m *Model) Item(h Handle) (*Item, error) {
	_, s, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.item, nil
}

// Parent returns the parent of h; false for a root.
func (m *Model) Parent(h Handle) (Handle, bool) {
	a, s, err := m.lookup(h)
	if err != nil || s.parent < 0 {
		return Handle{}, false
	}
	return Handle{Domain: h.Domain, Index: s.parent, Gen: a.slots[s.parent].gen}, true
}

// Children returns the children of h in insertion order.
func (m *Model) Children(h Handle) []Handle {
	a, s, err := m.lookup(h)
	if err != nil {
		return nil
	}
	out := make([]Handle, len(s.children))
	for i, c := range s.children {
		out[i] = Handle{Domain: h.Domain, Index: c, Gen: a.slots[c].gen}
	}
	return out
}

// Find returns the first live item with uuid in domain.
func (m *Model) Find(domain, uuid string) (Handle, bool) {
	a, ok := m.arenas[domain]
	if !ok {
		return Handle{}, false
	}
	for i := range a.slots {
		if s := &a.slots[i]; s.live && s.item.UUID == uuid {
			return Handle{Domain: domain, Index: i, Gen: s.gen}, true
		}
	}
	return Handle{}, false
}

// Len returns the number of live items.
func (m *Model) Len() int {
	n := 0
	for _, a := range m.arenas {
		n += len(a.slots) - len(a.free)
	}
	return n
}

// Remove deletes h and everything below it. Handles to removed items go
// stale.
func (m *Model) Remove(h Handle) error {
	a, s, err := m.lookup(h)
	if err != nil {
		return err
	}
	if s.parent >= 0 {
		p := &a.slots[s.parent]
		for i, c := range p.children {
			if c == h.Index {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	a.release(h.Index)
	return nil
}

func (a *arena) release(idx int) {
	s := &a.slots[idx]
	for _, c := range s.children {
		a.release(c)
	}
	s.item, s.children, s.live, s.modified, s.parent = nil, nil, false, false, -1
	a.free = append(a.free, idx)
}

// SetModified flags h as changed since it was loaded or saved.
func (m *Model) SetModified(h Handle, modified bool) error {
	_, s, err := m.lookup(h)
	if err != nil {
		return err
	}
	s.modified = modified
	return nil
}

// Modified reports the flag of h.
func (m *Model) Modified(h Handle) bool {
	_, s, err := m.lookup(h)
	return err == nil && s.modified
}

// FirstModified returns the first modified item below h in depth-first
// order, h itself excluded. The scan stops at the first match.
func (m *Model) FirstModified(h Handle) (Handle, bool) {
	for _, c := range m.Children(h) {
		if m.Modified(c) {
			return c, true
		}
		if found, ok := m.FirstModified(c); ok {
			return found, true
		}
	}
	return Handle{}, false
}
