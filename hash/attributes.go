package hash

import (
	"fmt"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Attr is one typed attribute.
type Attr struct {
	Name  string
	Value any
	Type  Type
}

// Attributes is an insertion-ordered map of typed attributes. Attributes do
// not nest: HASH and VECTOR_HASH values are rejected.
type Attributes struct {
	keys []string
	m    map[string]*Attr
}

// NewAttributes returns an empty attribute map.
func NewAttributes() *Attributes {
	return &Attributes{m: make(map[string]*Attr)}
}

// Len returns the number of attributes.
func (a *Attributes) Len() int { return len(a.keys) }

// Keys returns the attribute names in insertion order.
func (a *Attributes) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// All returns the attributes in insertion order.
func (a *Attributes) All() []*Attr {
	out := make([]*Attr, len(a.keys))
	for i, k := range a.keys {
		out[i] = a.m[k]
	}
	return out
}

// Find returns the attribute called name.
func (a *Attributes) Find(name string) (*Attr, bool) {
	at, ok := a.m[name]
	return at, ok
}

// Get returns the attribute value or nil.
func (a *Attributes) Get(name string) any {
	if at, ok := a.m[name]; ok {
		return at.Value
	}
	return nil
}

// Has reports whether name is set.
func (a *Attributes) Has(name string) bool {
	_, ok := a.m[name]
	return ok
}

// Set stores an attribute, inferring its type.
func (a *Attributes) Set(name string, value any) error {
	t := TypeOf(value)
	if t == Unknown {
		return kerrors.Newf(kerrors.KindValidation, "unsupported attribute type %T for %q", value, name)
	}
	return a.SetTyped(name, value, t)
}

// SetTyped stores an attribute with an explicit type tag.
func (a *Attributes) SetTyped(name string, value any, t Type) error {
	if t == HashType || t == VectorHash {
		return kerrors.Newf(kerrors.KindValidation, "attribute %q cannot hold %s", name, t)
	}
	value = normalize(value, t)
	if !conforms(value, t) {
		return kerrors.Newf(kerrors.KindValidation, "attribute %q: %T cannot be stored as %s", name, value, t)
	}
	if at, ok := a.m[name]; ok {
		at.Value, at.Type = value, t
		return nil
	}
	a.keys = append(a.keys, name)
	a.m[name] = &Attr{Name: name, Value: value, Type: t}
	return nil
}

// MustSet is Set for attribute values known to be valid.
func (a *Attributes) MustSet(name string, value any) {
	if err := a.Set(name, value); err != nil {
		panic(fmt.Sprintf("hash: %v", err))
	}
}

// Delete removes an attribute.
func (a *Attributes) Delete(name string) {
	if _, ok := a.m[name]; !ok {
		return
	}
	delete(a.m, name)
	for i, k := range a.keys {
		if k == name {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			return
		}
	}
}

// Merge copies every attribute of o into a, overwriting equal names.
func (a *Attributes) Merge(o *Attributes) {
	if o == nil {
		return
	}
	for _, at := range o.All() {
		_ = a.SetTyped(at.Name, cloneValue(at.Value), at.Type)
	}
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	out := NewAttributes()
	if a == nil {
		return out
	}
	for _, at := range a.All() {
		out.keys = append(out.keys, at.Name)
		out.m[at.Name] = &Attr{Name: at.Name, Value: cloneValue(at.Value), Type: at.Type}
	}
	return out
}

// Equal compares names, order, types and values.
func (a *Attributes) Equal(o *Attributes) bool {
	if a.Len() != o.Len() {
		return false
	}
	for i, k := range a.keys {
		if o.keys[i] != k {
			return false
		}
		x, y := a.m[k], o.m[k]
		if x.Type != y.Type || !valuesEqual(x.Value, y.Value) {
			return false
		}
	}
	return true
}
