// Package hash implements the Karabo Hash: an insertion-ordered tree of typed
// values where every entry carries its own ordered attribute map.
//
// Keys may contain '.' to address nested entries; Set creates missing
// intermediate nodes. A path segment may index into a VECTOR_HASH with
// "rows[2]". Every value is stored together with its wire Type, and the
// binary and XML codecs branch on that tag only.
package hash

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Separator splits path segments.
const Separator = "."

// MergePolicy selects how attributes are combined by Merge.
type MergePolicy int

const (
	// MergeAttributes updates existing attributes with the incoming ones.
	MergeAttributes MergePolicy = iota
	// ReplaceAttributes discards existing attributes of merged entries.
	ReplaceAttributes
)

// Node is one entry: key, tagged value and attributes.
type Node struct {
	key   string
	value any
	typ   Type
	attrs *Attributes
}

// Key returns the entry key (one path segment).
func (n *Node) Key() string { return n.key }

// Value returns the stored value.
func (n *Node) Value() any { return n.value }

// Type returns the wire type tag.
func (n *Node) Type() Type { return n.typ }

// Attributes returns the attribute map; never nil.
func (n *Node) Attributes() *Attributes { return n.attrs }

// Hash returns the value as *Hash when the node is a HASH.
func (n *Node) Hash() (*Hash, bool) {
	h, ok := n.value.(*Hash)
	return h, ok && n.typ == HashType
}

// Hash is an ordered map from keys to typed values with attributes. The zero
// value is not usable; create one with New.
type Hash struct {
	keys  []string
	nodes map[string]*Node
}

// New builds a Hash from alternating path, value arguments:
//
//	h := hash.New("a.b", int32(1), "c", "text")
func New(kv ...any) *Hash {
	h := &Hash{nodes: make(map[string]*Node)}
	if len(kv)%2 != 0 {
		panic("hash.New: odd number of arguments")
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("hash.New: key %v is not a string", kv[i]))
		}
		h.Set(key, kv[i+1])
	}
	return h
}

// Len returns the number of top-level entries.
func (h *Hash) Len() int { return len(h.keys) }

// Empty reports whether h has no entries.
func (h *Hash) Empty() bool { return len(h.keys) == 0 }

// Keys returns the top-level keys in insertion order.
func (h *Hash) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Nodes returns the top-level entries in insertion order.
func (h *Hash) Nodes() []*Node {
	out := make([]*Node, len(h.keys))
	for i, k := range h.keys {
		out[i] = h.nodes[k]
	}
	return out
}

// Iterall returns the entries one level below path, or of h itself for an
// empty path.
func (h *Hash) Iterall(path string) ([]*Node, error) {
	if path == "" {
		return h.Nodes(), nil
	}
	sub, err := h.GetHash(path)
	if err != nil {
		return nil, err
	}
	return sub.Nodes(), nil
}

type segment struct {
	key   string
	index int
}

func splitPath(path string) ([]segment, error) {
	if path == "" {
		return nil, kerrors.Newf(kerrors.KindNotFound, "empty path")
	}
	parts := strings.Split(path, Separator)
	segs := make([]segment, len(parts))
	for i, p := range parts {
		segs[i] = segment{key: p, index: -1}
		if j := strings.IndexByte(p, '['); j > 0 && strings.HasSuffix(p, "]") {
			idx, err := strconv.Atoi(p[j+1 : len(p)-1])
			if err != nil || idx < 0 {
				return nil, kerrors.Newf(kerrors.KindNotFound, "bad index in path %q", path)
			}
			segs[i] = segment{key: p[:j], index: idx}
		}
	}
	return segs, nil
}

// child resolves one segment for reading.
func (h *Hash) child(seg segment, path string) (*Node, error) {
	n, ok := h.nodes[seg.key]
	if !ok {
		return nil, notFound(path)
	}
	if seg.index < 0 {
		return n, nil
	}
	rows, ok := n.value.([]*Hash)
	if !ok || seg.index >= len(rows) {
		return nil, notFound(path)
	}
	return &Node{key: seg.key, value: rows[seg.index], typ: HashType, attrs: n.attrs}, nil
}

func notFound(path string) error {
	return kerrors.Newf(kerrors.KindNotFound, "key %q not found", path)
}

// Find returns the node at path.
func (h *Hash) Find(path string) (*Node, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur := h
	for i, seg := range segs {
		n, err := cur.child(seg, path)
		if err != nil {
			return nil, err
		}
		if i == len(segs)-1 {
			return n, nil
		}
		sub, ok := n.value.(*Hash)
		if !ok {
			return nil, notFound(path)
		}
		cur = sub
	}
	return nil, notFound(path)
}

// Has reports whether path exists.
func (h *Hash) Has(path string) bool {
	_, err := h.Find(path)
	return err == nil
}

// Get returns the value at path or a NotFound error.
func (h *Hash) Get(path string) (any, error) {
	n, err := h.Find(path)
	if err != nil {
		return nil, err
	}
	return n.value, nil
}

// GetType returns the type tag at path.
func (h *Hash) GetType(path string) (Type, error) {
	n, err := h.Find(path)
	if err != nil {
		return Unknown, err
	}
	return n.typ, nil
}

// GetHash returns the sub-Hash at path.
func (h *Hash) GetHash(path string) (*Hash, error) {
	n, err := h.Find(path)
	if err != nil {
		return nil, err
	}
	sub, ok := n.value.(*Hash)
	if !ok {
		return nil, kerrors.Newf(kerrors.KindValidation, "%q is %s, not HASH", path, n.typ)
	}
	return sub, nil
}

// Value returns the value at path or nil when absent.
func (h *Hash) Value(path string) any {
	v, _ := h.Get(path)
	return v
}

// GetString returns the STRING at path.
func (h *Hash) GetString(path string) (string, error) {
	return GetAs[string](h, path)
}

// GetBool returns the BOOL at path.
func (h *Hash) GetBool(path string) (bool, error) {
	return GetAs[bool](h, path)
}

// GetAs returns the value at path converted to T using the implicit cast
// lattice. A value that does not fit T is a ValidationError.
func GetAs[T any](h *Hash, path string) (T, error) {
	var zero T
	n, err := h.Find(path)
	if err != nil {
		return zero, err
	}
	if v, ok := n.value.(T); ok {
		return v, nil
	}
	target := TypeOf(zero)
	if target == Unknown {
		return zero, kerrors.Newf(kerrors.KindValidation, "unsupported target type %T", zero)
	}
	cast, err := Cast(n.value, n.typ, target)
	if err != nil {
		return zero, err
	}
	v, ok := cast.(T)
	if !ok {
		return zero, kerrors.Newf(kerrors.KindValidation, "cannot read %s at %q as %T", n.typ, path, zero)
	}
	return v, nil
}

// Set stores value at path, inferring its type with TypeOf. Missing
// intermediate nodes are created; a non-Hash intermediate is replaced by an
// empty Hash. Existing attributes of the entry are kept. Set panics on a Go
// type that has no wire representation.
func (h *Hash) Set(path string, value any) *Node {
	t := TypeOf(value)
	if t == Unknown {
		panic(fmt.Sprintf("hash: unsupported value type %T at %q", value, path))
	}
	n, err := h.SetTyped(path, value, t)
	if err != nil {
		panic(err)
	}
	return n
}

// SetTyped stores value at path with an explicit type tag. The Go type must
// be the storage type of t (VECTOR_UINT8 takes []byte).
func (h *Hash) SetTyped(path string, value any, t Type) (*Node, error) {
	value = normalize(value, t)
	if !conforms(value, t) {
		return nil, kerrors.Newf(kerrors.KindValidation, "value of type %T cannot be stored as %s", value, t)
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur := h
	for _, seg := range segs[:len(segs)-1] {
		cur, err = cur.descend(seg, path)
		if err != nil {
			return nil, err
		}
	}
	last := segs[len(segs)-1]
	if last.index >= 0 {
		n, ok := cur.nodes[last.key]
		rows, isRows := n.valueRows()
		if !ok || !isRows || last.index >= len(rows) {
			return nil, notFound(path)
		}
		sub, ok := value.(*Hash)
		if !ok {
			return nil, kerrors.Newf(kerrors.KindValidation, "row %q must be a HASH", path)
		}
		rows[last.index] = sub
		return &Node{key: last.key, value: sub, typ: HashType, attrs: n.attrs}, nil
	}
	return cur.put(last.key, value, t), nil
}

func (n *Node) valueRows() ([]*Hash, bool) {
	if n == nil {
		return nil, false
	}
	rows, ok := n.value.([]*Hash)
	return rows, ok
}

func (h *Hash) descend(seg segment, path string) (*Hash, error) {
	n, ok := h.nodes[seg.key]
	if seg.index >= 0 {
		rows, isRows := n.valueRows()
		if !ok || !isRows || seg.index >= len(rows) {
			return nil, notFound(path)
		}
		return rows[seg.index], nil
	}
	if ok {
		if sub, isHash := n.value.(*Hash); isHash {
			return sub, nil
		}
		sub := New()
		n.value, n.typ = sub, HashType
		return sub, nil
	}
	sub := New()
	h.put(seg.key, sub, HashType)
	return sub, nil
}

func (h *Hash) put(key string, value any, t Type) *Node {
	if n, ok := h.nodes[key]; ok {
		n.value, n.typ = value, t
		return n
	}
	n := &Node{key: key, value: value, typ: t, attrs: NewAttributes()}
	h.keys = append(h.keys, key)
	h.nodes[key] = n
	return n
}

// Erase removes path and reports whether it existed.
func (h *Hash) Erase(path string) bool {
	parent, key := h, path
	if i := strings.LastIndex(path, Separator); i >= 0 {
		sub, err := h.GetHash(path[:i])
		if err != nil {
			return false
		}
		parent, key = sub, path[i+1:]
	}
	if _, ok := parent.nodes[key]; !ok {
		return false
	}
	delete(parent.nodes, key)
	for i, k := range parent.keys {
		if k == key {
			parent.keys = append(parent.keys[:i], parent.keys[i+1:]...)
			break
		}
	}
	return true
}

// Attr returns one attribute of the entry at path.
func (h *Hash) Attr(path, name string) (any, error) {
	n, err := h.Find(path)
	if err != nil {
		return nil, err
	}
	a, ok := n.attrs.Find(name)
	if !ok {
		return nil, kerrors.Newf(kerrors.KindNotFound, "attribute %q of %q not found", name, path)
	}
	return a.Value, nil
}

// HasAttr reports whether the entry at path carries attribute name.
func (h *Hash) HasAttr(path, name string) bool {
	n, err := h.Find(path)
	if err != nil {
		return false
	}
	_, ok := n.attrs.Find(name)
	return ok
}

// SetAttr sets one attribute of the existing entry at path.
func (h *Hash) SetAttr(path, name string, value any) error {
	n, err := h.Find(path)
	if err != nil {
		return err
	}
	return n.attrs.Set(name, value)
}

// Attrs returns the attribute map of the entry at path.
func (h *Hash) Attrs(path string) (*Attributes, error) {
	n, err := h.Find(path)
	if err != nil {
		return nil, err
	}
	return n.attrs, nil
}

// Merge merges other into h. Hash values recurse, all other values replace.
// Attributes are updated or replaced per policy.
func (h *Hash) Merge(other *Hash, policy MergePolicy) {
	if other == nil {
		return
	}
	for _, on := range other.Nodes() {
		if sub, ok := on.value.(*Hash); ok && on.typ == HashType {
			n, exists := h.nodes[on.key]
			var dst *Hash
			if exists {
				dst, _ = n.value.(*Hash)
			}
			if dst == nil {
				dst = New()
				h.put(on.key, dst, HashType)
			}
			dst.Merge(sub, policy)
		} else {
			h.put(on.key, cloneValue(on.value), on.typ)
		}
		n := h.nodes[on.key]
		if policy == ReplaceAttributes {
			n.attrs = on.attrs.Clone()
		} else {
			n.attrs.Merge(on.attrs)
		}
	}
}

// Paths returns the dotted paths of all leaves in pre-order. An empty Hash
// node counts as a leaf.
func (h *Hash) Paths() []string {
	var out []string
	h.walk("", func(p string, n *Node) {
		out = append(out, p)
	})
	return out
}

func (h *Hash) walk(prefix string, fn func(string, *Node)) {
	for _, k := range h.keys {
		n := h.nodes[k]
		p := k
		if prefix != "" {
			p = prefix + Separator + k
		}
		if sub, ok := n.value.(*Hash); ok && n.typ == HashType && !sub.Empty() {
			sub.walk(p, fn)
			continue
		}
		fn(p, n)
	}
}

// Flatten returns a one-level Hash mapping every leaf path to its value and
// attributes.
func (h *Hash) Flatten() *Hash {
	out := New()
	h.walk("", func(p string, n *Node) {
		out.keys = append(out.keys, p)
		out.nodes[p] = &Node{key: p, value: cloneValue(n.value), typ: n.typ, attrs: n.attrs.Clone()}
	})
	return out
}

// Clone returns a deep copy.
func (h *Hash) Clone() *Hash {
	if h == nil {
		return nil
	}
	out := &Hash{keys: make([]string, len(h.keys)), nodes: make(map[string]*Node, len(h.nodes))}
	copy(out.keys, h.keys)
	for k, n := range h.nodes {
		out.nodes[k] = &Node{key: k, value: cloneValue(n.value), typ: n.typ, attrs: n.attrs.Clone()}
	}
	return out
}

// Equal reports whether h and o hold the same keys in the same order with
// equal types, values and attributes.
func (h *Hash) Equal(o *Hash) bool {
	if h == nil || o == nil {
		return h == o
	}
	if len(h.keys) != len(o.keys) {
		return false
	}
	for i, k := range h.keys {
		if o.keys[i] != k {
			return false
		}
		a, b := h.nodes[k], o.nodes[k]
		if a.typ != b.typ || !valuesEqual(a.value, b.value) || !a.attrs.Equal(b.attrs) {
			return false
		}
	}
	return true
}

// FullyEqual compares content ignoring key order at every level.
func (h *Hash) FullyEqual(o *Hash) bool {
	if h.Len() != o.Len() {
		return false
	}
	for k, a := range h.nodes {
		b, ok := o.nodes[k]
		if !ok || a.typ != b.typ || !a.attrs.Equal(b.attrs) {
			return false
		}
		sa, aIsHash := a.value.(*Hash)
		sb, bIsHash := b.value.(*Hash)
		if aIsHash && bIsHash {
			if !sa.FullyEqual(sb) {
				return false
			}
			continue
		}
		if !valuesEqual(a.value, b.value) {
			return false
		}
	}
	return true
}

// String renders h for debugging.
func (h *Hash) String() string {
	var b strings.Builder
	h.format(&b, 0)
	return b.String()
}

func (h *Hash) format(b *strings.Builder, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, n := range h.Nodes() {
		fmt.Fprintf(b, "%s%s", pad, n.key)
		if n.attrs.Len() > 0 {
			keys := n.attrs.Keys()
			sort.Strings(keys)
			fmt.Fprintf(b, " %v", keys)
		}
		switch v := n.value.(type) {
		case *Hash:
			b.WriteString(" +\n")
			v.format(b, indent+1)
		case []*Hash:
			fmt.Fprintf(b, " @ %d rows\n", len(v))
			for _, r := range v {
				r.format(b, indent+2)
			}
		default:
			fmt.Fprintf(b, " => %v %s\n", v, n.typ)
		}
	}
}
