package schema

import (
	"fmt"

	"github.com/European-XFEL/Karabo-sub011/hash"
)

type pendingAttr struct {
	name string
	val  any
	cast bool
	// elem casts the value to the element type of a vector leaf
	elem bool
}

type element struct {
	s     *Schema
	key   string
	attrs []pendingAttr
	err   error
}

func (e *element) set(name string, v any) {
	e.attrs = append(e.attrs, pendingAttr{name: name, val: v})
}

func (e *element) commit(value any, nodeType NodeType, declared hash.Type) {
	if e.err != nil {
		e.s.errs = append(e.s.errs, e.err)
		return
	}
	if e.s.params.Has(e.key) {
		e.s.errs = append(e.s.errs, fmt.Errorf("schema %s: key %q declared twice", e.s.classID, e.key))
		return
	}
	e.s.params.Set(e.key, value)
	attrs, _ := e.s.params.Attrs(e.key)
	attrs.MustSet(AttrNodeType, int32(nodeType))
	for _, a := range e.attrs {
		v, t := a.val, hash.TypeOf(a.val)
		if a.cast {
			target := declared
			if a.elem && declared.IsVector() {
				target = declared.Element()
			}
			cast, err := hash.Cast(v, t, target)
			if err != nil {
				e.s.errs = append(e.s.errs, fmt.Errorf("schema %s: %s of %q: %w", e.s.classID, a.name, e.key, err))
				continue
			}
			v, t = cast, target
		}
		if a.name == AttrOptions && t != declared.Vector() && declared.Vector() != hash.Unknown {
			// options are a vector of the declared scalar type
			vec, err := hash.Cast(v, hash.TypeOf(v), declared.Vector())
			if err != nil {
				e.s.errs = append(e.s.errs, fmt.Errorf("schema %s: options of %q: %w", e.s.classID, e.key, err))
				continue
			}
			v, t = vec, declared.Vector()
		}
		if err := attrs.SetTyped(a.name, v, t); err != nil {
			e.s.errs = append(e.s.errs, fmt.Errorf("schema %s: %w", e.s.classID, err))
		}
	}
}

// LeafBuilder declares one property.
type LeafBuilder struct {
	element
	typ        hash.Type
	accessSet  bool
	optionsRaw []any
}

// Leaf starts a property of wire type t.
func (s *Schema) Leaf(key string, t hash.Type) *LeafBuilder {
	b := &LeafBuilder{element: element{s: s, key: key}, typ: t}
	if !t.Valid() || t == hash.HashType || t == hash.SchemaType {
		b.err = fmt.Errorf("schema %s: %q cannot be a leaf of type %s", s.classID, key, t)
	}
	return b
}

func (s *Schema) Bool(key string) *LeafBuilder          { return s.Leaf(key, hash.Bool) }
func (s *Schema) Int8(key string) *LeafBuilder          { return s.Leaf(key, hash.Int8) }
func (s *Schema) UInt8(key string) *LeafBuilder         { return s.Leaf(key, hash.UInt8) }
func (s *Schema) Int16(key string) *LeafBuilder         { return s.Leaf(key, hash.Int16) }
func (s *Schema) UInt16(key string) *LeafBuilder        { return s.Leaf(key, hash.UInt16) }
func (s *Schema) Int32(key string) *LeafBuilder         { return s.Leaf(key, hash.Int32) }
func (s *Schema) UInt32(key string) *LeafBuilder        { return s.Leaf(key, hash.UInt32) }
func (s *Schema) Int64(key string) *LeafBuilder         { return s.Leaf(key, hash.Int64) }
func (s *Schema) UInt64(key string) *LeafBuilder        { return s.Leaf(key, hash.UInt64) }
func (s *Schema) Float(key string) *LeafBuilder         { return s.Leaf(key, hash.Float) }
func (s *Schema) Double(key string) *LeafBuilder        { return s.Leaf(key, hash.Double) }
func (s *Schema) String(key string) *LeafBuilder        { return s.Leaf(key, hash.String) }
func (s *Schema) ByteArray(key string) *LeafBuilder     { return s.Leaf(key, hash.ByteArray) }
func (s *Schema) VectorBool(key string) *LeafBuilder    { return s.Leaf(key, hash.VectorBool) }
func (s *Schema) VectorInt32(key string) *LeafBuilder   { return s.Leaf(key, hash.VectorInt32) }
func (s *Schema) VectorDouble(key string) *LeafBuilder  { return s.Leaf(key, hash.VectorDouble) }
func (s *Schema) VectorString(key string) *LeafBuilder  { return s.Leaf(key, hash.VectorString) }
func (s *Schema) Table(key string) *LeafBuilder         { return s.Leaf(key, hash.VectorHash) }
func (s *Schema) VectorUInt8(key string) *LeafBuilder   { return s.Leaf(key, hash.VectorUInt8) }
func (s *Schema) VectorUInt64(key string) *LeafBuilder  { return s.Leaf(key, hash.VectorUInt64) }
func (s *Schema) ComplexDouble(key string) *LeafBuilder { return s.Leaf(key, hash.ComplexDouble) }

// StateLeaf declares the read-only device state property.
func (s *Schema) StateLeaf(key string, options ...State) *LeafBuilder {
	b := s.String(key).ReadOnly().Default(string(Unknown)).DisplayType("State")
	b.set(AttrLeafType, "State")
	if len(options) > 0 {
		b.Options(statesToStrings(options))
	}
	return b
}

// AlarmLeaf declares the read-only alarm condition property.
func (s *Schema) AlarmLeaf(key string) *LeafBuilder {
	b := s.String(key).ReadOnly().Default(string(AlarmNone)).DisplayType("AlarmCondition")
	b.set(AttrLeafType, "AlarmCondition")
	return b
}

func (b *LeafBuilder) castAttr(name string, v any, elem bool) *LeafBuilder {
	b.attrs = append(b.attrs, pendingAttr{name: name, val: v, cast: true, elem: elem})
	return b
}

func (b *LeafBuilder) DisplayedName(n string) *LeafBuilder { b.set(AttrDisplayedName, n); return b }
func (b *LeafBuilder) Description(d string) *LeafBuilder   { b.set(AttrDescription, d); return b }
func (b *LeafBuilder) DisplayType(d string) *LeafBuilder   { b.set(AttrDisplayType, d); return b }
func (b *LeafBuilder) Unit(u string) *LeafBuilder          { b.set(AttrUnitSymbol, u); return b }
func (b *LeafBuilder) MetricPrefix(p string) *LeafBuilder  { b.set(AttrMetricPrefixSymbol, p); return b }
func (b *LeafBuilder) Tags(t ...string) *LeafBuilder       { b.set(AttrTags, t); return b }
func (b *LeafBuilder) Alias(a any) *LeafBuilder            { b.set(AttrAlias, a); return b }

func (b *LeafBuilder) Assignment(a Assignment) *LeafBuilder {
	b.set(AttrAssignment, int32(a))
	return b
}

// Mandatory is shorthand for Assignment(Mandatory).
func (b *LeafBuilder) Mandatory() *LeafBuilder { return b.Assignment(Mandatory) }

func (b *LeafBuilder) access(m AccessMode) *LeafBuilder {
	b.accessSet = true
	b.set(AttrAccessMode, int32(m))
	return b
}

func (b *LeafBuilder) ReadOnly() *LeafBuilder       { return b.access(ReadOnly) }
func (b *LeafBuilder) Reconfigurable() *LeafBuilder { return b.access(Reconfigurable) }
func (b *LeafBuilder) InitOnly() *LeafBuilder       { return b.access(InitOnly) }

// Default sets the value injected when the key is absent at instantiation.
func (b *LeafBuilder) Default(v any) *LeafBuilder { return b.castAttr(AttrDefaultValue, v, false) }

// Options restricts the leaf to a fixed set of values.
func (b *LeafBuilder) Options(v any) *LeafBuilder {
	b.set(AttrOptions, v)
	return b
}

func (b *LeafBuilder) MinInc(v any) *LeafBuilder    { return b.castAttr(AttrMinInc, v, true) }
func (b *LeafBuilder) MaxInc(v any) *LeafBuilder    { return b.castAttr(AttrMaxInc, v, true) }
func (b *LeafBuilder) MinExc(v any) *LeafBuilder    { return b.castAttr(AttrMinExc, v, true) }
func (b *LeafBuilder) MaxExc(v any) *LeafBuilder    { return b.castAttr(AttrMaxExc, v, true) }
func (b *LeafBuilder) AlarmLow(v any) *LeafBuilder  { return b.castAttr(AttrAlarmLow, v, true) }
func (b *LeafBuilder) AlarmHigh(v any) *LeafBuilder { return b.castAttr(AttrAlarmHigh, v, true) }
func (b *LeafBuilder) WarnLow(v any) *LeafBuilder   { return b.castAttr(AttrWarnLow, v, true) }
func (b *LeafBuilder) WarnHigh(v any) *LeafBuilder  { return b.castAttr(AttrWarnHigh, v, true) }

func (b *LeafBuilder) MinSize(n uint32) *LeafBuilder { b.set(AttrMinSize, n); return b }
func (b *LeafBuilder) MaxSize(n uint32) *LeafBuilder { b.set(AttrMaxSize, n); return b }

// AllowedStates limits writes to the given device states.
func (b *LeafBuilder) AllowedStates(st ...State) *LeafBuilder {
	b.set(AttrAllowedStates, statesToStrings(st))
	return b
}

// AccessLevel sets the level a caller needs to write the leaf.
func (b *LeafBuilder) AccessLevel(l AccessLevel) *LeafBuilder {
	b.set(AttrRequiredAccessLevel, int32(l))
	return b
}

func (b *LeafBuilder) ArchivePolicy(p ArchivePolicy) *LeafBuilder {
	b.set(AttrArchivePolicy, int32(p))
	return b
}

func (b *LeafBuilder) DaqPolicy(p DaqPolicy) *LeafBuilder {
	b.set(AttrDaqPolicy, int32(p))
	return b
}

// Commit adds the leaf to the schema. Errors are collected in Schema.Err.
func (b *LeafBuilder) Commit() {
	if !b.accessSet {
		b.Reconfigurable()
	}
	b.attrs = append(b.attrs, pendingAttr{name: AttrValueType, val: b.typ.String()})
	b.commit(hash.NoneV, LeafNode, b.typ)
}

// NodeBuilder declares a sub-tree, a choice or a list of nodes.
type NodeBuilder struct {
	element
	kind NodeType
}

// Node starts a plain sub-tree.
func (s *Schema) Node(key string) *NodeBuilder {
	return &NodeBuilder{element: element{s: s, key: key}, kind: NodeNode}
}

// Choice starts a choice-of-nodes: a configuration selects exactly one of
// the child nodes declared under key.
func (s *Schema) Choice(key string) *NodeBuilder {
	return &NodeBuilder{element: element{s: s, key: key}, kind: ChoiceOfNodes}
}

// List starts a list-of-nodes: a configuration holds a sequence of child
// node instances declared under key.
func (s *Schema) List(key string) *NodeBuilder {
	return &NodeBuilder{element: element{s: s, key: key}, kind: ListOfNodes}
}

func (b *NodeBuilder) DisplayedName(n string) *NodeBuilder { b.set(AttrDisplayedName, n); return b }
func (b *NodeBuilder) Description(d string) *NodeBuilder   { b.set(AttrDescription, d); return b }

// AccessLevel is inherited by leaves that do not set their own.
func (b *NodeBuilder) AccessLevel(l AccessLevel) *NodeBuilder {
	b.set(AttrRequiredAccessLevel, int32(l))
	return b
}

// Default names the chosen node of a choice, or the nodes of a list.
func (b *NodeBuilder) Default(v any) *NodeBuilder { b.set(AttrDefaultValue, v); return b }

func (b *NodeBuilder) Assignment(a Assignment) *NodeBuilder {
	b.set(AttrAssignment, int32(a))
	return b
}

// Commit adds the node to the schema.
func (b *NodeBuilder) Commit() {
	b.commit(hash.New(), b.kind, hash.Unknown)
}

// SlotBuilder declares a command.
type SlotBuilder struct{ element }

// Slot starts a command entry.
func (s *Schema) Slot(key string) *SlotBuilder {
	b := &SlotBuilder{element{s: s, key: key}}
	b.set(AttrDisplayType, ClassSlot)
	b.set(AttrClassID, ClassSlot)
	return b
}

func (b *SlotBuilder) DisplayedName(n string) *SlotBuilder { b.set(AttrDisplayedName, n); return b }
func (b *SlotBuilder) Description(d string) *SlotBuilder   { b.set(AttrDescription, d); return b }

func (b *SlotBuilder) AllowedStates(st ...State) *SlotBuilder {
	b.set(AttrAllowedStates, statesToStrings(st))
	return b
}

func (b *SlotBuilder) AccessLevel(l AccessLevel) *SlotBuilder {
	b.set(AttrRequiredAccessLevel, int32(l))
	return b
}

// Commit adds the command to the schema.
func (b *SlotBuilder) Commit() {
	b.commit(hash.New(), NodeNode, hash.Unknown)
}
