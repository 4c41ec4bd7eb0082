// Package schema describes the expected shape of a device configuration.
//
// A Schema is a Hash whose entries mirror the configuration tree and whose
// attributes carry the metadata: value type, access mode, assignment,
// defaults, options, bounds, allowed states, required access level and alarm
// limits. Leaves hold no value. Schemas are built with the fluent builders in
// builder.go and checked against configurations with Validator.
package schema

import (
	"errors"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Attribute keys carried by schema entries.
const (
	AttrNodeType            = "nodeType"
	AttrValueType           = "valueType"
	AttrAccessMode          = "accessMode"
	AttrAssignment          = "assignment"
	AttrDefaultValue        = "defaultValue"
	AttrOptions             = "options"
	AttrMinInc              = "minInc"
	AttrMaxInc              = "maxInc"
	AttrMinExc              = "minExc"
	AttrMaxExc              = "maxExc"
	AttrMinSize             = "minSize"
	AttrMaxSize             = "maxSize"
	AttrUnitSymbol          = "unitSymbol"
	AttrMetricPrefixSymbol  = "metricPrefixSymbol"
	AttrDisplayType         = "displayType"
	AttrDisplayedName       = "displayedName"
	AttrDescription         = "description"
	AttrRequiredAccessLevel = "requiredAccessLevel"
	AttrAllowedStates       = "allowedStates"
	AttrAlarmLow            = "alarmLow"
	AttrAlarmHigh           = "alarmHigh"
	AttrWarnLow             = "warnLow"
	AttrWarnHigh            = "warnHigh"
	AttrArchivePolicy       = "archivePolicy"
	AttrDaqPolicy           = "daqPolicy"
	AttrAlias               = "alias"
	AttrTags                = "tags"
	AttrClassID             = "classId"
	AttrLeafType            = "leafType"
	AttrAlarmCondition      = "alarmCondition"
)

// ClassSlot marks a NODE entry that describes a command.
const ClassSlot = "Slot"

// Schema is the metadata tree of one class.
type Schema struct {
	classID string
	params  *hash.Hash
	errs    []error
}

// New returns an empty schema for classID.
func New(classID string) *Schema {
	return &Schema{classID: classID, params: hash.New()}
}

// FromWire wraps a decoded SCHEMA value.
func FromWire(s *hash.Schema) *Schema {
	if s == nil || s.Hash == nil {
		return New("")
	}
	return &Schema{classID: s.Name, params: s.Hash.Clone()}
}

// Wire returns the schema as a SCHEMA value for the codecs.
func (s *Schema) Wire() *hash.Schema {
	return &hash.Schema{Name: s.classID, Hash: s.params.Clone()}
}

// ClassID returns the root name.
func (s *Schema) ClassID() string { return s.classID }

// Parameters exposes the underlying Hash. Callers must not modify it.
func (s *Schema) Parameters() *hash.Hash { return s.params }

// Err returns the accumulated builder errors.
func (s *Schema) Err() error { return errors.Join(s.errs...) }

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	return &Schema{classID: s.classID, params: s.params.Clone()}
}

// Merge injects the entries of o, updating attributes of existing keys.
func (s *Schema) Merge(o *Schema) {
	s.params.Merge(o.params, hash.MergeAttributes)
}

// Has reports whether path is described.
func (s *Schema) Has(path string) bool { return s.params.Has(path) }

func (s *Schema) attrs(path string) *hash.Attributes {
	a, err := s.params.Attrs(path)
	if err != nil {
		return hash.NewAttributes()
	}
	return a
}

// Attr returns one metadata attribute of path, or nil.
func (s *Schema) Attr(path, name string) any { return s.attrs(path).Get(name) }

func attrInt(a *hash.Attributes, name string, def int32) int32 {
	if v, ok := a.Get(name).(int32); ok {
		return v
	}
	return def
}

// NodeType returns the kind of entry at path.
func (s *Schema) NodeType(path string) (NodeType, error) {
	a, err := s.params.Attrs(path)
	if err != nil {
		return LeafNode, kerrors.Newf(kerrors.KindNotFound, "schema has no key %q", path)
	}
	return NodeType(attrInt(a, AttrNodeType, int32(NodeNode))), nil
}

// IsLeaf reports whether path is a leaf.
func (s *Schema) IsLeaf(path string) bool {
	t, err := s.NodeType(path)
	return err == nil && t == LeafNode
}

// IsCommand reports whether path describes a slot.
func (s *Schema) IsCommand(path string) bool {
	c, _ := s.Attr(path, AttrClassID).(string)
	t, err := s.NodeType(path)
	return err == nil && t == NodeNode && c == ClassSlot
}

// ValueType returns the declared wire type of a leaf.
func (s *Schema) ValueType(path string) (hash.Type, error) {
	name, ok := s.Attr(path, AttrValueType).(string)
	if !ok {
		return hash.Unknown, kerrors.Newf(kerrors.KindNotFound, "%q is not a leaf", path)
	}
	t, ok := hash.ParseType(name)
	if !ok {
		return hash.Unknown, kerrors.Newf(kerrors.KindValidation, "%q has unknown value type %q", path, name)
	}
	return t, nil
}

// AccessMode of path; RECONFIGURABLE when unspecified.
func (s *Schema) AccessMode(path string) AccessMode {
	return AccessMode(attrInt(s.attrs(path), AttrAccessMode, int32(Reconfigurable)))
}

// Assignment of path; OPTIONAL when unspecified.
func (s *Schema) Assignment(path string) Assignment {
	return Assignment(attrInt(s.attrs(path), AttrAssignment, int32(Optional)))
}

// RequiredAccessLevel of path. Unspecified leaves inherit from their
// enclosing node and default to USER for writable keys and OBSERVER otherwise.
func (s *Schema) RequiredAccessLevel(path string) AccessLevel {
	for p := path; p != ""; p = parentPath(p) {
		if v, ok := s.Attr(p, AttrRequiredAccessLevel).(int32); ok {
			return AccessLevel(v)
		}
	}
	if s.AccessMode(path) == ReadOnly {
		return Observer
	}
	return User
}

// AllowedStates returns the states in which path may be written or
// executed. Empty means any state.
func (s *Schema) AllowedStates(path string) []State {
	names, _ := s.Attr(path, AttrAllowedStates).([]string)
	return stringsToStates(names)
}

// DefaultValue returns the declared default and whether one exists.
func (s *Schema) DefaultValue(path string) (any, bool) {
	a := s.attrs(path)
	at, ok := a.Find(AttrDefaultValue)
	if !ok {
		return nil, false
	}
	return at.Value, true
}

// DisplayedName returns the label of path, falling back to its key.
func (s *Schema) DisplayedName(path string) string {
	if n, ok := s.Attr(path, AttrDisplayedName).(string); ok && n != "" {
		return n
	}
	return path[strings.LastIndex(path, ".")+1:]
}

// Paths returns all leaf paths in declaration order. Command nodes are not
// leaves; choice and list containers report their own path.
func (s *Schema) Paths() []string {
	var out []string
	s.collect(s.params, "", &out)
	return out
}

func (s *Schema) collect(h *hash.Hash, prefix string, out *[]string) {
	for _, n := range h.Nodes() {
		p := join(prefix, n.Key())
		switch NodeType(attrInt(n.Attributes(), AttrNodeType, int32(NodeNode))) {
		case LeafNode:
			*out = append(*out, p)
		case NodeNode:
			if c, _ := n.Attributes().Get(AttrClassID).(string); c == ClassSlot {
				continue
			}
			if sub, ok := n.Hash(); ok {
				s.collect(sub, p, out)
			}
		default:
			*out = append(*out, p)
		}
	}
}

// Commands returns the paths of all slot entries.
func (s *Schema) Commands() []string {
	var out []string
	var walk func(h *hash.Hash, prefix string)
	walk = func(h *hash.Hash, prefix string) {
		for _, n := range h.Nodes() {
			p := join(prefix, n.Key())
			if c, _ := n.Attributes().Get(AttrClassID).(string); c == ClassSlot {
				out = append(out, p)
				continue
			}
			if sub, ok := n.Hash(); ok {
				walk(sub, p)
			}
		}
	}
	walk(s.params, "")
	return out
}

// Subschema returns the schema rooted at path.
func (s *Schema) Subschema(path string) (*Schema, error) {
	sub, err := s.params.GetHash(path)
	if err != nil {
		return nil, kerrors.Newf(kerrors.KindNotFound, "schema has no node %q", path)
	}
	return &Schema{classID: s.classID, params: sub.Clone()}, nil
}

// ForState returns a copy without the reconfigurable leaves and commands
// that are not allowed in state st.
func (s *Schema) ForState(st State) *Schema {
	out := s.Clone()
	for _, p := range append(s.Paths(), s.Commands()...) {
		if !s.IsCommand(p) && s.AccessMode(p) != Reconfigurable {
			continue
		}
		allowed := s.AllowedStates(p)
		if len(allowed) > 0 && !st.In(allowed) {
			out.params.Erase(p)
		}
	}
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func parentPath(p string) string {
	if i := strings.LastIndex(p, "."); i >= 0 {
		return p[:i]
	}
	return ""
}
