package schema

import (
	"fmt"
	"reflect"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/pkg/timestamp"
)

// ValidationError describes one rejected key.
//
// Codes:
//   - "required": mandatory key missing
//   - "type": value cannot be cast to the declared type
//   - "options": value not among the declared options
//   - "min", "max": numeric bound violated
//   - "size": vector length out of bounds
//   - "access": key not writable in this mode
//   - "unknown": key not described by the schema
//   - "choice": malformed choice-of-nodes or list-of-nodes entry
type ValidationError struct {
	Path    string
	Message string
	Code    string
}

func (e ValidationError) String() string {
	return e.Path + ": " + e.Message
}

// ValidationErrors is the accumulated result of a failed validation.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	parts := make([]string, len(ve))
	for i, e := range ve {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// Paths returns the rejected paths in order.
func (ve ValidationErrors) Paths() []string {
	out := make([]string, len(ve))
	for i, e := range ve {
		out[i] = e.Path
	}
	return out
}

// Mode selects which access modes a configuration may set.
type Mode int

const (
	// ForInit accepts INITONLY and RECONFIGURABLE keys and injects defaults.
	ForInit Mode = iota
	// ForReconfigure accepts RECONFIGURABLE keys only and never injects.
	ForReconfigure
)

// Options tune the validator.
type Options struct {
	InjectDefaults             bool
	AllowUnrootedConfiguration bool
	AllowAdditionalKeys        bool
	AllowMissingKeys           bool
	InjectTimestamps           bool
}

// DefaultOptions returns the options used for mode.
func DefaultOptions(mode Mode) Options {
	if mode == ForReconfigure {
		return Options{AllowUnrootedConfiguration: true, AllowMissingKeys: true}
	}
	return Options{InjectDefaults: true, AllowUnrootedConfiguration: true}
}

// Validator checks configurations against one schema.
type Validator struct {
	schema  *Schema
	mode    Mode
	opts    Options
	stamp   func() timestamp.Timestamp
	current timestamp.Timestamp
}

// NewValidator returns a validator for s with the default options of mode.
func NewValidator(s *Schema, mode Mode) *Validator {
	return &Validator{schema: s, mode: mode, opts: DefaultOptions(mode), stamp: timestamp.Now}
}

// WithOptions replaces the options.
func (v *Validator) WithOptions(o Options) *Validator {
	v.opts = o
	return v
}

// WithClock sets the source of injected timestamps.
func (v *Validator) WithClock(now func() timestamp.Timestamp) *Validator {
	v.stamp = now
	return v
}

// Validate is shorthand for NewValidator(s, mode).Validate(cfg).
func Validate(s *Schema, cfg *hash.Hash, mode Mode) (*hash.Hash, error) {
	return NewValidator(s, mode).Validate(cfg)
}

// Validate returns cfg with every leaf cast to its declared type and, for
// ForInit, with defaults injected. All violations are collected; the error
// is a ValidationError kind wrapping ValidationErrors. The returned Hash is
// valid only when the error is nil.
func (v *Validator) Validate(cfg *hash.Hash) (*hash.Hash, error) {
	in := cfg
	if in == nil {
		in = hash.New()
	}
	if v.opts.AllowUnrootedConfiguration && in.Len() == 1 && in.Keys()[0] == v.schema.classID {
		if sub, err := in.GetHash(v.schema.classID); err == nil {
			in = sub
		}
	}
	if v.opts.InjectTimestamps {
		v.current = v.stamp()
	}
	out := hash.New()
	var errs ValidationErrors
	v.node(v.schema.params, in, out, "", &errs)
	if len(errs) > 0 {
		return out, kerrors.Newf(kerrors.KindValidation, "%d invalid key(s) for %s", len(errs), v.schema.classID).
			WithDetails(errs.Error()).
			WithCause(errs)
	}
	return out, nil
}

func child(h *hash.Hash, key string) (*hash.Node, bool) {
	for _, n := range h.Nodes() {
		if n.Key() == key {
			return n, true
		}
	}
	return nil, false
}

func nodeKind(n *hash.Node) NodeType {
	return NodeType(attrInt(n.Attributes(), AttrNodeType, int32(NodeNode)))
}

func isSlot(n *hash.Node) bool {
	c, _ := n.Attributes().Get(AttrClassID).(string)
	return c == ClassSlot
}

func (v *Validator) node(sch, in, out *hash.Hash, prefix string, errs *ValidationErrors) {
	for _, sn := range sch.Nodes() {
		key := sn.Key()
		p := join(prefix, key)
		inNode, present := child(in, key)
		if isSlot(sn) {
			if present {
				*errs = append(*errs, ValidationError{Path: p, Message: "is a command, not a property", Code: "access"})
			}
			continue
		}
		switch nodeKind(sn) {
		case LeafNode:
			v.leaf(sn, inNode, present, out, p, errs)
		case NodeNode:
			v.subtree(sn, inNode, present, out, p, errs)
		case ChoiceOfNodes:
			v.choice(sn, inNode, present, out, p, errs)
		case ListOfNodes:
			v.list(sn, inNode, present, out, p, errs)
		}
	}
	if v.opts.AllowAdditionalKeys {
		for _, n := range in.Nodes() {
			if _, described := child(sch, n.Key()); !described {
				cp, err := out.SetTyped(n.Key(), hash.CloneValue(n.Value()), n.Type())
				if err == nil {
					cp.Attributes().Merge(n.Attributes())
				}
			}
		}
		return
	}
	for _, n := range in.Nodes() {
		if _, described := child(sch, n.Key()); !described {
			*errs = append(*errs, ValidationError{Path: join(prefix, n.Key()), Message: "is not described by the schema", Code: "unknown"})
		}
	}
}

func (v *Validator) subtree(sn, inNode *hash.Node, present bool, out *hash.Hash, p string, errs *ValidationErrors) {
	schSub, _ := sn.Hash()
	if schSub == nil {
		schSub = hash.New()
	}
	var inSub *hash.Hash
	switch {
	case present:
		var ok bool
		if inSub, ok = inNode.Hash(); !ok {
			*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("expected a node, got %s", inNode.Type()), Code: "type"})
			return
		}
	case v.mode == ForInit:
		inSub = hash.New()
	default:
		return
	}
	outSub := hash.New()
	v.node(schSub, inSub, outSub, p, errs)
	out.Set(sn.Key(), outSub)
}

// selection turns a choice or list entry into (option name, option config).
func (v *Validator) selection(row *hash.Hash, options *hash.Hash, p string, errs *ValidationErrors) (string, *hash.Hash, bool) {
	if row.Len() != 1 {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("must select exactly one option, got %d", row.Len()), Code: "choice"})
		return "", nil, false
	}
	n := row.Nodes()[0]
	if _, ok := child(options, n.Key()); !ok {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("unknown option %q", n.Key()), Code: "choice"})
		return "", nil, false
	}
	sub, ok := n.Hash()
	if !ok {
		sub = hash.New()
	}
	return n.Key(), sub, true
}

func (v *Validator) choice(sn, inNode *hash.Node, present bool, out *hash.Hash, p string, errs *ValidationErrors) {
	options, _ := sn.Hash()
	if options == nil {
		options = hash.New()
	}
	var name string
	var cfg *hash.Hash
	switch {
	case present:
		row, ok := inNode.Hash()
		if !ok {
			*errs = append(*errs, ValidationError{Path: p, Message: "expected a node", Code: "type"})
			return
		}
		if name, cfg, ok = v.selection(row, options, p, errs); !ok {
			return
		}
	case v.mode == ForInit:
		def, _ := sn.Attributes().Get(AttrDefaultValue).(string)
		if def == "" {
			if v.requiredMissing(sn) {
				*errs = append(*errs, ValidationError{Path: p, Message: "is mandatory", Code: "required"})
			}
			return
		}
		name, cfg = def, hash.New()
	default:
		return
	}
	optSchema, ok := child(options, name)
	if !ok {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("unknown option %q", name), Code: "choice"})
		return
	}
	optSub, _ := optSchema.Hash()
	if optSub == nil {
		optSub = hash.New()
	}
	outSub := hash.New()
	v.node(optSub, cfg, outSub, join(p, name), errs)
	sel := hash.New()
	sel.Set(name, outSub)
	out.Set(sn.Key(), sel)
}

func (v *Validator) list(sn, inNode *hash.Node, present bool, out *hash.Hash, p string, errs *ValidationErrors) {
	options, _ := sn.Hash()
	if options == nil {
		options = hash.New()
	}
	var rows []*hash.Hash
	switch {
	case present:
		var ok bool
		if rows, ok = inNode.Value().([]*hash.Hash); !ok {
			*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("expected VECTOR_HASH, got %s", inNode.Type()), Code: "type"})
			return
		}
	case v.mode == ForInit:
		names, _ := sn.Attributes().Get(AttrDefaultValue).([]string)
		if names == nil && v.requiredMissing(sn) {
			*errs = append(*errs, ValidationError{Path: p, Message: "is mandatory", Code: "required"})
			return
		}
		for _, n := range names {
			rows = append(rows, hash.New(n, hash.New()))
		}
	default:
		return
	}
	outRows := make([]*hash.Hash, 0, len(rows))
	for i, row := range rows {
		rp := fmt.Sprintf("%s[%d]", p, i)
		name, cfg, ok := v.selection(row, options, rp, errs)
		if !ok {
			continue
		}
		optSchema, _ := child(options, name)
		optSub, _ := optSchema.Hash()
		if optSub == nil {
			optSub = hash.New()
		}
		outSub := hash.New()
		v.node(optSub, cfg, outSub, join(rp, name), errs)
		outRows = append(outRows, hash.New(name, outSub))
	}
	out.Set(sn.Key(), outRows)
}

func (v *Validator) requiredMissing(sn *hash.Node) bool {
	return Assignment(attrInt(sn.Attributes(), AttrAssignment, int32(Optional))) == Mandatory && !v.opts.AllowMissingKeys
}

func (v *Validator) leaf(sn, inNode *hash.Node, present bool, out *hash.Hash, p string, errs *ValidationErrors) {
	a := sn.Attributes()
	declared, ok := hash.ParseType(fmt.Sprint(a.Get(AttrValueType)))
	if !ok {
		*errs = append(*errs, ValidationError{Path: p, Message: "schema declares no value type", Code: "type"})
		return
	}
	access := AccessMode(attrInt(a, AttrAccessMode, int32(Reconfigurable)))

	if present && v.mode == ForReconfigure && access != Reconfigurable {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("is %s and cannot be reconfigured", access), Code: "access"})
		return
	}
	// read-only values are owned by the device; stale ones are dropped at init
	if present && v.mode == ForInit && access == ReadOnly {
		present = false
	}

	if !present {
		if v.mode == ForReconfigure {
			return
		}
		if def, ok := a.Find(AttrDefaultValue); ok && v.opts.InjectDefaults {
			n, err := out.SetTyped(sn.Key(), hash.CloneValue(def.Value), declared)
			if err != nil {
				*errs = append(*errs, ValidationError{Path: p, Message: "default: " + err.Error(), Code: "type"})
				return
			}
			v.stampNode(n)
			return
		}
		if v.requiredMissing(sn) && access != ReadOnly {
			*errs = append(*errs, ValidationError{Path: p, Message: "is mandatory", Code: "required"})
		}
		return
	}

	value, err := hash.Cast(inNode.Value(), inNode.Type(), declared)
	if err != nil {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("expected %s, got %s", declared, inNode.Type()), Code: "type"})
		return
	}
	before := len(*errs)
	v.checkOptions(a, value, declared, p, errs)
	v.checkBounds(a, value, declared, p, errs)
	v.checkSize(a, value, declared, p, errs)
	if len(*errs) > before {
		return
	}
	n, err := out.SetTyped(sn.Key(), value, declared)
	if err != nil {
		*errs = append(*errs, ValidationError{Path: p, Message: err.Error(), Code: "type"})
		return
	}
	n.Attributes().Merge(inNode.Attributes())
	v.stampNode(n)
}

func (v *Validator) stampNode(n *hash.Node) {
	if !v.opts.InjectTimestamps {
		return
	}
	if _, has := timestamp.FromAttributes(n.Attributes()); !has {
		v.current.ToAttributes(n.Attributes())
	}
}

func (v *Validator) checkOptions(a *hash.Attributes, value any, declared hash.Type, p string, errs *ValidationErrors) {
	opts, ok := a.Find(AttrOptions)
	if !ok {
		return
	}
	rv := reflect.ValueOf(opts.Value)
	if rv.Kind() != reflect.Slice {
		return
	}
	for i := 0; i < rv.Len(); i++ {
		if reflect.DeepEqual(rv.Index(i).Interface(), value) {
			return
		}
	}
	*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("value %v not in options %v", value, opts.Value), Code: "options"})
}

func (v *Validator) checkBounds(a *hash.Attributes, value any, declared hash.Type, p string, errs *ValidationErrors) {
	elems := []any{value}
	if declared.IsVector() {
		rv := reflect.ValueOf(value)
		elems = make([]any, rv.Len())
		for i := range elems {
			elems[i] = rv.Index(i).Interface()
		}
	}
	type bound struct {
		attr string
		bad  func(c int) bool
		code string
		op   string
	}
	bounds := []bound{
		{AttrMinInc, func(c int) bool { return c < 0 }, "min", ">="},
		{AttrMinExc, func(c int) bool { return c <= 0 }, "min", ">"},
		{AttrMaxInc, func(c int) bool { return c > 0 }, "max", "<="},
		{AttrMaxExc, func(c int) bool { return c >= 0 }, "max", "<"},
	}
	for _, b := range bounds {
		limit, ok := a.Find(b.attr)
		if !ok {
			continue
		}
		for _, e := range elems {
			c, ok := compare(e, limit.Value)
			if ok && b.bad(c) {
				*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("value %v must be %s %v", e, b.op, limit.Value), Code: b.code})
				break
			}
		}
	}
}

func (v *Validator) checkSize(a *hash.Attributes, value any, declared hash.Type, p string, errs *ValidationErrors) {
	if !declared.IsVector() {
		return
	}
	n := uint32(reflect.ValueOf(value).Len())
	if lo, ok := a.Get(AttrMinSize).(uint32); ok && n < lo {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("size %d below minimum %d", n, lo), Code: "size"})
	}
	if hi, ok := a.Get(AttrMaxSize).(uint32); ok && n > hi {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf("size %d above maximum %d", n, hi), Code: "size"})
	}
}
