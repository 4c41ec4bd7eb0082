package hash

import (
	"math"
	"reflect"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Cast converts v, tagged from, to type to using the implicit cast lattice:
//
//   - integer to integer when the value fits the target range
//   - integer to floating or complex
//   - FLOAT to DOUBLE, DOUBLE to FLOAT when no precision is lost
//   - real to complex, COMPLEX_FLOAT to COMPLEX_DOUBLE
//   - VECTOR_CHAR and BYTE_ARRAY into each other
//   - vectors element-wise by the same rules
//
// Everything else, notably string to numeric, is a ValidationError.
func Cast(v any, from, to Type) (any, error) {
	if from == to {
		return v, nil
	}
	if (from == VectorChar && to == ByteArray) || (from == ByteArray && to == VectorChar) {
		b, _ := asBytes(v)
		if to == ByteArray {
			return Bytes(b), nil
		}
		return []byte(b), nil
	}
	if from.IsVector() && to.IsVector() {
		return castVector(v, from, to)
	}
	if from.IsVector() || to.IsVector() {
		return nil, castError(v, from, to)
	}
	n, ok := toNumber(v)
	if !ok || !to.IsNumeric() {
		return nil, castError(v, from, to)
	}
	out, ok := n.to(to)
	if !ok {
		return nil, castError(v, from, to)
	}
	return out, nil
}

// CanCast reports whether Cast(v, from, to) succeeds.
func CanCast(v any, from, to Type) bool {
	_, err := Cast(v, from, to)
	return err == nil
}

// Convert is Cast extended with explicit string conversions in both
// directions. It serves interactive input where everything arrives as text.
func Convert(v any, from, to Type) (any, error) {
	if out, err := Cast(v, from, to); err == nil {
		return out, nil
	}
	if s, ok := v.(string); ok && from == String {
		return FromString(s, to)
	}
	if to == String {
		return ToString(v, from)
	}
	return nil, castError(v, from, to)
}

func castError(v any, from, to Type) error {
	return kerrors.Newf(kerrors.KindValidation, "cannot cast %v from %s to %s", v, from, to)
}

func asBytes(v any) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case Bytes:
		return []byte(x), true
	}
	return nil, false
}

func castVector(v any, from, to Type) (any, error) {
	if from == VectorHash || to == VectorHash || from == VectorString || to == VectorString {
		return nil, castError(v, from, to)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, castError(v, from, to)
	}
	proto := zeroVector(to, rv.Len())
	if proto == nil {
		return nil, castError(v, from, to)
	}
	out := reflect.ValueOf(proto)
	for i := 0; i < rv.Len(); i++ {
		e, err := Cast(rv.Index(i).Interface(), from.Element(), to.Element())
		if err != nil {
			return nil, kerrors.Newf(kerrors.KindValidation, "element %d: %v", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(e))
	}
	return proto, nil
}

func zeroVector(t Type, n int) any {
	switch t {
	case VectorBool:
		return make([]bool, n)
	case VectorInt8:
		return make([]int8, n)
	case VectorUInt8:
		return make([]uint8, n)
	case VectorInt16:
		return make([]int16, n)
	case VectorUInt16:
		return make([]uint16, n)
	case VectorInt32:
		return make([]int32, n)
	case VectorUInt32:
		return make([]uint32, n)
	case VectorInt64:
		return make([]int64, n)
	case VectorUInt64:
		return make([]uint64, n)
	case VectorFloat:
		return make([]float32, n)
	case VectorDouble:
		return make([]float64, n)
	case VectorComplexFloat:
		return make([]complex64, n)
	case VectorComplexDouble:
		return make([]complex128, n)
	}
	return nil
}

// number is a scalar lifted into the widest representation of its kind.
type number struct {
	kind int // 0 signed, 1 unsigned, 2 real, 3 complex
	i    int64
	u    uint64
	f    float64
	c    complex128
}

func toNumber(v any) (number, bool) {
	switch x := v.(type) {
	case int8:
		return number{kind: 0, i: int64(x)}, true
	case int16:
		return number{kind: 0, i: int64(x)}, true
	case int32:
		return number{kind: 0, i: int64(x)}, true
	case int64:
		return number{kind: 0, i: x}, true
	case int:
		return number{kind: 0, i: int64(x)}, true
	case uint8:
		return number{kind: 1, u: uint64(x)}, true
	case uint16:
		return number{kind: 1, u: uint64(x)}, true
	case uint32:
		return number{kind: 1, u: uint64(x)}, true
	case uint64:
		return number{kind: 1, u: x}, true
	case float32:
		return number{kind: 2, f: float64(x)}, true
	case float64:
		return number{kind: 2, f: x}, true
	case complex64:
		return number{kind: 3, c: complex128(x)}, true
	case complex128:
		return number{kind: 3, c: x}, true
	}
	return number{}, false
}

func (n number) fitsSigned(lo, hi int64) bool {
	switch n.kind {
	case 0:
		return n.i >= lo && n.i <= hi
	case 1:
		return n.u <= uint64(hi)
	}
	return false
}

func (n number) fitsUnsigned(hi uint64) bool {
	switch n.kind {
	case 0:
		return n.i >= 0 && uint64(n.i) <= hi
	case 1:
		return n.u <= hi
	}
	return false
}

func (n number) real() float64 {
	switch n.kind {
	case 0:
		return float64(n.i)
	case 1:
		return float64(n.u)
	}
	return n.f
}

func (n number) to(t Type) (any, bool) {
	switch t {
	case Int8:
		return int8(n.i + int64(n.u)), n.fitsSigned(math.MinInt8, math.MaxInt8)
	case Int16:
		return int16(n.i + int64(n.u)), n.fitsSigned(math.MinInt16, math.MaxInt16)
	case Int32:
		return int32(n.i + int64(n.u)), n.fitsSigned(math.MinInt32, math.MaxInt32)
	case Int64:
		return n.i + int64(n.u), n.fitsSigned(math.MinInt64, math.MaxInt64)
	case UInt8:
		return uint8(uint64(n.i) + n.u), n.fitsUnsigned(math.MaxUint8)
	case UInt16:
		return uint16(uint64(n.i) + n.u), n.fitsUnsigned(math.MaxUint16)
	case UInt32:
		return uint32(uint64(n.i) + n.u), n.fitsUnsigned(math.MaxUint32)
	case UInt64:
		return uint64(n.i) + n.u, n.fitsUnsigned(math.MaxUint64)
	case Float:
		if n.kind == 3 {
			return nil, false
		}
		f := n.real()
		if n.kind == 2 && !math.IsNaN(f) && !math.IsInf(f, 0) && float64(float32(f)) != f {
			return nil, false
		}
		return float32(f), true
	case Double:
		if n.kind == 3 {
			return nil, false
		}
		return n.real(), true
	case ComplexFloat:
		c := n.c
		if n.kind != 3 {
			c = complex(n.real(), 0)
		} else if complex128(complex64(c)) != c {
			return nil, false
		}
		return complex64(c), true
	case ComplexDouble:
		if n.kind == 3 {
			return n.c, true
		}
		return complex(n.real(), 0), true
	}
	return nil, false
}

// FromString parses the textual form used by the XML codec into type t.
func FromString(s string, t Type) (any, error) {
	v, err := parseText(s, t)
	if err != nil {
		return nil, kerrors.Newf(kerrors.KindValidation, "cannot parse %q as %s: %v", s, t, err)
	}
	return v, nil
}

// ToString renders v, tagged t, in the textual form used by the XML codec.
// Only a SCHEMA whose hash cannot be encoded fails.
func ToString(v any, t Type) (string, error) {
	return formatText(v, t)
}
