package hash

import (
	"fmt"
	"math"
)

// Type is the wire type number attached to every value and attribute.
type Type uint32

// Wire type numbers. The gaps are reserved numbers not used by this codec.
const (
	Bool                Type = 0
	VectorBool          Type = 1
	Char                Type = 2
	VectorChar          Type = 3
	Int8                Type = 4
	VectorInt8          Type = 5
	UInt8               Type = 6
	VectorUInt8         Type = 7
	Int16               Type = 8
	VectorInt16         Type = 9
	UInt16              Type = 10
	VectorUInt16        Type = 11
	Int32               Type = 12
	VectorInt32         Type = 13
	UInt32              Type = 14
	VectorUInt32        Type = 15
	Int64               Type = 16
	VectorInt64         Type = 17
	UInt64              Type = 18
	VectorUInt64        Type = 19
	Float               Type = 20
	VectorFloat         Type = 21
	Double              Type = 22
	VectorDouble        Type = 23
	ComplexFloat        Type = 24
	VectorComplexFloat  Type = 25
	ComplexDouble       Type = 26
	VectorComplexDouble Type = 27
	String              Type = 28
	VectorString        Type = 29
	HashType            Type = 30
	VectorHash          Type = 31
	SchemaType          Type = 32
	None                Type = 35
	ByteArray           Type = 37

	// Unknown marks a value whose type could not be inferred.
	Unknown Type = math.MaxUint32
)

var typeNames = map[Type]string{
	Bool:                "BOOL",
	VectorBool:          "VECTOR_BOOL",
	Char:                "CHAR",
	VectorChar:          "VECTOR_CHAR",
	Int8:                "INT8",
	VectorInt8:          "VECTOR_INT8",
	UInt8:               "UINT8",
	VectorUInt8:         "VECTOR_UINT8",
	Int16:               "INT16",
	VectorInt16:         "VECTOR_INT16",
	UInt16:              "UINT16",
	VectorUInt16:        "VECTOR_UINT16",
	Int32:               "INT32",
	VectorInt32:         "VECTOR_INT32",
	UInt32:              "UINT32",
	VectorUInt32:        "VECTOR_UINT32",
	Int64:               "INT64",
	VectorInt64:         "VECTOR_INT64",
	UInt64:              "UINT64",
	VectorUInt64:        "VECTOR_UINT64",
	Float:               "FLOAT",
	VectorFloat:         "VECTOR_FLOAT",
	Double:              "DOUBLE",
	VectorDouble:        "VECTOR_DOUBLE",
	ComplexFloat:        "COMPLEX_FLOAT",
	VectorComplexFloat:  "VECTOR_COMPLEX_FLOAT",
	ComplexDouble:       "COMPLEX_DOUBLE",
	VectorComplexDouble: "VECTOR_COMPLEX_DOUBLE",
	String:              "STRING",
	VectorString:        "VECTOR_STRING",
	HashType:            "HASH",
	VectorHash:          "VECTOR_HASH",
	SchemaType:          "SCHEMA",
	None:                "NONE",
	ByteArray:           "BYTE_ARRAY",
}

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// String returns the Karabo type name, e.g. "VECTOR_INT32".
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Valid reports whether t is a type this package can encode.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType maps a Karabo type name to its Type.
func ParseType(name string) (Type, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// IsVector reports whether t is a sequence type (including VECTOR_HASH,
// VECTOR_CHAR and BYTE_ARRAY).
func (t Type) IsVector() bool {
	switch t {
	case VectorBool, VectorChar, VectorInt8, VectorUInt8, VectorInt16, VectorUInt16,
		VectorInt32, VectorUInt32, VectorInt64, VectorUInt64, VectorFloat, VectorDouble,
		VectorComplexFloat, VectorComplexDouble, VectorString, VectorHash, ByteArray:
		return true
	}
	return false
}

// Element returns the scalar type of a vector type, or t itself.
func (t Type) Element() Type {
	switch t {
	case VectorChar, ByteArray:
		return Char
	case VectorHash:
		return HashType
	}
	if t.IsVector() {
		return t - 1
	}
	return t
}

// Vector returns the vector type whose elements are t, or Unknown.
func (t Type) Vector() Type {
	switch t {
	case HashType:
		return VectorHash
	case Bool, Char, Int8, UInt8, Int16, UInt16, Int32, UInt32, Int64, UInt64,
		Float, Double, ComplexFloat, ComplexDouble, String:
		return t + 1
	}
	return Unknown
}

// IsInteger reports whether t is a scalar integer type.
func (t Type) IsInteger() bool {
	switch t {
	case Int8, UInt8, Int16, UInt16, Int32, UInt32, Int64, UInt64:
		return true
	}
	return false
}

// IsFloating reports whether t is FLOAT or DOUBLE.
func (t Type) IsFloating() bool {
	return t == Float || t == Double
}

// IsComplex reports whether t is a complex scalar.
func (t Type) IsComplex() bool {
	return t == ComplexFloat || t == ComplexDouble
}

// IsNumeric reports whether t is an integer, floating or complex scalar.
func (t Type) IsNumeric() bool {
	return t.IsInteger() || t.IsFloating() || t.IsComplex()
}

// CharValue is a single byte tagged CHAR, distinct from UINT8.
type CharValue byte

// Bytes is a byte blob tagged BYTE_ARRAY. A plain []byte is VECTOR_CHAR.
type Bytes []byte

// NoneValue is the value of a key that is present without a value.
type NoneValue struct{}

// NoneV is the NONE sentinel.
var NoneV = NoneValue{}

// Schema is the wire form of a SCHEMA value: a class name plus its
// parameter description tree.
type Schema struct {
	Name string
	Hash *Hash
}

// TypeOf infers the wire type of a Go value. Plain int maps to INT32 when it
// fits and to INT64 otherwise; []byte maps to VECTOR_CHAR.
func TypeOf(v any) Type {
	switch x := v.(type) {
	case bool:
		return Bool
	case []bool:
		return VectorBool
	case CharValue:
		return Char
	case []byte:
		return VectorChar
	case Bytes:
		return ByteArray
	case int8:
		return Int8
	case []int8:
		return VectorInt8
	case uint8:
		return UInt8
	case int16:
		return Int16
	case []int16:
		return VectorInt16
	case uint16:
		return UInt16
	case []uint16:
		return VectorUInt16
	case int32:
		return Int32
	case []int32:
		return VectorInt32
	case uint32:
		return UInt32
	case []uint32:
		return VectorUInt32
	case int64:
		return Int64
	case []int64:
		return VectorInt64
	case uint64:
		return UInt64
	case []uint64:
		return VectorUInt64
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return Int32
		}
		return Int64
	case []int:
		for _, e := range x {
			if e < math.MinInt32 || e > math.MaxInt32 {
				return VectorInt64
			}
		}
		return VectorInt32
	case uint:
		return UInt64
	case float32:
		return Float
	case []float32:
		return VectorFloat
	case float64:
		return Double
	case []float64:
		return VectorDouble
	case complex64:
		return ComplexFloat
	case []complex64:
		return VectorComplexFloat
	case complex128:
		return ComplexDouble
	case []complex128:
		return VectorComplexDouble
	case string:
		return String
	case []string:
		return VectorString
	case *Hash:
		return HashType
	case []*Hash:
		return VectorHash
	case *Schema:
		return SchemaType
	case NoneValue, nil:
		return None
	}
	return Unknown
}

// normalize converts convenience Go types to the canonical storage type for t.
func normalize(v any, t Type) any {
	switch x := v.(type) {
	case nil:
		return NoneV
	case int:
		if t == Int32 {
			return int32(x)
		}
		return int64(x)
	case []int:
		if t == VectorInt32 {
			out := make([]int32, len(x))
			for i, e := range x {
				out[i] = int32(e)
			}
			return out
		}
		out := make([]int64, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	case uint:
		return uint64(x)
	case []uint8:
		if t == VectorUInt8 {
			return x
		}
	}
	return v
}

// conforms reports whether v is stored with the Go type belonging to t.
func conforms(v any, t Type) bool {
	if t == VectorUInt8 {
		_, ok := v.([]uint8)
		return ok
	}
	return TypeOf(v) == t
}
