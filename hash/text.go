package hash

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
)

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

func formatComplex(c complex128, bits int) string {
	return "(" + formatFloat(real(c), bits) + "," + formatFloat(imag(c), bits) + ")"
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func joinVector[T any](xs []T, f func(T) string) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = f(x)
	}
	return strings.Join(parts, ",")
}

func itoa[T int8 | int16 | int32 | int64](x T) string    { return strconv.FormatInt(int64(x), 10) }
func utoa[T uint8 | uint16 | uint32 | uint64](x T) string { return strconv.FormatUint(uint64(x), 10) }

// formatText renders scalar and vector values. HASH and VECTOR_HASH have no
// text form and render empty.
func formatText(v any, t Type) (string, error) {
	switch t {
	case SchemaType:
		s := v.(*Schema)
		inner, err := encodeEntries(s.Hash)
		if err != nil {
			return "", err
		}
		return s.Name + ":" + inner, nil
	case VectorString:
		return joinStrings(v.([]string)), nil
	}
	return formatScalar(v, t), nil
}

func formatScalar(v any, t Type) string {
	switch t {
	case Bool:
		return formatBool(v.(bool))
	case VectorBool:
		return joinVector(v.([]bool), formatBool)
	case Char:
		return fmt.Sprintf("0x%02x", byte(v.(CharValue)))
	case VectorChar, ByteArray:
		b, _ := asBytes(v)
		return base64.StdEncoding.EncodeToString(b)
	case Int8:
		return itoa(v.(int8))
	case VectorInt8:
		return joinVector(v.([]int8), itoa[int8])
	case UInt8:
		return utoa(v.(uint8))
	case VectorUInt8:
		return joinVector(v.([]uint8), utoa[uint8])
	case Int16:
		return itoa(v.(int16))
	case VectorInt16:
		return joinVector(v.([]int16), itoa[int16])
	case UInt16:
		return utoa(v.(uint16))
	case VectorUInt16:
		return joinVector(v.([]uint16), utoa[uint16])
	case Int32:
		return itoa(v.(int32))
	case VectorInt32:
		return joinVector(v.([]int32), itoa[int32])
	case UInt32:
		return utoa(v.(uint32))
	case VectorUInt32:
		return joinVector(v.([]uint32), utoa[uint32])
	case Int64:
		return itoa(v.(int64))
	case VectorInt64:
		return joinVector(v.([]int64), itoa[int64])
	case UInt64:
		return utoa(v.(uint64))
	case VectorUInt64:
		return joinVector(v.([]uint64), utoa[uint64])
	case Float:
		return formatFloat(float64(v.(float32)), 32)
	case VectorFloat:
		return joinVector(v.([]float32), func(f float32) string { return formatFloat(float64(f), 32) })
	case Double:
		return formatFloat(v.(float64), 64)
	case VectorDouble:
		return joinVector(v.([]float64), func(f float64) string { return formatFloat(f, 64) })
	case ComplexFloat:
		return formatComplex(complex128(v.(complex64)), 32)
	case VectorComplexFloat:
		return joinVector(v.([]complex64), func(c complex64) string { return formatComplex(complex128(c), 32) })
	case ComplexDouble:
		return formatComplex(v.(complex128), 64)
	case VectorComplexDouble:
		return joinVector(v.([]complex128), func(c complex128) string { return formatComplex(c, 64) })
	case String:
		return v.(string)
	}
	return ""
}

// joinStrings writes a VECTOR_STRING as comma separated elements. Commas
// and backslashes inside an element are escaped with a backslash and an
// empty element is written as \e, which keeps [""] apart from [].
func joinStrings(xs []string) string {
	var b strings.Builder
	for i, x := range xs {
		if i > 0 {
			b.WriteByte(',')
		}
		if x == "" {
			b.WriteString(`\e`)
			continue
		}
		for j := 0; j < len(x); j++ {
			if c := x[j]; c == ',' || c == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(x[j])
		}
	}
	return b.String()
}

// splitStrings reverses joinStrings. Whitespace is kept. A backslash not
// starting a known escape is taken literally.
func splitStrings(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ',':
			out = append(out, cur.String())
			cur.Reset()
		case c == '\\' && i+1 < len(s) && (s[i+1] == ',' || s[i+1] == '\\'):
			i++
			cur.WriteByte(s[i])
		case c == '\\' && i+1 < len(s) && s[i+1] == 'e':
			i++
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, cur.String())
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true":
		return true, nil
	case "0", "false", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", s)
}

func parseFloat(s string, bits int) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), bits)
}

func parseComplex(s string, bits int) (complex128, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	re, im, ok := strings.Cut(s, ",")
	if !ok {
		return 0, fmt.Errorf("invalid complex %q", s)
	}
	r, err := parseFloat(re, bits)
	if err != nil {
		return 0, err
	}
	i, err := parseFloat(im, bits)
	if err != nil {
		return 0, err
	}
	return complex(r, i), nil
}

func splitVector(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func splitComplexVector(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "),(")
}

func parseVector[T any](s string, split func(string) []string, parse func(string) (T, error)) ([]T, error) {
	parts := split(s)
	out := make([]T, len(parts))
	for i, p := range parts {
		v, err := parse(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInt[T int8 | int16 | int32 | int64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, bits)
		return T(v), err
	}
}

func parseUint[T uint8 | uint16 | uint32 | uint64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, bits)
		return T(v), err
	}
}

func parseChar(s string) (CharValue, error) {
	if strings.HasPrefix(s, "0x") && len(s) > 2 {
		v, err := strconv.ParseUint(s[2:], 16, 8)
		return CharValue(v), err
	}
	if len(s) == 1 {
		return CharValue(s[0]), nil
	}
	return 0, fmt.Errorf("invalid char %q", s)
}

func parseText(s string, t Type) (any, error) {
	switch t {
	case Bool:
		return parseBool(s)
	case VectorBool:
		return parseVector(s, splitVector, parseBool)
	case Char:
		return parseChar(s)
	case VectorChar:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	case ByteArray:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		return Bytes(b), err
	case Int8:
		return parseInt[int8](8)(s)
	case VectorInt8:
		return parseVector(s, splitVector, parseInt[int8](8))
	case UInt8:
		return parseUint[uint8](8)(s)
	case VectorUInt8:
		return parseVector(s, splitVector, parseUint[uint8](8))
	case Int16:
		return parseInt[int16](16)(s)
	case VectorInt16:
		return parseVector(s, splitVector, parseInt[int16](16))
	case UInt16:
		return parseUint[uint16](16)(s)
	case VectorUInt16:
		return parseVector(s, splitVector, parseUint[uint16](16))
	case Int32:
		return parseInt[int32](32)(s)
	case VectorInt32:
		return parseVector(s, splitVector, parseInt[int32](32))
	case UInt32:
		return parseUint[uint32](32)(s)
	case VectorUInt32:
		return parseVector(s, splitVector, parseUint[uint32](32))
	case Int64:
		return parseInt[int64](64)(s)
	case VectorInt64:
		return parseVector(s, splitVector, parseInt[int64](64))
	case UInt64:
		return parseUint[uint64](64)(s)
	case VectorUInt64:
		return parseVector(s, splitVector, parseUint[uint64](64))
	case Float:
		f, err := parseFloat(s, 32)
		return float32(f), err
	case VectorFloat:
		return parseVector(s, splitVector, func(p string) (float32, error) {
			f, err := parseFloat(p, 32)
			return float32(f), err
		})
	case Double:
		return parseFloat(s, 64)
	case VectorDouble:
		return parseVector(s, splitVector, func(p string) (float64, error) { return parseFloat(p, 64) })
	case ComplexFloat:
		c, err := parseComplex(s, 32)
		return complex64(c), err
	case VectorComplexFloat:
		return parseVector(s, splitComplexVector, func(p string) (complex64, error) {
			c, err := parseComplex(p, 32)
			return complex64(c), err
		})
	case ComplexDouble:
		return parseComplex(s, 64)
	case VectorComplexDouble:
		return parseVector(s, splitComplexVector, func(p string) (complex128, error) { return parseComplex(p, 64) })
	case String:
		return s, nil
	case VectorString:
		return splitStrings(s), nil
	case None:
		return NoneV, nil
	case SchemaType:
		name, inner, _ := strings.Cut(s, ":")
		h, err := decodeEntries(inner)
		if err != nil {
			return nil, err
		}
		return &Schema{Name: name, Hash: h}, nil
	}
	return nil, fmt.Errorf("type %s has no text form", t)
}
