package hash

import (
	"math"
	"reflect"
	"slices"
)

// CloneValue deep-copies a stored value.
func CloneValue(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Hash:
		return x.Clone()
	case []*Hash:
		out := make([]*Hash, len(x))
		for i, r := range x {
			out[i] = r.Clone()
		}
		return out
	case *Schema:
		return &Schema{Name: x.Name, Hash: x.Hash.Clone()}
	case []bool:
		return slices.Clone(x)
	case []byte:
		return slices.Clone(x)
	case Bytes:
		return Bytes(slices.Clone([]byte(x)))
	case []int8:
		return slices.Clone(x)
	case []int16:
		return slices.Clone(x)
	case []uint16:
		return slices.Clone(x)
	case []int32:
		return slices.Clone(x)
	case []uint32:
		return slices.Clone(x)
	case []int64:
		return slices.Clone(x)
	case []uint64:
		return slices.Clone(x)
	case []float32:
		return slices.Clone(x)
	case []float64:
		return slices.Clone(x)
	case []complex64:
		return slices.Clone(x)
	case []complex128:
		return slices.Clone(x)
	case []string:
		return slices.Clone(x)
	}
	return v
}

func floatEqual(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case *Hash:
		y, ok := b.(*Hash)
		return ok && x.Equal(y)
	case []*Hash:
		y, ok := b.([]*Hash)
		return ok && slices.EqualFunc(x, y, func(p, q *Hash) bool { return p.Equal(q) })
	case *Schema:
		y, ok := b.(*Schema)
		return ok && x.Name == y.Name && x.Hash.Equal(y.Hash)
	case float64:
		y, ok := b.(float64)
		return ok && floatEqual(x, y)
	case float32:
		y, ok := b.(float32)
		return ok && floatEqual(float64(x), float64(y))
	case []float64:
		y, ok := b.([]float64)
		return ok && slices.EqualFunc(x, y, floatEqual)
	case []float32:
		y, ok := b.([]float32)
		return ok && slices.EqualFunc(x, y, func(p, q float32) bool { return floatEqual(float64(p), float64(q)) })
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Slice && vb.Kind() == reflect.Slice &&
		va.Type() == vb.Type() && va.Len() == 0 && vb.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
