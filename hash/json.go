package hash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// FromJSON decodes a JSON object into a Hash. Integral numbers become INT32
// or INT64, other numbers DOUBLE; arrays of one scalar kind become vectors
// and arrays of objects VECTOR_HASH. Object key order is preserved.
func FromJSON(data []byte) (*Hash, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, kerrors.Newf(kerrors.KindValidation, "invalid json: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, kerrors.New(kerrors.KindValidation, "json document is not an object")
	}
	h, err := decodeObject(dec)
	if err != nil {
		return nil, kerrors.Newf(kerrors.KindValidation, "invalid json: %v", err)
	}
	return h, nil
}

func decodeObject(dec *json.Decoder) (*Hash, error) {
	h := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		h.put(key, normalize(v, TypeOf(v)), TypeOf(v))
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch x := tok.(type) {
	case json.Delim:
		switch x {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		}
		return nil, fmt.Errorf("unexpected delimiter %v", x)
	case json.Number:
		return jsonNumber(x)
	case nil:
		return NoneV, nil
	default:
		return x, nil
	}
}

func jsonNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	return n.Float64()
}

func decodeArray(dec *json.Decoder) (any, error) {
	var items []any
	for dec.More() {
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return vectorOf(items)
}

// vectorOf turns decoded array items into the narrowest vector holding all
// of them. An empty array is an empty VECTOR_STRING.
func vectorOf(items []any) (any, error) {
	if len(items) == 0 {
		return []string{}, nil
	}
	switch items[0].(type) {
	case *Hash:
		return collect[*Hash](items)
	case string:
		return collect[string](items)
	case bool:
		return collect[bool](items)
	}
	ints := make([]int, 0, len(items))
	floats := make([]float64, 0, len(items))
	allInt := true
	for _, it := range items {
		switch n := it.(type) {
		case int:
			ints = append(ints, n)
			floats = append(floats, float64(n))
		case float64:
			allInt = false
			floats = append(floats, n)
		default:
			return nil, fmt.Errorf("mixed array element %v", it)
		}
	}
	if allInt {
		return ints, nil
	}
	return floats, nil
}

func collect[T any](items []any) ([]T, error) {
	out := make([]T, len(items))
	for i, it := range items {
		v, ok := it.(T)
		if !ok {
			return nil, fmt.Errorf("mixed array element %v", it)
		}
		out[i] = v
	}
	return out, nil
}

// MarshalJSON renders the Hash as a JSON object in key order. Attributes
// are dropped; values without a JSON form use their text representation.
func (h *Hash) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range h.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		b.Write(key)
		b.WriteByte(':')
		n := h.nodes[k]
		v, err := jsonValue(n.value, n.typ)
		if err != nil {
			return nil, err
		}
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func jsonValue(v any, t Type) ([]byte, error) {
	switch t {
	case HashType, VectorHash, Bool, VectorBool, String, VectorString:
		return json.Marshal(v)
	case None:
		return []byte("null"), nil
	case SchemaType:
		s := v.(*Schema)
		return json.Marshal(map[string]any{"name": s.Name, "hash": s.Hash})
	}
	if t.IsInteger() {
		return json.Marshal(v)
	}
	if t.IsFloating() {
		n, _ := toNumber(v)
		if f := n.real(); !math.IsNaN(f) && !math.IsInf(f, 0) {
			return json.Marshal(v)
		}
	}
	text, err := formatText(v, t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(text)
}
