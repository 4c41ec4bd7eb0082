package hash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSON(t *testing.T) {
	h, err := FromJSON([]byte(`{"z": 1, "a": {"big": 5000000000, "x": 1.5}, "names": ["a", "b"],
		"rows": [{"k": true}], "nums": [1, 2.5], "none": null}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"z", "a", "names", "rows", "nums", "none"}, h.Keys())
	assert.Equal(t, int32(1), h.Value("z"))
	assert.Equal(t, int64(5000000000), h.Value("a.big"))
	assert.Equal(t, 1.5, h.Value("a.x"))
	assert.Equal(t, []string{"a", "b"}, h.Value("names"))
	assert.Equal(t, []float64{1, 2.5}, h.Value("nums"))
	typ, _ := h.GetType("rows")
	assert.Equal(t, VectorHash, typ)
	typ, _ = h.GetType("none")
	assert.Equal(t, None, typ)

	_, err = FromJSON([]byte(`[1, 2]`))
	assert.Error(t, err)
	_, err = FromJSON([]byte(`{"a": [1, "x"]}`))
	assert.Error(t, err)
}

func TestMarshalJSON(t *testing.T) {
	h := New("b", int32(2), "a.c", "text", "f", 0.5, "v", []int32{1, 2})
	out, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b": 2, "a": {"c": "text"}, "f": 0.5, "v": "1,2"}`, string(out))
	assert.Equal(t, `{"b":2,"a":{"c":"text"},"f":0.5,"v":"1,2"}`, string(out))
}
