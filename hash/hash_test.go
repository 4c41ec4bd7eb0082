package hash

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

func TestSetGetNestedPaths(t *testing.T) {
	h := New()
	h.Set("a.b.c", int32(1))
	h.Set("a.d", "x")
	h.Set("e", []float64{1, 2})

	v, err := h.Get("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	typ, err := h.GetType("e")
	require.NoError(t, err)
	assert.Equal(t, VectorDouble, typ)

	assert.Equal(t, []string{"a", "e"}, h.Keys())
	assert.Equal(t, []string{"a.b.c", "a.d", "e"}, h.Paths())

	_, err = h.Get("a.missing")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestSetKeepsInsertionOrderAndAttributes(t *testing.T) {
	h := New("z", int32(1), "a", int32(2))
	require.NoError(t, h.SetAttr("z", "unit", "m"))

	h.Set("z", int32(5))

	assert.Equal(t, []string{"z", "a"}, h.Keys())
	unit, err := h.Attr("z", "unit")
	require.NoError(t, err)
	assert.Equal(t, "m", unit)
}

func TestTypeInference(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  Type
	}{
		{"small int", 4, Int32},
		{"big int", 1 << 40, Int64},
		{"bytes", []byte("bla"), VectorChar},
		{"byte array", Bytes("bla"), ByteArray},
		{"char", CharValue('c'), Char},
		{"nil", nil, None},
		{"hash", New(), HashType},
		{"rows", []*Hash{New()}, VectorHash},
		{"uint", uint(3), UInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			n := h.Set("k", tt.value)
			assert.Equal(t, tt.want, n.Type())
		})
	}
}

func TestSetPanicsOnUnsupportedType(t *testing.T) {
	assert.Panics(t, func() { New().Set("k", struct{}{}) })
}

func TestSetTypedVectorUInt8(t *testing.T) {
	h := New()
	_, err := h.SetTyped("k", []byte{1, 2}, VectorUInt8)
	require.NoError(t, err)
	typ, _ := h.GetType("k")
	assert.Equal(t, VectorUInt8, typ)

	_, err = h.SetTyped("k", "text", Int32)
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestVectorHashIndexing(t *testing.T) {
	h := New("rows", []*Hash{New("x", int32(1)), New("x", int32(2))})

	v, err := h.Get("rows[1].x")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)

	h.Set("rows[0].x", int32(10))
	v, _ = h.Get("rows[0].x")
	assert.Equal(t, int32(10), v)

	_, err = h.Get("rows[5].x")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestErase(t *testing.T) {
	h := New("a.b", int32(1), "a.c", int32(2))
	assert.True(t, h.Erase("a.b"))
	assert.False(t, h.Erase("a.b"))
	assert.Equal(t, []string{"a.c"}, h.Paths())
}

func TestMerge(t *testing.T) {
	t.Run("empty is identity", func(t *testing.T) {
		h := New("a.b", int32(1), "c", "x")
		require.NoError(t, h.SetAttr("c", "unit", "s"))
		before := h.Clone()
		h.Merge(New(), MergeAttributes)
		assert.True(t, cmp.Equal(before, h))
	})

	t.Run("recurses into hashes", func(t *testing.T) {
		h := New("a.b", int32(1), "a.c", int32(2))
		h.Merge(New("a.c", int32(3), "a.d", int32(4), "e", true), MergeAttributes)
		assert.Equal(t, []string{"a.b", "a.c", "a.d", "e"}, h.Paths())
		assert.Equal(t, int32(3), h.Value("a.c"))
	})

	t.Run("attribute policies", func(t *testing.T) {
		h := New("k", int32(1))
		require.NoError(t, h.SetAttr("k", "old", int32(1)))
		o := New("k", int32(2))
		require.NoError(t, o.SetAttr("k", "new", int32(2)))

		merged := h.Clone()
		merged.Merge(o, MergeAttributes)
		attrs, _ := merged.Attrs("k")
		assert.Equal(t, []string{"old", "new"}, attrs.Keys())

		replaced := h.Clone()
		replaced.Merge(o, ReplaceAttributes)
		attrs, _ = replaced.Attrs("k")
		assert.Equal(t, []string{"new"}, attrs.Keys())
	})
}

func TestCloneIsDeep(t *testing.T) {
	h := New("a.v", []int32{1, 2})
	c := h.Clone()
	c.Set("a.w", int32(1))
	v, _ := c.Get("a.v")
	v.([]int32)[0] = 99

	assert.False(t, h.Has("a.w"))
	assert.Equal(t, []int32{1, 2}, h.Value("a.v"))
}

func TestEqualVersusFullyEqual(t *testing.T) {
	a := New("x", int32(1), "y", int32(2))
	b := New("y", int32(2), "x", int32(1))

	assert.False(t, a.Equal(b))
	assert.True(t, a.FullyEqual(b))
}

func TestFlatten(t *testing.T) {
	h := New("a.b", int32(1), "a.c.d", "x", "e", New())
	flat := h.Flatten()
	assert.Equal(t, []string{"a.b", "a.c.d", "e"}, flat.Keys())
	assert.Equal(t, "x", flat.Nodes()[1].Value())
}

func TestGetAs(t *testing.T) {
	h := New("i", int32(7), "s", "text", "big", int64(1<<40))

	f, err := GetAs[float64](h, "i")
	require.NoError(t, err)
	assert.Equal(t, 7.0, f)

	_, err = GetAs[int32](h, "s")
	assert.ErrorIs(t, err, kerrors.ErrValidation)

	_, err = GetAs[int32](h, "big")
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestAttributesRejectNesting(t *testing.T) {
	a := NewAttributes()
	assert.Error(t, a.Set("h", New()))
	require.NoError(t, a.Set("n", int32(1)))
	a.Delete("n")
	assert.Equal(t, 0, a.Len())
}
