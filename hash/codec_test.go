package hash

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

func sampleHash(t *testing.T) *Hash {
	t.Helper()
	h := New(
		"bool", true,
		"int", int32(4),
		"string", "bla",
		"chars", []byte("bla"),
		"hash.a", int32(3),
		"hash.b", 7.1,
	)
	require.NoError(t, h.SetAttr("bool", "bool", false))
	require.NoError(t, h.SetAttr("int", "float", 7.3))
	require.NoError(t, h.SetAttr("hash", "int", int32(3)))
	return h
}

func everyTypeHash(t *testing.T) *Hash {
	t.Helper()
	h := New(
		"b", true,
		"vb", []bool{true, false},
		"c", CharValue('x'),
		"vc", []byte{0, 1, 255},
		"i8", int8(-8),
		"vi8", []int8{-1, 1},
		"u8", uint8(200),
		"i16", int16(-1600),
		"vi16", []int16{1, -2},
		"u16", uint16(60000),
		"vu16", []uint16{1, 2},
		"i32", int32(-320000),
		"vi32", []int32{},
		"u32", uint32(4000000000),
		"vu32", []uint32{7},
		"i64", int64(math.MinInt64),
		"vi64", []int64{1, math.MaxInt64},
		"u64", uint64(math.MaxUint64),
		"vu64", []uint64{0, 1 << 63},
		"f", float32(1.5),
		"vf", []float32{0.1, -2},
		"d", 0.1,
		"vd", []float64{math.Inf(1), -0.5},
		"cf", complex64(complex(1, -2)),
		"vcf", []complex64{1 + 2i, 3},
		"cd", complex(0.25, 4),
		"vcd", []complex128{1i},
		"s", "a <b> & \"c\"\nd",
		"vs", []string{"x", "y"},
		"h.inner", int32(1),
		"vh", []*Hash{New("r", int32(1)), New()},
		"none", nil,
		"ba", Bytes("raw"),
		"schema", &Schema{Name: "Motor", Hash: New("speed", 1.5)},
	)
	_, err := h.SetTyped("vu8", []byte{9, 8}, VectorUInt8)
	require.NoError(t, err)
	require.NoError(t, h.SetAttr("d", "unit", "m"))
	require.NoError(t, h.SetAttr("d", "tid", uint64(12)))
	return h
}

func TestXMLRoundTrip(t *testing.T) {
	h := sampleHash(t)
	data, err := EncodeXML(h)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(data), `<root KRB_Artificial="">`))
	assert.Contains(t, string(data), `<int KRB_Type="INT32" float="KRB_DOUBLE:7.3">4</int>`)

	back, err := DecodeXML(data)
	require.NoError(t, err)
	assert.True(t, cmp.Equal(h, back), "diff: %s", cmp.Diff(h.String(), back.String()))
}

func TestXMLEveryType(t *testing.T) {
	h := everyTypeHash(t)
	data, err := EncodeXML(h)
	require.NoError(t, err)
	back, err := DecodeXML(data)
	require.NoError(t, err)
	assert.True(t, h.Equal(back), "diff: %s", cmp.Diff(h.String(), back.String()))
}

func TestXMLVectorStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    []string
	}{
		{"empty", []string{}},
		{"one empty element", []string{""}},
		{"empty elements", []string{"", "", ""}},
		{"comma inside", []string{"a,b"}},
		{"padding kept", []string{" padded ", "\tx"}},
		{"backslashes", []string{`C:\dir\`, `\e`, `\,`}},
		{"newline", []string{"x\ny", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New("vs", tt.v)
			require.NoError(t, h.SetAttr("vs", "labels", tt.v))
			data, err := EncodeXML(h)
			require.NoError(t, err)
			back, err := DecodeXML(data)
			require.NoError(t, err)
			assert.Equal(t, tt.v, back.Value("vs"))
			attr, err := back.Attr("vs", "labels")
			require.NoError(t, err)
			assert.Equal(t, tt.v, attr)
			assert.True(t, h.Equal(back))
		})
	}
}

func TestXMLSchemaEncodeError(t *testing.T) {
	bad := &Schema{Name: "Broken", Hash: New("a<b", int32(1))}

	_, err := EncodeXML(New("schema", bad))
	assert.ErrorIs(t, err, kerrors.ErrValidation)

	h := New("x", int32(1))
	require.NoError(t, h.SetAttr("x", "schema", bad))
	_, err = EncodeXML(h)
	assert.ErrorIs(t, err, kerrors.ErrValidation)

	_, err = Convert(bad, SchemaType, String)
	assert.Error(t, err)
}

func TestXMLSingleHashRoot(t *testing.T) {
	h := New("Motor.speed", 1.5, "Motor.name", "m1")
	data, err := EncodeXML(h)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `<Motor KRB_Type="HASH">`))

	back, err := DecodeXML(data)
	require.NoError(t, err)
	assert.True(t, h.Equal(back))
}

func TestXMLDecodeDefaults(t *testing.T) {
	doc := `<?xml version="1.0"?><root KRB_Artificial=""><name>plain</name><c KRB_Type="CHAR">z</c><n KRB_Type="INT32" unit="meter">3</n></root>`
	h, err := DecodeXML([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "plain", h.Value("name"))
	assert.Equal(t, CharValue('z'), h.Value("c"))
	unit, err := h.Attr("n", "unit")
	require.NoError(t, err)
	assert.Equal(t, "meter", unit)
}

func TestXMLDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"unknown type", `<root KRB_Artificial=""><a KRB_Type="FOO">1</a></root>`},
		{"bad int", `<root KRB_Artificial=""><a KRB_Type="INT32">x</a></root>`},
		{"truncated", `<root KRB_Artificial=""><a KRB_Type="INT32">1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeXML([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestBinaryByteExact(t *testing.T) {
	h := New("a", int32(1))
	data, err := EncodeBinary(h)
	require.NoError(t, err)
	want := []byte{
		1, 0, 0, 0, // count
		1, 'a', // key
		12, 0, 0, 0, // INT32
		0, 0, 0, 0, // attrs
		1, 0, 0, 0, // value
	}
	assert.Equal(t, want, data)
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, h := range []*Hash{sampleHash(t), everyTypeHash(t), New()} {
		data, err := EncodeBinary(h)
		require.NoError(t, err)
		back, err := DecodeBinary(data)
		require.NoError(t, err)
		assert.True(t, h.Equal(back), "diff: %s", cmp.Diff(h.String(), back.String()))

		again, err := EncodeBinary(back)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	}
}

func TestBinaryDecodedVectorsAreNonNil(t *testing.T) {
	data, err := EncodeBinary(New("v", []int32{}, "s", []string{}))
	require.NoError(t, err)
	back, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.NotNil(t, back.Value("v"))
	assert.NotNil(t, back.Value("s"))
}

func TestBinaryErrors(t *testing.T) {
	t.Run("long key", func(t *testing.T) {
		_, err := EncodeBinary(New(strings.Repeat("k", 256), int32(1)))
		assert.Error(t, err)
	})
	t.Run("non ascii key", func(t *testing.T) {
		_, err := EncodeBinary(New("kéy", int32(1)))
		assert.Error(t, err)
	})
	t.Run("truncated", func(t *testing.T) {
		data, err := EncodeBinary(sampleHash(t))
		require.NoError(t, err)
		_, err = DecodeBinary(data[:len(data)-1])
		assert.Error(t, err)
	})
	t.Run("trailing", func(t *testing.T) {
		data, err := EncodeBinary(sampleHash(t))
		require.NoError(t, err)
		_, err = DecodeBinary(append(data, 0))
		assert.Error(t, err)
	})
}

func TestUInt64RoundTripsExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		v := rng.Uint64() | 1<<63
		h := New("v", v)

		bin, err := EncodeBinary(h)
		require.NoError(t, err)
		fromBin, err := DecodeBinary(bin)
		require.NoError(t, err)
		assert.Equal(t, v, fromBin.Value("v"))

		xml, err := EncodeXML(h)
		require.NoError(t, err)
		fromXML, err := DecodeXML(xml)
		require.NoError(t, err)
		assert.Equal(t, v, fromXML.Value("v"))
	}
}

func TestCast(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		from    Type
		to      Type
		want    any
		wantErr bool
	}{
		{"int widen", int8(5), Int8, Int64, int64(5), false},
		{"int narrow fits", int64(100), Int64, Int8, int8(100), false},
		{"int narrow overflow", int64(300), Int64, Int8, nil, true},
		{"negative to unsigned", int32(-1), Int32, UInt32, nil, true},
		{"int to double", int32(3), Int32, Double, 3.0, false},
		{"float to double", float32(1.5), Float, Double, 1.5, false},
		{"double to float lossy", 0.1, Double, Float, nil, true},
		{"real to complex", 2.0, Double, ComplexDouble, complex(2, 0), false},
		{"string to int", "5", String, Int32, nil, true},
		{"vector", []int32{1, 2}, VectorInt32, VectorDouble, []float64{1, 2}, false},
		{"bytes", []byte("ab"), VectorChar, ByteArray, Bytes("ab"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cast(tt.value, tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertFromString(t *testing.T) {
	v, err := Convert("42", String, Int32)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)

	v, err = Convert([]int32{1, 2}, VectorInt32, String)
	require.NoError(t, err)
	assert.Equal(t, "1,2", v)
}
