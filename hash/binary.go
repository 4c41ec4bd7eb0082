package hash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// EncodeBinary serializes h in the little-endian Karabo binary format:
//
//	hash   := uint32 count, entry*
//	entry  := key, uint32 type, uint32 nattrs, (key, uint32 type, value)*, value
//	key    := uint8 len, ascii bytes
//	vector := uint32 len, element*
//
// Encoding the decoded form of any encoded Hash yields identical bytes.
func EncodeBinary(h *Hash) ([]byte, error) {
	var w binWriter
	if err := w.hash(h); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// DecodeBinary parses the Karabo binary format. Trailing bytes are an error.
func DecodeBinary(data []byte) (*Hash, error) {
	r := binReader{data: data}
	h, err := r.hash()
	if err != nil {
		return nil, err
	}
	if r.pos != len(data) {
		return nil, kerrors.Newf(kerrors.KindValidation, "binary hash: %d trailing bytes", len(data)-r.pos)
	}
	return h, nil
}

// DecodeBinaryPrefix parses one Hash from the start of data and returns the
// number of bytes consumed.
func DecodeBinaryPrefix(data []byte) (*Hash, int, error) {
	r := binReader{data: data}
	h, err := r.hash()
	if err != nil {
		return nil, 0, err
	}
	return h, r.pos, nil
}

type binWriter struct {
	buf bytes.Buffer
	tmp [8]byte
}

func (w *binWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w *binWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.tmp[:2], v)
	w.buf.Write(w.tmp[:2])
}

func (w *binWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.buf.Write(w.tmp[:4])
}

func (w *binWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:8], v)
	w.buf.Write(w.tmp[:8])
}

func (w *binWriter) key(k string) error {
	if len(k) > math.MaxUint8 {
		return kerrors.Newf(kerrors.KindValidation, "key %q longer than 255 bytes", k)
	}
	for i := 0; i < len(k); i++ {
		if k[i] > 0x7f {
			return kerrors.Newf(kerrors.KindValidation, "key %q is not ASCII", k)
		}
	}
	w.u8(uint8(len(k)))
	w.buf.WriteString(k)
	return nil
}

func (w *binWriter) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *binWriter) hash(h *Hash) error {
	w.u32(uint32(h.Len()))
	for _, n := range h.Nodes() {
		if err := w.key(n.key); err != nil {
			return err
		}
		w.u32(uint32(n.typ))
		w.u32(uint32(n.attrs.Len()))
		for _, a := range n.attrs.All() {
			if err := w.key(a.Name); err != nil {
				return err
			}
			w.u32(uint32(a.Type))
			if err := w.value(a.Value, a.Type); err != nil {
				return err
			}
		}
		if err := w.value(n.value, n.typ); err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
	}
	return nil
}

func writeVec[T any](w *binWriter, xs []T, f func(T)) {
	w.u32(uint32(len(xs)))
	for _, x := range xs {
		f(x)
	}
}

func (w *binWriter) f32(f float32) { w.u32(math.Float32bits(f)) }
func (w *binWriter) f64(f float64) { w.u64(math.Float64bits(f)) }

func (w *binWriter) value(v any, t Type) error {
	switch t {
	case Bool:
		if v.(bool) {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case VectorBool:
		writeVec(w, v.([]bool), func(b bool) {
			if b {
				w.u8(1)
			} else {
				w.u8(0)
			}
		})
	case Char:
		w.u8(byte(v.(CharValue)))
	case VectorChar, ByteArray:
		b, _ := asBytes(v)
		w.blob(b)
	case Int8:
		w.u8(uint8(v.(int8)))
	case VectorInt8:
		writeVec(w, v.([]int8), func(x int8) { w.u8(uint8(x)) })
	case UInt8:
		w.u8(v.(uint8))
	case VectorUInt8:
		w.blob(v.([]uint8))
	case Int16:
		w.u16(uint16(v.(int16)))
	case VectorInt16:
		writeVec(w, v.([]int16), func(x int16) { w.u16(uint16(x)) })
	case UInt16:
		w.u16(v.(uint16))
	case VectorUInt16:
		writeVec(w, v.([]uint16), w.u16)
	case Int32:
		w.u32(uint32(v.(int32)))
	case VectorInt32:
		writeVec(w, v.([]int32), func(x int32) { w.u32(uint32(x)) })
	case UInt32:
		w.u32(v.(uint32))
	case VectorUInt32:
		writeVec(w, v.([]uint32), w.u32)
	case Int64:
		w.u64(uint64(v.(int64)))
	case VectorInt64:
		writeVec(w, v.([]int64), func(x int64) { w.u64(uint64(x)) })
	case UInt64:
		w.u64(v.(uint64))
	case VectorUInt64:
		writeVec(w, v.([]uint64), w.u64)
	case Float:
		w.f32(v.(float32))
	case VectorFloat:
		writeVec(w, v.([]float32), w.f32)
	case Double:
		w.f64(v.(float64))
	case VectorDouble:
		writeVec(w, v.([]float64), w.f64)
	case ComplexFloat:
		c := v.(complex64)
		w.f32(real(c))
		w.f32(imag(c))
	case VectorComplexFloat:
		writeVec(w, v.([]complex64), func(c complex64) { w.f32(real(c)); w.f32(imag(c)) })
	case ComplexDouble:
		c := v.(complex128)
		w.f64(real(c))
		w.f64(imag(c))
	case VectorComplexDouble:
		writeVec(w, v.([]complex128), func(c complex128) { w.f64(real(c)); w.f64(imag(c)) })
	case String:
		w.blob([]byte(v.(string)))
	case VectorString:
		writeVec(w, v.([]string), func(s string) { w.blob([]byte(s)) })
	case HashType:
		return w.hash(v.(*Hash))
	case VectorHash:
		rows := v.([]*Hash)
		w.u32(uint32(len(rows)))
		for _, r := range rows {
			if err := w.hash(r); err != nil {
				return err
			}
		}
	case SchemaType:
		s := v.(*Schema)
		var inner binWriter
		if err := inner.hash(s.Hash); err != nil {
			return err
		}
		if len(s.Name) > math.MaxUint8 {
			return kerrors.Newf(kerrors.KindValidation, "schema name %q too long", s.Name)
		}
		w.u32(uint32(1 + len(s.Name) + inner.buf.Len()))
		w.u8(uint8(len(s.Name)))
		w.buf.WriteString(s.Name)
		w.buf.Write(inner.buf.Bytes())
	case None:
		w.u32(0)
	default:
		return kerrors.Newf(kerrors.KindValidation, "cannot encode type %s", t)
	}
	return nil
}

type binReader struct {
	data []byte
	pos  int
}

func (r *binReader) need(n int) error {
	if n < 0 || r.pos+n > len(r.data) {
		return kerrors.Newf(kerrors.KindValidation, "binary hash truncated at offset %d", r.pos)
	}
	return nil
}

func (r *binReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *binReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *binReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *binReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *binReader) bytesN(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *binReader) key() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	b, err := r.bytesN(int(n))
	return string(b), err
}

func (r *binReader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytesN(int(n))
}

func readVec[T any](r *binReader, elemSize int, f func() (T, error)) ([]T, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n) * elemSize); err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		if out[i], err = f(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *binReader) hash() (*Hash, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	h := New()
	for i := uint32(0); i < count; i++ {
		k, err := r.key()
		if err != nil {
			return nil, err
		}
		t, err := r.u32()
		if err != nil {
			return nil, err
		}
		nattrs, err := r.u32()
		if err != nil {
			return nil, err
		}
		attrs := NewAttributes()
		for j := uint32(0); j < nattrs; j++ {
			ak, err := r.key()
			if err != nil {
				return nil, err
			}
			at, err := r.u32()
			if err != nil {
				return nil, err
			}
			av, err := r.value(Type(at))
			if err != nil {
				return nil, err
			}
			attrs.keys = append(attrs.keys, ak)
			attrs.m[ak] = &Attr{Name: ak, Value: av, Type: Type(at)}
		}
		v, err := r.value(Type(t))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if _, dup := h.nodes[k]; !dup {
			h.keys = append(h.keys, k)
		}
		h.nodes[k] = &Node{key: k, value: v, typ: Type(t), attrs: attrs}
	}
	return h, nil
}

func (r *binReader) f32() (float32, error) {
	u, err := r.u32()
	return math.Float32frombits(u), err
}

func (r *binReader) f64() (float64, error) {
	u, err := r.u64()
	return math.Float64frombits(u), err
}

func (r *binReader) c64() (complex64, error) {
	re, err := r.f32()
	if err != nil {
		return 0, err
	}
	im, err := r.f32()
	return complex(re, im), err
}

func (r *binReader) c128() (complex128, error) {
	re, err := r.f64()
	if err != nil {
		return 0, err
	}
	im, err := r.f64()
	return complex(re, im), err
}

func (r *binReader) str() (string, error) {
	b, err := r.blob()
	return string(b), err
}

func (r *binReader) boolean() (bool, error) {
	b, err := r.u8()
	return b != 0, err
}

func (r *binReader) value(t Type) (any, error) {
	switch t {
	case Bool:
		return r.boolean()
	case VectorBool:
		return readVec(r, 1, r.boolean)
	case Char:
		b, err := r.u8()
		return CharValue(b), err
	case VectorChar:
		return r.blob()
	case ByteArray:
		b, err := r.blob()
		return Bytes(b), err
	case Int8:
		b, err := r.u8()
		return int8(b), err
	case VectorInt8:
		return readVec(r, 1, func() (int8, error) { b, err := r.u8(); return int8(b), err })
	case UInt8:
		return r.u8()
	case VectorUInt8:
		return r.blob()
	case Int16:
		v, err := r.u16()
		return int16(v), err
	case VectorInt16:
		return readVec(r, 2, func() (int16, error) { v, err := r.u16(); return int16(v), err })
	case UInt16:
		return r.u16()
	case VectorUInt16:
		return readVec(r, 2, r.u16)
	case Int32:
		v, err := r.u32()
		return int32(v), err
	case VectorInt32:
		return readVec(r, 4, func() (int32, error) { v, err := r.u32(); return int32(v), err })
	case UInt32:
		return r.u32()
	case VectorUInt32:
		return readVec(r, 4, r.u32)
	case Int64:
		v, err := r.u64()
		return int64(v), err
	case VectorInt64:
		return readVec(r, 8, func() (int64, error) { v, err := r.u64(); return int64(v), err })
	case UInt64:
		return r.u64()
	case VectorUInt64:
		return readVec(r, 8, r.u64)
	case Float:
		return r.f32()
	case VectorFloat:
		return readVec(r, 4, r.f32)
	case Double:
		return r.f64()
	case VectorDouble:
		return readVec(r, 8, r.f64)
	case ComplexFloat:
		return r.c64()
	case VectorComplexFloat:
		return readVec(r, 8, r.c64)
	case ComplexDouble:
		return r.c128()
	case VectorComplexDouble:
		return readVec(r, 16, r.c128)
	case String:
		return r.str()
	case VectorString:
		return readVec(r, 4, r.str)
	case HashType:
		return r.hash()
	case VectorHash:
		return readVec(r, 4, r.hash)
	case SchemaType:
		total, err := r.u32()
		if err != nil {
			return nil, err
		}
		start := r.pos
		name, err := r.key()
		if err != nil {
			return nil, err
		}
		h, err := r.hash()
		if err != nil {
			return nil, err
		}
		if r.pos-start != int(total) {
			return nil, kerrors.Newf(kerrors.KindValidation, "schema length mismatch: header %d, read %d", total, r.pos-start)
		}
		return &Schema{Name: name, Hash: h}, nil
	case None:
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		return NoneV, nil
	}
	return nil, kerrors.Newf(kerrors.KindValidation, "unknown type number %d", uint32(t))
}
