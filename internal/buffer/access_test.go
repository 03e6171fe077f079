package buffer

import (
	"encoding/binary"
	"math"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapkit/internal/core"
)

func TestEndianRoundTrip(t *testing.T) {
	b := newTestBuffer(t, 16)

	for _, v := range []uint16{0, 1, 0x1234, 0xff00, math.MaxUint16} {
		require.NoError(t, b.SetUint16(3, v))
		got, err := b.GetUint16RE(3)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes16(v), got)

		require.NoError(t, b.SetUint16RE(3, v))
		got, err = b.GetUint16(3)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes16(v), got)
	}

	for _, v := range []uint32{0, 1, 0x12345678, math.MaxUint32} {
		require.NoError(t, b.SetUint32(5, v))
		got, err := b.GetUint32RE(5)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes32(v), got)

		require.NoError(t, b.SetUint32RE(5, v))
		got, err = b.GetUint32(5)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes32(v), got)
	}

	for _, v := range []uint64{0, 1, 0x0102030405060708, math.MaxUint64} {
		require.NoError(t, b.SetUint64(8, v))
		got, err := b.GetUint64RE(8)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes64(v), got)

		require.NoError(t, b.SetUint64RE(8, v))
		got, err = b.GetUint64(8)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes64(v), got)
	}
}

func TestNetworkByteOrderLayout(t *testing.T) {
	b := newTestBuffer(t, 4)
	require.NoError(t, b.SetUint32(0, 0x0a000001))
	assert.Equal(t, []byte{0x0a, 0x00, 0x00, 0x01}, b.mem)

	le := WrapOrder(make([]byte, 4), binary.LittleEndian)
	require.NoError(t, le.SetUint16(0, 0x0102))
	require.NoError(t, le.SetUint16RE(2, 0x0102))
	assert.Equal(t, []byte{0x02, 0x01, 0x01, 0x02}, le.Bytes())
}

func TestFloatAndBoolAccessors(t *testing.T) {
	b := newTestBuffer(t, 32)

	require.NoError(t, b.SetFloat32(0, 3.5))
	f32, err := b.GetFloat32(0)
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f32)

	require.NoError(t, b.SetFloat64RE(4, -1.25))
	f64, err := b.GetFloat64RE(4)
	require.NoError(t, err)
	assert.Equal(t, -1.25, f64)
	raw, _ := b.GetUint64(4)
	assert.Equal(t, bits.ReverseBytes64(math.Float64bits(-1.25)), raw)

	require.NoError(t, b.SetBool(12, true))
	ok, err := b.GetBool(12)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.WriteFloat32RE(1.5))
	require.NoError(t, b.WriteFloat64(2.5))
	require.NoError(t, b.WriteBool(false))
	f32, _ = b.ReadFloat32RE()
	f64, _ = b.ReadFloat64()
	ok, _ = b.ReadBool()
	assert.Equal(t, float32(1.5), f32)
	assert.Equal(t, 2.5, f64)
	assert.False(t, ok)
}

func TestBoundsInvariant(t *testing.T) {
	b := filled(t, 8)
	before := append([]byte(nil), b.mem...)

	cases := []struct {
		name string
		fn   func() error
	}{
		{"get16 at end", func() error { _, err := b.GetUint16(7); return err }},
		{"get32 negative", func() error { _, err := b.GetUint32(-1); return err }},
		{"get64 past", func() error { _, err := b.GetUint64(1); return err }},
		{"get64RE past", func() error { _, err := b.GetUint64RE(4); return err }},
		{"set8 at capacity", func() error { return b.SetUint8(8, 1) }},
		{"set32 overlap", func() error { return b.SetUint32(6, 1) }},
		{"set16RE huge", func() error { return b.SetUint16RE(math.MaxInt, 1) }},
		{"getBytes past", func() error { return b.GetBytes(5, make([]byte, 4)) }},
		{"setBytes past", func() error { return b.SetBytes(6, []byte{1, 2, 3}) }},
		{"setZero overflow", func() error { return b.SetZero(math.MaxInt-1, 4) }},
		{"slice negative length", func() error { _, err := b.Slice(0, -1); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn()
			assert.ErrorIs(t, err, core.ErrBounds)
			var be *core.BoundsError
			assert.ErrorAs(t, err, &be)
		})
	}
	assert.Equal(t, before, b.mem, "failed accesses leave content unchanged")
	assert.Equal(t, 0, b.ReaderIndex())
	assert.Equal(t, 8, b.WriterIndex())
}

func TestCursorInvariant(t *testing.T) {
	b := newTestBuffer(t, 15)

	require.NoError(t, b.WriteUint8(1))
	assert.Equal(t, 1, b.WriterIndex())
	require.NoError(t, b.WriteUint16(2))
	assert.Equal(t, 3, b.WriterIndex())
	require.NoError(t, b.WriteUint32RE(3))
	assert.Equal(t, 7, b.WriterIndex())
	require.NoError(t, b.WriteUint64(4))
	assert.Equal(t, 15, b.WriterIndex())

	err := b.WriteUint8(5)
	assert.ErrorIs(t, err, core.ErrBounds)
	assert.Equal(t, 15, b.WriterIndex())

	v8, err := b.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v8)
	assert.Equal(t, 1, b.ReaderIndex())

	v16, err := b.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), v16)

	v32, err := b.ReadUint32RE()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v32)

	require.NoError(t, b.SetWriterIndex(10))
	_, err = b.ReadUint64()
	assert.ErrorIs(t, err, core.ErrBounds, "reads stop at the writer index")
	assert.Equal(t, 7, b.ReaderIndex())

	require.NoError(t, b.SetWriterIndex(15))
	v64, err := b.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v64)
	assert.Equal(t, b.WriterIndex(), b.ReaderIndex())
}

func TestRelativeRE(t *testing.T) {
	b := newTestBuffer(t, 14)
	require.NoError(t, b.WriteUint16RE(0x0102))
	require.NoError(t, b.WriteUint64RE(0x0102030405060708))
	require.NoError(t, b.WriteUint32(0x01020304))

	v16, _ := b.ReadUint16()
	assert.Equal(t, uint16(0x0201), v16)
	v64, _ := b.ReadUint64RE()
	assert.Equal(t, uint64(0x0102030405060708), v64)
	v32, _ := b.ReadUint32RE()
	assert.Equal(t, uint32(0x04030201), v32)
}

func TestBulkTransfer(t *testing.T) {
	src := filled(t, 8)
	dst := newTestBuffer(t, 8)

	require.NoError(t, src.GetBuffer(2, dst, 0, 4))
	got := make([]byte, 4)
	require.NoError(t, dst.GetBytes(0, got))
	assert.Equal(t, []byte{2, 3, 4, 5}, got)

	require.NoError(t, dst.SetBuffer(4, src, 0, 4))
	require.NoError(t, dst.GetBytes(4, got))
	assert.Equal(t, []byte{0, 1, 2, 3}, got)

	assert.ErrorIs(t, src.GetBuffer(6, dst, 0, 4), core.ErrBounds)
	assert.ErrorIs(t, src.GetBuffer(0, dst, 6, 4), core.ErrBounds)

	require.NoError(t, dst.SetZero(0, 8))
	require.NoError(t, dst.WriteBytes([]byte{9, 9}))
	require.NoError(t, src.SkipBytes(5))
	require.NoError(t, dst.WriteBuffer(src))
	assert.Equal(t, 8, src.ReaderIndex())
	assert.Equal(t, []byte{9, 9, 5, 6, 7}, dst.Bytes())

	out := make([]byte, 3)
	require.NoError(t, dst.SkipBytes(2))
	require.NoError(t, dst.ReadBytes(out))
	assert.Equal(t, []byte{5, 6, 7}, out)
	assert.ErrorIs(t, dst.ReadBytes(out), core.ErrBounds)

	small := newTestBuffer(t, 1)
	require.NoError(t, src.SetReaderIndex(0))
	assert.ErrorIs(t, small.WriteBuffer(src), core.ErrBounds)
	assert.Equal(t, 0, src.ReaderIndex())
}

func BenchmarkGetUint32(b *testing.B) {
	buf, _ := New(64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = buf.GetUint32(i & 31)
	}
}

func BenchmarkWriteReadUint16(b *testing.B) {
	buf, _ := New(2)
	for i := 0; i < b.N; i++ {
		buf.Clear()
		_ = buf.WriteUint16(uint16(i))
		_, _ = buf.ReadUint16()
	}
}
