package buffer

import (
	"math"
)

// at returns the absolute window [index, index+width).
func (b *Buffer) at(op string, index, width int) ([]byte, error) {
	if err := b.check(op, index, width); err != nil {
		return nil, err
	}
	return b.mem[index : index+width], nil
}

// next returns the window at readerIndex and advances past it.
func (b *Buffer) next(op string, width int) ([]byte, error) {
	if err := b.checkReadable(op, width); err != nil {
		return nil, err
	}
	p := b.mem[b.readerIndex : b.readerIndex+width]
	b.readerIndex += width
	return p, nil
}

// put returns the window at writerIndex and advances past it.
func (b *Buffer) put(op string, width int) ([]byte, error) {
	if err := b.checkWritable(op, width); err != nil {
		return nil, err
	}
	p := b.mem[b.writerIndex : b.writerIndex+width]
	b.writerIndex += width
	return p, nil
}

// ─── Absolute getters ───

func (b *Buffer) GetUint8(index int) (uint8, error) {
	p, err := b.at("getUint8", index, 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) GetBool(index int) (bool, error) {
	v, err := b.GetUint8(index)
	return v != 0, err
}

func (b *Buffer) GetUint16(index int) (uint16, error) {
	p, err := b.at("getUint16", index, 2)
	if err != nil {
		return 0, err
	}
	return b.order.Uint16(p), nil
}

func (b *Buffer) GetUint16RE(index int) (uint16, error) {
	p, err := b.at("getUint16RE", index, 2)
	if err != nil {
		return 0, err
	}
	return b.reverse.Uint16(p), nil
}

func (b *Buffer) GetUint32(index int) (uint32, error) {
	p, err := b.at("getUint32", index, 4)
	if err != nil {
		return 0, err
	}
	return b.order.Uint32(p), nil
}

func (b *Buffer) GetUint32RE(index int) (uint32, error) {
	p, err := b.at("getUint32RE", index, 4)
	if err != nil {
		return 0, err
	}
	return b.reverse.Uint32(p), nil
}

func (b *Buffer) GetUint64(index int) (uint64, error) {
	p, err := b.at("getUint64", index, 8)
	if err != nil {
		return 0, err
	}
	return b.order.Uint64(p), nil
}

func (b *Buffer) GetUint64RE(index int) (uint64, error) {
	p, err := b.at("getUint64RE", index, 8)
	if err != nil {
		return 0, err
	}
	return b.reverse.Uint64(p), nil
}

func (b *Buffer) GetFloat32(index int) (float32, error) {
	v, err := b.GetUint32(index)
	return math.Float32frombits(v), err
}

func (b *Buffer) GetFloat32RE(index int) (float32, error) {
	v, err := b.GetUint32RE(index)
	return math.Float32frombits(v), err
}

func (b *Buffer) GetFloat64(index int) (float64, error) {
	v, err := b.GetUint64(index)
	return math.Float64frombits(v), err
}

func (b *Buffer) GetFloat64RE(index int) (float64, error) {
	v, err := b.GetUint64RE(index)
	return math.Float64frombits(v), err
}

// ─── Absolute setters ───

func (b *Buffer) SetUint8(index int, v uint8) error {
	p, err := b.at("setUint8", index, 1)
	if err != nil {
		return err
	}
	p[0] = v
	return nil
}

func (b *Buffer) SetBool(index int, v bool) error {
	if v {
		return b.SetUint8(index, 1)
	}
	return b.SetUint8(index, 0)
}

func (b *Buffer) SetUint16(index int, v uint16) error {
	p, err := b.at("setUint16", index, 2)
	if err != nil {
		return err
	}
	b.order.PutUint16(p, v)
	return nil
}

func (b *Buffer) SetUint16RE(index int, v uint16) error {
	p, err := b.at("setUint16RE", index, 2)
	if err != nil {
		return err
	}
	b.reverse.PutUint16(p, v)
	return nil
}

func (b *Buffer) SetUint32(index int, v uint32) error {
	p, err := b.at("setUint32", index, 4)
	if err != nil {
		return err
	}
	b.order.PutUint32(p, v)
	return nil
}

func (b *Buffer) SetUint32RE(index int, v uint32) error {
	p, err := b.at("setUint32RE", index, 4)
	if err != nil {
		return err
	}
	b.reverse.PutUint32(p, v)
	return nil
}

func (b *Buffer) SetUint64(index int, v uint64) error {
	p, err := b.at("setUint64", index, 8)
	if err != nil {
		return err
	}
	b.order.PutUint64(p, v)
	return nil
}

func (b *Buffer) SetUint64RE(index int, v uint64) error {
	p, err := b.at("setUint64RE", index, 8)
	if err != nil {
		return err
	}
	b.reverse.PutUint64(p, v)
	return nil
}

func (b *Buffer) SetFloat32(index int, v float32) error {
	return b.SetUint32(index, math.Float32bits(v))
}

func (b *Buffer) SetFloat32RE(index int, v float32) error {
	return b.SetUint32RE(index, math.Float32bits(v))
}

func (b *Buffer) SetFloat64(index int, v float64) error {
	return b.SetUint64(index, math.Float64bits(v))
}

func (b *Buffer) SetFloat64RE(index int, v float64) error {
	return b.SetUint64RE(index, math.Float64bits(v))
}

// ─── Relative readers ───

func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.next("readUint8", 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.next("readUint16", 2)
	if err != nil {
		return 0, err
	}
	return b.order.Uint16(p), nil
}

func (b *Buffer) ReadUint16RE() (uint16, error) {
	p, err := b.next("readUint16RE", 2)
	if err != nil {
		return 0, err
	}
	return b.reverse.Uint16(p), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.next("readUint32", 4)
	if err != nil {
		return 0, err
	}
	return b.order.Uint32(p), nil
}

func (b *Buffer) ReadUint32RE() (uint32, error) {
	p, err := b.next("readUint32RE", 4)
	if err != nil {
		return 0, err
	}
	return b.reverse.Uint32(p), nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.next("readUint64", 8)
	if err != nil {
		return 0, err
	}
	return b.order.Uint64(p), nil
}

func (b *Buffer) ReadUint64RE() (uint64, error) {
	p, err := b.next("readUint64RE", 8)
	if err != nil {
		return 0, err
	}
	return b.reverse.Uint64(p), nil
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat32RE() (float32, error) {
	v, err := b.ReadUint32RE()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

func (b *Buffer) ReadFloat64RE() (float64, error) {
	v, err := b.ReadUint64RE()
	return math.Float64frombits(v), err
}

// ─── Relative writers ───

func (b *Buffer) WriteUint8(v uint8) error {
	p, err := b.put("writeUint8", 1)
	if err != nil {
		return err
	}
	p[0] = v
	return nil
}

func (b *Buffer) WriteBool(v bool) error {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

func (b *Buffer) WriteUint16(v uint16) error {
	p, err := b.put("writeUint16", 2)
	if err != nil {
		return err
	}
	b.order.PutUint16(p, v)
	return nil
}

func (b *Buffer) WriteUint16RE(v uint16) error {
	p, err := b.put("writeUint16RE", 2)
	if err != nil {
		return err
	}
	b.reverse.PutUint16(p, v)
	return nil
}

func (b *Buffer) WriteUint32(v uint32) error {
	p, err := b.put("writeUint32", 4)
	if err != nil {
		return err
	}
	b.order.PutUint32(p, v)
	return nil
}

func (b *Buffer) WriteUint32RE(v uint32) error {
	p, err := b.put("writeUint32RE", 4)
	if err != nil {
		return err
	}
	b.reverse.PutUint32(p, v)
	return nil
}

func (b *Buffer) WriteUint64(v uint64) error {
	p, err := b.put("writeUint64", 8)
	if err != nil {
		return err
	}
	b.order.PutUint64(p, v)
	return nil
}

func (b *Buffer) WriteUint64RE(v uint64) error {
	p, err := b.put("writeUint64RE", 8)
	if err != nil {
		return err
	}
	b.reverse.PutUint64(p, v)
	return nil
}

func (b *Buffer) WriteFloat32(v float32) error   { return b.WriteUint32(math.Float32bits(v)) }
func (b *Buffer) WriteFloat32RE(v float32) error { return b.WriteUint32RE(math.Float32bits(v)) }
func (b *Buffer) WriteFloat64(v float64) error   { return b.WriteUint64(math.Float64bits(v)) }
func (b *Buffer) WriteFloat64RE(v float64) error { return b.WriteUint64RE(math.Float64bits(v)) }

// ─── Bulk transfer ───

// GetBytes copies len(dst) bytes starting at index into dst.
func (b *Buffer) GetBytes(index int, dst []byte) error {
	p, err := b.at("getBytes", index, len(dst))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// SetBytes copies src into the buffer at index.
func (b *Buffer) SetBytes(index int, src []byte) error {
	p, err := b.at("setBytes", index, len(src))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// GetBuffer copies length bytes at index into dst at dstIndex. Neither
// buffer's cursors move.
func (b *Buffer) GetBuffer(index int, dst *Buffer, dstIndex, length int) error {
	p, err := b.at("getBuffer", index, length)
	if err != nil {
		return err
	}
	q, err := dst.at("getBuffer", dstIndex, length)
	if err != nil {
		return err
	}
	copy(q, p)
	return nil
}

// SetBuffer copies length bytes of src at srcIndex into this buffer at index.
func (b *Buffer) SetBuffer(index int, src *Buffer, srcIndex, length int) error {
	return src.GetBuffer(srcIndex, b, index, length)
}

// SetZero fills [index, index+length) with zeros.
func (b *Buffer) SetZero(index, length int) error {
	p, err := b.at("setZero", index, length)
	if err != nil {
		return err
	}
	clear(p)
	return nil
}

// ReadBytes fills dst from the reader index.
func (b *Buffer) ReadBytes(dst []byte) error {
	p, err := b.next("readBytes", len(dst))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// ReadSlice returns a view of the next length readable bytes and advances the
// reader index past them.
func (b *Buffer) ReadSlice(length int) (*Buffer, error) {
	if err := b.checkReadable("readSlice", length); err != nil {
		return nil, err
	}
	v, err := b.Slice(b.readerIndex, length)
	if err != nil {
		return nil, err
	}
	b.readerIndex += length
	return v, nil
}

// WriteBytes appends src at the writer index.
func (b *Buffer) WriteBytes(src []byte) error {
	p, err := b.put("writeBytes", len(src))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// WriteBuffer appends the readable bytes of src and advances src's reader index.
func (b *Buffer) WriteBuffer(src *Buffer) error {
	if err := src.checkLive(); err != nil {
		return err
	}
	n := src.ReadableBytes()
	if err := b.checkWritable("writeBuffer", n); err != nil {
		return err
	}
	if err := src.GetBuffer(src.readerIndex, b, b.writerIndex, n); err != nil {
		return err
	}
	b.writerIndex += n
	src.readerIndex += n
	return nil
}
