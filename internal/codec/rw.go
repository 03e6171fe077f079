package codec

import (
	"firestige.xyz/pcapkit/internal/buffer"
)

// littleEndian reports whether multi-byte fields of b must be accessed
// through the byte-reversed accessors to stay in network order.
func littleEndian(b *buffer.Buffer) bool {
	return b.Order().Uint16([]byte{1, 0}) == 1
}

// fieldReader reads network order header fields at offsets relative to the
// reader index of a buffer. The first failure sticks; later reads return zero.
type fieldReader struct {
	b    *buffer.Buffer
	base int
	re   bool
	err  error
}

func newFieldReader(b *buffer.Buffer) *fieldReader {
	return &fieldReader{b: b, base: b.ReaderIndex(), re: littleEndian(b)}
}

func (r *fieldReader) u8(off int) uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.b.GetUint8(r.base + off)
	r.err = err
	return v
}

func (r *fieldReader) u16(off int) uint16 {
	if r.err != nil {
		return 0
	}
	var v uint16
	if r.re {
		v, r.err = r.b.GetUint16RE(r.base + off)
	} else {
		v, r.err = r.b.GetUint16(r.base + off)
	}
	return v
}

func (r *fieldReader) u32(off int) uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	if r.re {
		v, r.err = r.b.GetUint32RE(r.base + off)
	} else {
		v, r.err = r.b.GetUint32(r.base + off)
	}
	return v
}

func (r *fieldReader) bytes(off int, dst []byte) {
	if r.err != nil {
		return
	}
	r.err = r.b.GetBytes(r.base+off, dst)
}

// payload returns a view of length bytes starting at off.
func (r *fieldReader) payload(off, length int) *buffer.Buffer {
	if r.err != nil {
		return nil
	}
	v, err := r.b.Slice(r.base+off, length)
	r.err = err
	return v
}

// fieldWriter appends network order header fields at a buffer's writer index
// with a sticky error.
type fieldWriter struct {
	b   *buffer.Buffer
	err error
}

func (w *fieldWriter) u8(v uint8) {
	if w.err == nil {
		w.err = w.b.WriteUint8(v)
	}
}

func (w *fieldWriter) u16(v uint16) {
	switch {
	case w.err != nil:
	case littleEndian(w.b):
		w.err = w.b.WriteUint16RE(v)
	default:
		w.err = w.b.WriteUint16(v)
	}
}

func (w *fieldWriter) u32(v uint32) {
	switch {
	case w.err != nil:
	case littleEndian(w.b):
		w.err = w.b.WriteUint32RE(v)
	default:
		w.err = w.b.WriteUint32(v)
	}
}

func (w *fieldWriter) bytes(p []byte) {
	if w.err == nil {
		w.err = w.b.WriteBytes(p)
	}
}

// zeros writes n zero bytes.
func (w *fieldWriter) zeros(n int) {
	for i := 0; i < n && w.err == nil; i++ {
		w.err = w.b.WriteUint8(0)
	}
}
