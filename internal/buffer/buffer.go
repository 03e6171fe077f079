// Package buffer implements bounds-checked, cursor-tracked byte buffers with
// endian-aware accessors, zero-copy views and pooled reference-counted storage.
//
// A Buffer is not safe for concurrent mutation. Pool is safe for concurrent use.
package buffer

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/pcapkit/internal/core"
)

// Kind is the storage variant of a Buffer.
type Kind uint8

const (
	// Heap buffers own garbage-collected memory.
	Heap Kind = iota
	// Direct buffers wrap caller-provided memory they do not own.
	Direct
	// Pooled buffers borrow reference-counted memory from a Pool.
	Pooled
	// Sliced buffers are views sharing the storage of a parent buffer.
	Sliced
)

func (k Kind) String() string {
	switch k {
	case Heap:
		return "heap"
	case Direct:
		return "direct"
	case Pooled:
		return "pooled"
	case Sliced:
		return "sliced"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DefaultMaxCapacity is the growth ceiling used when none is given.
const DefaultMaxCapacity = 1<<31 - 1

// Buffer is a contiguous byte region with independent reader and writer
// cursors. Accessors never grow the buffer and never panic: out of range
// access returns a *core.BoundsError and leaves the buffer unchanged.
type Buffer struct {
	kind    Kind
	storage Kind // kind of the root buffer, differs from kind only for views

	// mem is the addressable region; len(mem) == capacity and cap(mem) bounds
	// in-place growth for direct and pooled storage.
	mem         []byte
	maxCapacity int

	readerIndex       int
	writerIndex       int
	markedReaderIndex int
	markedWriterIndex int

	order   binary.ByteOrder
	reverse binary.ByteOrder

	parent *Buffer
	offset int // origin of a view inside parent

	h *handle // non-nil for pooled storage, shared by every view
}

func newBuffer(kind Kind, mem []byte, maxCapacity int, order binary.ByteOrder) *Buffer {
	b := &Buffer{
		kind:        kind,
		storage:     kind,
		mem:         mem,
		maxCapacity: maxCapacity,
	}
	b.setOrder(order)
	return b
}

func (b *Buffer) setOrder(order binary.ByteOrder) {
	if order == nil {
		order = binary.BigEndian
	}
	b.order = order
	if order.Uint16([]byte{1, 0}) == 1 {
		b.reverse = binary.BigEndian
	} else {
		b.reverse = binary.LittleEndian
	}
}

// New allocates a big-endian heap buffer of the given capacity.
func New(capacity int) (*Buffer, error) {
	return NewWithMax(capacity, DefaultMaxCapacity)
}

// NewWithMax allocates a big-endian heap buffer that may grow to maxCapacity.
func NewWithMax(capacity, maxCapacity int) (*Buffer, error) {
	return HeapAllocator{}.Allocate(capacity, maxCapacity)
}

// Wrap returns a Direct buffer over p. The buffer does not own p; its
// readable region is the whole slice.
func Wrap(p []byte) *Buffer {
	b := newBuffer(Direct, p[:len(p):len(p)], len(p), binary.BigEndian)
	b.writerIndex = len(p)
	return b
}

// WrapOrder is Wrap with an explicit byte order.
func WrapOrder(p []byte, order binary.ByteOrder) *Buffer {
	b := Wrap(p)
	b.setOrder(order)
	return b
}

// Kind returns Sliced for views and the storage kind otherwise.
func (b *Buffer) Kind() Kind { return b.kind }

// Storage returns the kind of the memory behind this buffer, looking through views.
func (b *Buffer) Storage() Kind { return b.storage }

func (b *Buffer) Order() binary.ByteOrder { return b.order }
func (b *Buffer) Capacity() int           { return len(b.mem) }
func (b *Buffer) MaxCapacity() int        { return b.maxCapacity }

func (b *Buffer) ReaderIndex() int { return b.readerIndex }
func (b *Buffer) WriterIndex() int { return b.writerIndex }

// ReadableBytes is writerIndex - readerIndex.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes is capacity - writerIndex.
func (b *Buffer) WritableBytes() int { return len(b.mem) - b.writerIndex }

func (b *Buffer) IsReadable(n int) bool { return n >= 0 && b.ReadableBytes() >= n }
func (b *Buffer) IsWritable(n int) bool { return n >= 0 && b.WritableBytes() >= n }

// SetReaderIndex fails if n < 0 or n > writerIndex.
func (b *Buffer) SetReaderIndex(n int) error {
	if n < 0 || n > b.writerIndex {
		return &core.BoundsError{Op: "readerIndex", Index: n, Capacity: b.writerIndex}
	}
	b.readerIndex = n
	return nil
}

// SetWriterIndex fails if n < readerIndex or n > capacity.
func (b *Buffer) SetWriterIndex(n int) error {
	if n < b.readerIndex || n > len(b.mem) {
		return &core.BoundsError{Op: "writerIndex", Index: n, Capacity: len(b.mem)}
	}
	b.writerIndex = n
	return nil
}

// SetIndex sets both cursors at once, so the order of updates cannot matter.
func (b *Buffer) SetIndex(readerIndex, writerIndex int) error {
	if readerIndex < 0 || readerIndex > writerIndex || writerIndex > len(b.mem) {
		return &core.BoundsError{Op: "setIndex", Index: readerIndex, Length: writerIndex - readerIndex, Capacity: len(b.mem)}
	}
	b.readerIndex, b.writerIndex = readerIndex, writerIndex
	return nil
}

// Clear resets both cursors to zero without touching content.
func (b *Buffer) Clear() {
	b.readerIndex, b.writerIndex = 0, 0
}

func (b *Buffer) MarkReaderIndex() { b.markedReaderIndex = b.readerIndex }
func (b *Buffer) MarkWriterIndex() { b.markedWriterIndex = b.writerIndex }

// ResetReaderIndex restores the marked reader index.
func (b *Buffer) ResetReaderIndex() error { return b.SetReaderIndex(b.markedReaderIndex) }

// ResetWriterIndex restores the marked writer index.
func (b *Buffer) ResetWriterIndex() error { return b.SetWriterIndex(b.markedWriterIndex) }

// SkipBytes advances the reader index by n.
func (b *Buffer) SkipBytes(n int) error {
	if err := b.checkReadable("skipBytes", n); err != nil {
		return err
	}
	b.readerIndex += n
	return nil
}

// EnsureWritable fails if fewer than n bytes are writable. It never grows the buffer.
func (b *Buffer) EnsureWritable(n int) error {
	if n < 0 {
		return core.Argumentf("ensureWritable: negative length %d", n)
	}
	if n > b.WritableBytes() {
		return &core.BoundsError{Op: "ensureWritable", Index: b.writerIndex, Length: n, Capacity: len(b.mem)}
	}
	return nil
}

// SetCapacity resizes the buffer within [1, maxCapacity]. Shrinking clamps the
// cursors. Views cannot be resized. Growing a heap buffer reallocates, which
// detaches it from views taken earlier.
func (b *Buffer) SetCapacity(n int) error {
	if err := b.checkLive(); err != nil {
		return err
	}
	if b.kind == Sliced {
		return core.Argumentf("setCapacity: cannot resize a %s buffer", b.kind)
	}
	if n <= 0 || n > b.maxCapacity {
		return core.Argumentf("setCapacity: %d not in (0, %d]", n, b.maxCapacity)
	}
	switch {
	case n <= cap(b.mem):
		b.mem = b.mem[:n]
	case b.kind == Heap:
		mem := make([]byte, n)
		copy(mem, b.mem)
		b.mem = mem
	default:
		return core.Argumentf("setCapacity: %s storage limited to %d bytes", b.kind, cap(b.mem))
	}
	if b.writerIndex > n {
		b.writerIndex = n
	}
	if b.readerIndex > b.writerIndex {
		b.readerIndex = b.writerIndex
	}
	return nil
}

// Bytes returns the readable region without copying, or nil once the buffer
// has been released.
func (b *Buffer) Bytes() []byte {
	if b.checkLive() != nil {
		return nil
	}
	return b.mem[b.readerIndex:b.writerIndex]
}

// ReadableView is Bytes that reports use after release as ErrLifecycle.
func (b *Buffer) ReadableView() ([]byte, error) {
	if err := b.checkLive(); err != nil {
		return nil, err
	}
	return b.mem[b.readerIndex:b.writerIndex], nil
}

// Slice returns a view of [index, index+length) sharing this buffer's storage.
// The view's cursors are this buffer's cursors rebased to index and clamped to
// [0, length]; they move independently afterwards.
func (b *Buffer) Slice(index, length int) (*Buffer, error) {
	if err := b.check("slice", index, length); err != nil {
		return nil, err
	}
	v := &Buffer{
		kind:        Sliced,
		storage:     b.storage,
		mem:         b.mem[index : index+length : index+length],
		maxCapacity: length,
		order:       b.order,
		reverse:     b.reverse,
		parent:      b,
		offset:      index,
		h:           b.h,
	}
	v.readerIndex = clamp(b.readerIndex-index, 0, length)
	v.writerIndex = clamp(b.writerIndex-index, 0, length)
	return v, nil
}

// SliceReadable is Slice(readerIndex, ReadableBytes()).
func (b *Buffer) SliceReadable() (*Buffer, error) {
	return b.Slice(b.readerIndex, b.ReadableBytes())
}

// Duplicate returns a view of the whole buffer with a copy of the current cursors and marks.
func (b *Buffer) Duplicate() (*Buffer, error) {
	if err := b.checkLive(); err != nil {
		return nil, err
	}
	v := *b
	v.kind = Sliced
	v.maxCapacity = len(b.mem)
	v.mem = b.mem[:len(b.mem):len(b.mem)]
	v.parent = b
	v.offset = 0
	return &v, nil
}

// Unslice returns the buffer a view was taken from.
func (b *Buffer) Unslice() (*Buffer, error) {
	if b.parent == nil {
		return nil, core.Argumentf("unslice: %s buffer is not a view", b.kind)
	}
	return b.parent, nil
}

// Offset returns the origin of a view inside its parent.
func (b *Buffer) Offset() int { return b.offset }

// Copy deep-copies [index, index+length) into a new heap buffer whose reader
// index is 0 and writer index is length.
func (b *Buffer) Copy(index, length int) (*Buffer, error) {
	if err := b.check("copy", index, length); err != nil {
		return nil, err
	}
	mem := make([]byte, length)
	copy(mem, b.mem[index:index+length])
	c := newBuffer(Heap, mem, length, b.order)
	c.writerIndex = length
	return c, nil
}

// CopyReadable is Copy(readerIndex, ReadableBytes()).
func (b *Buffer) CopyReadable() (*Buffer, error) {
	return b.Copy(b.readerIndex, b.ReadableBytes())
}

// RefCnt returns the shared reference count of pooled storage, or 1 for
// garbage-collected storage.
func (b *Buffer) RefCnt() int {
	if b.h == nil {
		return 1
	}
	return b.h.refCnt()
}

// Retain increments the reference count of pooled storage.
func (b *Buffer) Retain() error {
	if b.h == nil {
		return nil
	}
	return b.h.retain()
}

// Release decrements the reference count of pooled storage and reports whether
// the storage went back to its pool. Releasing an already released buffer is
// a lifecycle error. Heap and direct buffers return false, nil.
func (b *Buffer) Release() (bool, error) {
	if b.h == nil {
		return false, nil
	}
	return b.h.release()
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, ridx: %d, widx: %d, cap: %d/%d)",
		b.kind, b.readerIndex, b.writerIndex, len(b.mem), b.maxCapacity)
}

func (b *Buffer) checkLive() error {
	if b.h == nil {
		return nil
	}
	return b.h.checkLive()
}

// check applies the sign-bit bounds test to an absolute access.
func (b *Buffer) check(op string, index, length int) error {
	if err := b.checkLive(); err != nil {
		return err
	}
	capacity := len(b.mem)
	if index|length|(index+length)|(capacity-(index+length)) < 0 {
		return &core.BoundsError{Op: op, Index: index, Length: length, Capacity: capacity}
	}
	return nil
}

func (b *Buffer) checkReadable(op string, n int) error {
	if err := b.checkLive(); err != nil {
		return err
	}
	if n < 0 || n > b.writerIndex-b.readerIndex {
		return &core.BoundsError{Op: op, Index: b.readerIndex, Length: n, Capacity: b.writerIndex}
	}
	return nil
}

func (b *Buffer) checkWritable(op string, n int) error {
	if err := b.checkLive(); err != nil {
		return err
	}
	if n < 0 || n > len(b.mem)-b.writerIndex {
		return &core.BoundsError{Op: op, Index: b.writerIndex, Length: n, Capacity: len(b.mem)}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
