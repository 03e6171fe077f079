package buffer

import (
	"encoding/binary"

	"firestige.xyz/pcapkit/internal/core"
)

// Allocator creates buffers with reader and writer index at zero.
type Allocator interface {
	Allocate(capacity, maxCapacity int) (*Buffer, error)
}

// HeapAllocator allocates garbage-collected buffers.
type HeapAllocator struct {
	// Ceiling bounds both capacity and maxCapacity. Zero means DefaultMaxCapacity.
	Ceiling int
	// Order defaults to big endian.
	Order binary.ByteOrder
}

func (a HeapAllocator) Allocate(capacity, maxCapacity int) (*Buffer, error) {
	ceiling := a.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultMaxCapacity
	}
	if err := validateCapacity(capacity, maxCapacity, ceiling); err != nil {
		return nil, err
	}
	return newBuffer(Heap, make([]byte, capacity), maxCapacity, a.Order), nil
}

func validateCapacity(capacity, maxCapacity, ceiling int) error {
	switch {
	case capacity <= 0:
		return core.Argumentf("capacity must be positive, got %d", capacity)
	case capacity > maxCapacity:
		return core.Argumentf("capacity %d exceeds max capacity %d", capacity, maxCapacity)
	case maxCapacity > ceiling:
		return core.Argumentf("max capacity %d exceeds ceiling %d", maxCapacity, ceiling)
	}
	return nil
}

// AllocateWithIndex allocates from a and positions the cursors.
func AllocateWithIndex(a Allocator, capacity, maxCapacity, readerIndex, writerIndex int) (*Buffer, error) {
	b, err := a.Allocate(capacity, maxCapacity)
	if err != nil {
		return nil, err
	}
	if err := b.SetIndex(readerIndex, writerIndex); err != nil {
		b.Release()
		return nil, core.Argumentf("reader index %d, writer index %d: %v", readerIndex, writerIndex, err)
	}
	return b, nil
}

// CopyOf allocates len(p) bytes from a and writes p into them. An empty p
// yields an empty heap buffer since allocators reject zero capacity.
func CopyOf(a Allocator, p []byte) (*Buffer, error) {
	if len(p) == 0 {
		return newBuffer(Heap, []byte{}, 0, binary.BigEndian), nil
	}
	b, err := a.Allocate(len(p), len(p))
	if err != nil {
		return nil, err
	}
	if err := b.WriteBytes(p); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}
