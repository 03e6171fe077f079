// Package core defines sentinel errors and frame metadata shared by every layer.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the buffer, codec, pipeline and
// stream packages wraps exactly one of these.
var (
	// Buffer errors
	ErrBounds            = errors.New("pcapkit: index out of bounds")
	ErrArgument          = errors.New("pcapkit: invalid argument")
	ErrResourceExhausted = errors.New("pcapkit: resource exhausted")
	ErrLifecycle         = errors.New("pcapkit: buffer lifecycle violation")

	// Packet decoding errors
	ErrPacketTooShort      = errors.New("pcapkit: packet too short")
	ErrMalformedPacket     = errors.New("pcapkit: malformed packet")
	ErrUnsupportedProtocol = errors.New("pcapkit: unsupported protocol")

	// Pipeline errors
	ErrPipelineConfig = errors.New("pcapkit: invalid pipeline configuration")

	// IP reassembly errors
	ErrReassemblyLimit = errors.New("pcapkit: fragment reassembly limit exceeded")

	// Configuration errors
	ErrConfigInvalid = errors.New("pcapkit: invalid configuration")
)

// BoundsError reports an access of Length bytes at Index against a region of
// Capacity bytes.
type BoundsError struct {
	Op       string
	Index    int
	Length   int
	Capacity int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("pcapkit: %s: index %d length %d out of bounds for capacity %d",
		e.Op, e.Index, e.Length, e.Capacity)
}

func (e *BoundsError) Unwrap() error { return ErrBounds }

// UnsupportedProtocolError reports a discriminant with no registered codec.
type UnsupportedProtocolError struct {
	Layer        string
	Discriminant uint32
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("pcapkit: unsupported %s protocol 0x%x", e.Layer, e.Discriminant)
}

func (e *UnsupportedProtocolError) Unwrap() error { return ErrUnsupportedProtocol }

// Argumentf returns an ErrArgument-wrapping error.
func Argumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArgument, fmt.Sprintf(format, args...))
}

// Lifecyclef returns an ErrLifecycle-wrapping error.
func Lifecyclef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLifecycle, fmt.Sprintf(format, args...))
}

// TooShort reports a header that needs want bytes but only has got.
func TooShort(proto string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrPacketTooShort, proto, want, got)
}
