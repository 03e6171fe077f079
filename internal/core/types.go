package core

import "time"

// FrameInfo is the per-frame metadata handed over by a capture source.
type FrameInfo struct {
	CaptureLength  int
	OriginalLength int
	Timestamp      time.Time
	LinkType       uint32
}

// Truncated reports whether the capture source cut the frame short.
func (f FrameInfo) Truncated() bool {
	return f.CaptureLength < f.OriginalLength
}

// Well-known data link discriminants (DLT values).
const (
	LinkTypeEthernet uint32 = 1
	// LinkTypeStream is DLT_USER0, used for reassembled TCP payloads.
	LinkTypeStream uint32 = 147
)
