// Package stream follows TCP connections and reassembles the payloads of
// their segments into one buffer per connection.
package stream

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/codec"
)

// Key identifies one direction of a TCP connection together with the ACK
// number seen when the stream was opened.
type Key struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Ack     uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s > %s ack %d",
		netip.AddrPortFrom(k.SrcAddr, k.SrcPort), netip.AddrPortFrom(k.DstAddr, k.DstPort), k.Ack)
}

// Segment is one observed TCP segment. Payload is nil for segments without data.
type Segment struct {
	Index        uint64
	Length       int
	Sequence     uint32
	NextSequence uint32
	Flags        codec.TCPFlags
	Payload      *buffer.Buffer
}

// Stream holds the segments recorded for one key, in arrival order.
type Stream struct {
	key       Key
	segments  []Segment
	bytes     int
	firstSeen time.Time
	lastSeen  time.Time
}

// NewStream creates an empty stream.
func NewStream(key Key, now time.Time) *Stream {
	return &Stream{key: key, firstSeen: now, lastSeen: now}
}

func (s *Stream) Key() Key             { return s.key }
func (s *Stream) Len() int             { return len(s.segments) }
func (s *Stream) Bytes() int           { return s.bytes }
func (s *Stream) FirstSeen() time.Time { return s.firstSeen }
func (s *Stream) LastSeen() time.Time  { return s.lastSeen }

// Add appends seg. The stream takes over whatever reference seg.Payload holds.
func (s *Stream) Add(seg Segment) {
	s.segments = append(s.segments, seg)
	s.bytes += seg.Length
}

func (s *Stream) touch(now time.Time) {
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

// Segments returns the recorded segments in arrival order.
func (s *Stream) Segments() []Segment {
	return slices.Clone(s.segments)
}

// Reassemble concatenates the segment payloads in ascending sequence order
// into a buffer from alloc (heap when nil). Segments with equal sequence
// numbers keep their arrival order. Overlapping and duplicate ranges are
// copied as they are; sequence wraparound is not taken into account.
// The stream itself is left untouched.
func (s *Stream) Reassemble(alloc buffer.Allocator) (*buffer.Buffer, error) {
	if alloc == nil {
		alloc = buffer.HeapAllocator{}
	}
	total := 0
	for _, seg := range s.segments {
		if seg.Payload != nil {
			total += seg.Payload.ReadableBytes()
		}
	}
	if total == 0 {
		return buffer.CopyOf(alloc, nil)
	}

	sorted := slices.Clone(s.segments)
	slices.SortStableFunc(sorted, func(a, b Segment) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	out, err := alloc.Allocate(total, total)
	if err != nil {
		return nil, fmt.Errorf("reassemble %s: %w", s.key, err)
	}
	for _, seg := range sorted {
		if seg.Payload == nil {
			continue
		}
		data, err := seg.Payload.ReadableView()
		if err == nil {
			err = out.WriteBytes(data)
		}
		if err != nil {
			out.Release()
			return nil, fmt.Errorf("reassemble %s: %w", s.key, err)
		}
	}
	return out, nil
}

// release drops the references held by the recorded payloads.
func (s *Stream) release() error {
	var first error
	for i := range s.segments {
		if p := s.segments[i].Payload; p != nil {
			if _, err := p.Release(); err != nil && first == nil {
				first = err
			}
			s.segments[i].Payload = nil
		}
	}
	return first
}
