package codec

import (
	"fmt"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

// EncodeOptions control field fix-ups while encoding. With the zero value
// every field is written exactly as stored.
type EncodeOptions struct {
	// FixLengths rewrites IPv4 TotalLen, IPv6 PayloadLen and UDP Length from the chain.
	FixLengths bool
	// ComputeChecksums rewrites IPv4, TCP, UDP, ICMPv4 and ICMPv6 checksums.
	ComputeChecksums bool
}

// Encode serializes the chain starting at pkt, followed by the payload bytes of
// the innermost layer, into a buffer from alloc (heap when nil).
func Encode(pkt *Packet, alloc buffer.Allocator, opts EncodeOptions) (*buffer.Buffer, error) {
	if pkt == nil {
		return nil, core.Argumentf("encode: nil packet")
	}
	if alloc == nil {
		alloc = buffer.HeapAllocator{}
	}

	layers := pkt.Layers()
	var data []byte
	if pb := layers[len(layers)-1].payloadBuffer; pb != nil {
		view, err := pb.ReadableView()
		if err != nil {
			return nil, err
		}
		data = view
	}

	// rest[i] is the number of bytes that follow header i
	rest := make([]int, len(layers))
	total := len(data)
	for i := len(layers) - 1; i >= 0; i-- {
		rest[i] = total
		total += layers[i].header.HeaderLen()
	}
	if opts.FixLengths {
		for i, l := range layers {
			fixLength(l.header, rest[i])
		}
	}
	if total == 0 {
		return buffer.CopyOf(alloc, nil)
	}

	out, err := alloc.Allocate(total, total)
	if err != nil {
		return nil, err
	}
	offsets := make([]int, len(layers))
	for i, l := range layers {
		offsets[i] = out.WriterIndex()
		if err := l.header.Encode(out); err != nil {
			out.Release()
			return nil, fmt.Errorf("encode %s: %w", l.LayerType(), err)
		}
	}
	if err := out.WriteBytes(data); err != nil {
		out.Release()
		return nil, err
	}

	if opts.ComputeChecksums {
		fillChecksums(out, layers, offsets, rest)
	}
	return out, nil
}

func fixLength(h Header, rest int) {
	switch h := h.(type) {
	case *IPv4:
		h.TotalLen = uint16(h.HeaderLen() + rest)
		h.IHL = uint8(h.HeaderLen() / 4)
	case *IPv6:
		h.PayloadLen = uint16(rest)
	case *TCP:
		h.DataOffset = uint8(h.HeaderLen() / 4)
	case *UDP:
		h.Length = uint16(udpHeaderLen + rest)
	case *Payload:
		h.Length = rest
	}
}

// fillChecksums patches the checksum fields in place. Checksums are always
// written in network byte order, whatever the buffer's order is.
func fillChecksums(out *buffer.Buffer, layers []*Packet, offsets, rest []int) {
	raw := out.Bytes()
	var ip Header
	for i, l := range layers {
		off := offsets[i]
		seg := raw[off : off+l.header.HeaderLen()+rest[i]]
		var (
			field int
			sum   uint16
		)
		switch h := l.header.(type) {
		case *IPv4:
			ip = h
			field = 10
			seg[field], seg[field+1] = 0, 0
			sum = Checksum(seg[:h.HeaderLen()], 0)
			h.Checksum = sum
		case *IPv6:
			ip = h
			continue
		case *TCP:
			field = 16
			seg[field], seg[field+1] = 0, 0
			sum = Checksum(seg, pseudoHeaderSum(ip, IPProtocolTCP, len(seg)))
			h.Checksum = sum
		case *UDP:
			field = 6
			seg[field], seg[field+1] = 0, 0
			sum = Checksum(seg, pseudoHeaderSum(ip, IPProtocolUDP, len(seg)))
			if sum == 0 {
				sum = 0xFFFF
			}
			h.Checksum = sum
		case *ICMPv4:
			field = 2
			seg[field], seg[field+1] = 0, 0
			sum = Checksum(seg, 0)
			h.Checksum = sum
		case *ICMPv6:
			field = 2
			seg[field], seg[field+1] = 0, 0
			sum = Checksum(seg, pseudoHeaderSum(ip, IPProtocolICMPv6, len(seg)))
			h.Checksum = sum
		default:
			continue
		}
		seg[field], seg[field+1] = byte(sum>>8), byte(sum)
	}
}

// Checksum is the RFC 1071 internet checksum of data, seeded with initial.
func Checksum(data []byte, initial uint32) uint16 {
	sum := initial
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// pseudoHeaderSum is the unfolded sum of the IPv4 or IPv6 pseudo header. It is
// zero when ip is nil.
func pseudoHeaderSum(ip Header, proto uint8, length int) uint32 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
	}
	switch ip := ip.(type) {
	case *IPv4:
		src, dst := ip.Src.As4(), ip.Dst.As4()
		add(src[:])
		add(dst[:])
		sum += uint32(proto)
		sum += uint32(length)
	case *IPv6:
		src, dst := ip.Src.As16(), ip.Dst.As16()
		add(src[:])
		add(dst[:])
		sum += uint32(length>>16) + uint32(length&0xFFFF)
		sum += uint32(proto)
	}
	return sum
}

// TransportChecksum computes the TCP, UDP or ICMPv6 checksum of segment, which
// must have its checksum field zeroed, under the pseudo header of ip.
func TransportChecksum(ip Header, proto uint8, segment []byte) uint16 {
	return Checksum(segment, pseudoHeaderSum(ip, proto, len(segment)))
}
