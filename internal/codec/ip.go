package codec

import (
	"fmt"
	"net/netip"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// IP protocol numbers
	IPProtocolICMPv4 uint8 = 1
	IPProtocolTCP    uint8 = 6
	IPProtocolUDP    uint8 = 17
	IPProtocolICMPv6 uint8 = 58
)

// IPv4 flag bits as they appear in the top three bits of the fragment field.
const (
	IPv4EvilBit       uint8 = 0x4
	IPv4DontFragment  uint8 = 0x2
	IPv4MoreFragments uint8 = 0x1
)

// IPv4 is an IPv4 header. FragOffset is in 8-byte units.
type IPv4 struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	TotalLen   uint16
	ID         uint16
	Flags      uint8
	FragOffset uint16
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	Src        netip.Addr
	Dst        netip.Addr
	Options    []byte
}

func (ip *IPv4) LayerType() LayerType { return LayerTypeIPv4 }
func (ip *IPv4) HeaderLen() int       { return ipv4HeaderMinLen + (len(ip.Options)+3)&^3 }

// NextLayer stops at fragments; they only decode further once reassembled.
func (ip *IPv4) NextLayer() (Layer, uint32, bool) {
	return TransportLayer, uint32(ip.Protocol), !ip.IsFragment()
}

func (ip *IPv4) MoreFragments() bool { return ip.Flags&IPv4MoreFragments != 0 }
func (ip *IPv4) DontFragment() bool  { return ip.Flags&IPv4DontFragment != 0 }
func (ip *IPv4) IsFragment() bool    { return ip.MoreFragments() || ip.FragOffset != 0 }

func (ip *IPv4) Encode(dst *buffer.Buffer) error {
	if !ip.Src.Is4() || !ip.Dst.Is4() {
		return core.Argumentf("ipv4 encode: addresses %v > %v are not IPv4", ip.Src, ip.Dst)
	}
	hl := ip.HeaderLen()
	w := fieldWriter{b: dst}
	w.u8(4<<4 | uint8(hl/4))
	w.u8(ip.TOS)
	w.u16(ip.TotalLen)
	w.u16(ip.ID)
	w.u16(uint16(ip.Flags&0x7)<<13 | ip.FragOffset&0x1FFF)
	w.u8(ip.TTL)
	w.u8(ip.Protocol)
	w.u16(ip.Checksum)
	src, dst4 := ip.Src.As4(), ip.Dst.As4()
	w.bytes(src[:])
	w.bytes(dst4[:])
	w.bytes(ip.Options)
	w.zeros(hl - ipv4HeaderMinLen - len(ip.Options))
	return w.err
}

// ComputeChecksum returns the header checksum with the Checksum field taken as zero.
func (ip *IPv4) ComputeChecksum() (uint16, error) {
	saved := ip.Checksum
	ip.Checksum = 0
	defer func() { ip.Checksum = saved }()

	b, err := buffer.New(ip.HeaderLen())
	if err != nil {
		return 0, err
	}
	if err := ip.Encode(b); err != nil {
		return 0, err
	}
	return Checksum(b.Bytes(), 0), nil
}

// UpdateChecksum recomputes and stores the header checksum.
func (ip *IPv4) UpdateChecksum() error {
	sum, err := ip.ComputeChecksum()
	if err != nil {
		return err
	}
	ip.Checksum = sum
	return nil
}

func (ip *IPv4) String() string {
	return fmt.Sprintf("IPv4 %s > %s proto %d len %d ttl %d", ip.Src, ip.Dst, ip.Protocol, ip.TotalLen, ip.TTL)
}

// IPv4Codec decodes IPv4 headers. The payload view ends at TotalLen, so
// Ethernet padding is not part of it; a capture cut short yields the bytes
// that are present.
type IPv4Codec struct{}

func (IPv4Codec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	n := buf.ReadableBytes()
	if n < ipv4HeaderMinLen {
		return nil, nil, core.TooShort("ipv4", ipv4HeaderMinLen, n)
	}
	r := newFieldReader(buf)
	vihl := r.u8(0)
	ip := &IPv4{
		Version: vihl >> 4,
		IHL:     vihl & 0x0F,
	}
	if ip.Version != 4 {
		return nil, nil, fmt.Errorf("%w: ipv4 version field is %d", core.ErrMalformedPacket, ip.Version)
	}
	hl := int(ip.IHL) * 4
	if hl < ipv4HeaderMinLen {
		return nil, nil, fmt.Errorf("%w: ipv4 header length %d", core.ErrMalformedPacket, hl)
	}
	if n < hl {
		return nil, nil, core.TooShort("ipv4 options", hl, n)
	}

	ip.TOS = r.u8(1)
	ip.TotalLen = r.u16(2)
	ip.ID = r.u16(4)
	fo := r.u16(6)
	ip.Flags = uint8(fo >> 13)
	ip.FragOffset = fo & 0x1FFF
	ip.TTL = r.u8(8)
	ip.Protocol = r.u8(9)
	ip.Checksum = r.u16(10)
	var src, dst [4]byte
	r.bytes(12, src[:])
	r.bytes(16, dst[:])
	ip.Src, ip.Dst = netip.AddrFrom4(src), netip.AddrFrom4(dst)
	if hl > ipv4HeaderMinLen {
		ip.Options = make([]byte, hl-ipv4HeaderMinLen)
		r.bytes(ipv4HeaderMinLen, ip.Options)
	}

	end := int(ip.TotalLen)
	if end < hl {
		return nil, nil, fmt.Errorf("%w: ipv4 total length %d below header length %d",
			core.ErrMalformedPacket, end, hl)
	}
	end = min(end, n)
	payload := r.payload(hl, end-hl)
	if r.err != nil {
		return nil, nil, r.err
	}
	return ip, payload, nil
}

// IPv6 is the fixed IPv6 header. Extension headers are decoded as the next
// layer by NextHeader, like any other protocol.
type IPv6 struct {
	Version      uint8
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          netip.Addr
	Dst          netip.Addr
}

func (ip *IPv6) LayerType() LayerType { return LayerTypeIPv6 }
func (ip *IPv6) HeaderLen() int       { return ipv6HeaderLen }

func (ip *IPv6) NextLayer() (Layer, uint32, bool) {
	return TransportLayer, uint32(ip.NextHeader), true
}

func (ip *IPv6) Encode(dst *buffer.Buffer) error {
	if !ip.Src.IsValid() || !ip.Dst.IsValid() {
		return core.Argumentf("ipv6 encode: missing address")
	}
	w := fieldWriter{b: dst}
	w.u32(6<<28 | uint32(ip.TrafficClass)<<20 | ip.FlowLabel&0xFFFFF)
	w.u16(ip.PayloadLen)
	w.u8(ip.NextHeader)
	w.u8(ip.HopLimit)
	src, dst6 := ip.Src.As16(), ip.Dst.As16()
	w.bytes(src[:])
	w.bytes(dst6[:])
	return w.err
}

func (ip *IPv6) String() string {
	return fmt.Sprintf("IPv6 %s > %s next %d len %d", ip.Src, ip.Dst, ip.NextHeader, ip.PayloadLen)
}

// IPv6Codec decodes the fixed IPv6 header.
type IPv6Codec struct{}

func (IPv6Codec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	n := buf.ReadableBytes()
	if n < ipv6HeaderLen {
		return nil, nil, core.TooShort("ipv6", ipv6HeaderLen, n)
	}
	r := newFieldReader(buf)
	first := r.u32(0)
	ip := &IPv6{
		Version:      uint8(first >> 28),
		TrafficClass: uint8(first >> 20),
		FlowLabel:    first & 0xFFFFF,
		PayloadLen:   r.u16(4),
		NextHeader:   r.u8(6),
		HopLimit:     r.u8(7),
	}
	if ip.Version != 6 {
		return nil, nil, fmt.Errorf("%w: ipv6 version field is %d", core.ErrMalformedPacket, ip.Version)
	}
	var src, dst [16]byte
	r.bytes(8, src[:])
	r.bytes(24, dst[:])
	ip.Src, ip.Dst = netip.AddrFrom16(src), netip.AddrFrom16(dst)

	length := min(int(ip.PayloadLen), n-ipv6HeaderLen)
	payload := r.payload(ipv6HeaderLen, length)
	if r.err != nil {
		return nil, nil, r.err
	}
	return ip, payload, nil
}
