package codec

import (
	"fmt"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

const icmpHeaderLen = 8

// ICMPv4 is an ICMP header. Rest holds the type specific second word
// (identifier and sequence for echo messages).
type ICMPv4 struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     uint32
}

func (i *ICMPv4) LayerType() LayerType             { return LayerTypeICMPv4 }
func (i *ICMPv4) HeaderLen() int                   { return icmpHeaderLen }
func (i *ICMPv4) NextLayer() (Layer, uint32, bool) { return 0, 0, false }
func (i *ICMPv4) Encode(dst *buffer.Buffer) error  { return encodeICMP(dst, i.Type, i.Code, i.Checksum, i.Rest) }

func (i *ICMPv4) String() string {
	return fmt.Sprintf("ICMPv4 type %d code %d", i.Type, i.Code)
}

// ICMPv6 message types.
const (
	ICMPv6TypeDestinationUnreachable uint8 = 1
	ICMPv6TypePacketTooBig           uint8 = 2
	ICMPv6TypeTimeExceeded           uint8 = 3
	ICMPv6TypeParameterProblem       uint8 = 4
	ICMPv6TypeEchoRequest            uint8 = 128
	ICMPv6TypeEchoReply              uint8 = 129
	ICMPv6TypeRouterSolicitation     uint8 = 133
	ICMPv6TypeRouterAdvertisement    uint8 = 134
	ICMPv6TypeNeighborSolicitation   uint8 = 135
	ICMPv6TypeNeighborAdvertisement  uint8 = 136
	ICMPv6TypeRedirect               uint8 = 137
)

var icmpv6TypeNames = map[uint8]string{
	ICMPv6TypeDestinationUnreachable: "Destination Unreachable",
	ICMPv6TypePacketTooBig:           "Packet Too Big",
	ICMPv6TypeTimeExceeded:           "Time Exceeded",
	ICMPv6TypeParameterProblem:       "Parameter Problem",
	ICMPv6TypeEchoRequest:            "Echo Request",
	ICMPv6TypeEchoReply:              "Echo Reply",
	ICMPv6TypeRouterSolicitation:     "Router Solicitation",
	ICMPv6TypeRouterAdvertisement:    "Router Advertisement",
	ICMPv6TypeNeighborSolicitation:   "Neighbor Solicitation",
	ICMPv6TypeNeighborAdvertisement:  "Neighbor Advertisement",
	ICMPv6TypeRedirect:               "Redirect",
}

// Destination Unreachable codes (RFC 4443 section 3.1).
var icmpv6UnreachableCodes = []string{
	"no route to destination",
	"communication with destination administratively prohibited",
	"beyond scope of source address",
	"address unreachable",
	"port unreachable",
	"source address failed ingress/egress policy",
	"reject route to destination",
	"error in source routing header",
}

// ICMPv6 is an ICMPv6 header.
type ICMPv6 struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     uint32
}

func (i *ICMPv6) LayerType() LayerType             { return LayerTypeICMPv6 }
func (i *ICMPv6) HeaderLen() int                   { return icmpHeaderLen }
func (i *ICMPv6) NextLayer() (Layer, uint32, bool) { return 0, 0, false }
func (i *ICMPv6) Encode(dst *buffer.Buffer) error  { return encodeICMP(dst, i.Type, i.Code, i.Checksum, i.Rest) }

// TypeName returns the RFC 4443 name of the message type.
func (i *ICMPv6) TypeName() string {
	if name, ok := icmpv6TypeNames[i.Type]; ok {
		return name
	}
	return fmt.Sprintf("type %d", i.Type)
}

// CodeName describes Code for Destination Unreachable messages.
func (i *ICMPv6) CodeName() string {
	if i.Type == ICMPv6TypeDestinationUnreachable && int(i.Code) < len(icmpv6UnreachableCodes) {
		return icmpv6UnreachableCodes[i.Code]
	}
	return fmt.Sprintf("code %d", i.Code)
}

func (i *ICMPv6) String() string {
	return fmt.Sprintf("ICMPv6 %s (%s)", i.TypeName(), i.CodeName())
}

func encodeICMP(dst *buffer.Buffer, typ, code uint8, checksum uint16, rest uint32) error {
	w := fieldWriter{b: dst}
	w.u8(typ)
	w.u8(code)
	w.u16(checksum)
	w.u32(rest)
	return w.err
}

func decodeICMP(buf *buffer.Buffer, proto string) (typ, code uint8, checksum uint16, rest uint32, payload *buffer.Buffer, err error) {
	n := buf.ReadableBytes()
	if n < icmpHeaderLen {
		return 0, 0, 0, 0, nil, core.TooShort(proto, icmpHeaderLen, n)
	}
	r := newFieldReader(buf)
	typ, code, checksum, rest = r.u8(0), r.u8(1), r.u16(2), r.u32(4)
	payload = r.payload(icmpHeaderLen, n-icmpHeaderLen)
	return typ, code, checksum, rest, payload, r.err
}

// ICMPv4Codec decodes ICMP messages.
type ICMPv4Codec struct{}

func (ICMPv4Codec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	typ, code, sum, rest, payload, err := decodeICMP(buf, "icmpv4")
	if err != nil {
		return nil, nil, err
	}
	return &ICMPv4{Type: typ, Code: code, Checksum: sum, Rest: rest}, payload, nil
}

// ICMPv6Codec decodes ICMPv6 messages.
type ICMPv6Codec struct{}

func (ICMPv6Codec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	typ, code, sum, rest, payload, err := decodeICMP(buf, "icmpv6")
	if err != nil {
		return nil, nil, err
	}
	return &ICMPv6{Type: typ, Code: code, Checksum: sum, Rest: rest}, payload, nil
}
