// Package codec decodes buffers into chains of protocol headers and encodes
// such chains back into buffers. Protocols are looked up per layer by their
// wire discriminant, so new protocols are added by registration alone.
package codec

import (
	"fmt"

	"firestige.xyz/pcapkit/internal/buffer"
)

// Layer selects the registry a discriminant is looked up in.
type Layer uint8

const (
	// LinkLayer discriminants are DLT link types.
	LinkLayer Layer = iota
	// NetworkLayer discriminants are ethertypes.
	NetworkLayer
	// TransportLayer discriminants are IP protocol numbers.
	TransportLayer

	numLayers
)

func (l Layer) String() string {
	switch l {
	case LinkLayer:
		return "link"
	case NetworkLayer:
		return "network"
	case TransportLayer:
		return "transport"
	default:
		return fmt.Sprintf("layer(%d)", uint8(l))
	}
}

// LayerType identifies the concrete header type of a decoded layer.
type LayerType uint16

const (
	LayerTypeUnknown LayerType = iota
	LayerTypeEthernet
	LayerTypeDot1Q
	LayerTypeIPv4
	LayerTypeIPv6
	LayerTypeTCP
	LayerTypeUDP
	LayerTypeICMPv4
	LayerTypeICMPv6
	LayerTypePayload

	// LayerTypeUser is the first value free for application codecs.
	LayerTypeUser LayerType = 1000
)

var layerTypeNames = map[LayerType]string{
	LayerTypeUnknown:  "Unknown",
	LayerTypeEthernet: "Ethernet",
	LayerTypeDot1Q:    "Dot1Q",
	LayerTypeIPv4:     "IPv4",
	LayerTypeIPv6:     "IPv6",
	LayerTypeTCP:      "TCP",
	LayerTypeUDP:      "UDP",
	LayerTypeICMPv4:   "ICMPv4",
	LayerTypeICMPv6:   "ICMPv6",
	LayerTypePayload:  "Payload",
}

func (t LayerType) String() string {
	if name, ok := layerTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("LayerType(%d)", uint16(t))
}

// Header is a decoded protocol header. Implementations expose their wire
// fields as exported struct fields.
type Header interface {
	LayerType() LayerType
	// HeaderLen is the number of bytes Encode writes.
	HeaderLen() int
	// NextLayer returns where the payload is decoded next. ok is false for
	// innermost headers.
	NextLayer() (layer Layer, discriminant uint32, ok bool)
	// Encode writes the header at dst's writer index, preserving every field
	// as stored, checksums included.
	Encode(dst *buffer.Buffer) error
}

// Codec decodes the header at the start of buf's readable region and returns
// it with a zero-copy view of the bytes it carries. Codecs must not move buf's
// cursors.
type Codec interface {
	Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error)
}

// CodecFunc adapts a function to Codec.
type CodecFunc func(buf *buffer.Buffer) (Header, *buffer.Buffer, error)

func (f CodecFunc) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) { return f(buf) }

// Packet is one decoded layer: a header, the bytes it was decoded from, the
// still undecoded payload bytes and the next decoded layer, if any.
type Packet struct {
	header        Header
	buf           *buffer.Buffer
	payloadBuffer *buffer.Buffer
	payload       *Packet
}

// NewPacket builds a layer by hand, e.g. to encode a chain that was never decoded.
// payload may be nil; payloadBuffer may be nil for an empty payload.
func NewPacket(h Header, payloadBuffer *buffer.Buffer, payload *Packet) *Packet {
	return &Packet{header: h, payloadBuffer: payloadBuffer, payload: payload}
}

func (p *Packet) Header() Header         { return p.header }
func (p *Packet) LayerType() LayerType   { return p.header.LayerType() }
func (p *Packet) Payload() *Packet       { return p.payload }
func (p *Packet) Buffer() *buffer.Buffer { return p.buf }

// PayloadBuffer returns the bytes following this header. It is never nil for
// decoded packets.
func (p *Packet) PayloadBuffer() *buffer.Buffer { return p.payloadBuffer }

// Layers returns the chain from p inwards.
func (p *Packet) Layers() []*Packet {
	var out []*Packet
	for l := p; l != nil; l = l.payload {
		out = append(out, l)
	}
	return out
}

// Layer returns the first layer of type t at or below p.
func (p *Packet) Layer(t LayerType) *Packet {
	for l := p; l != nil; l = l.payload {
		if l.header.LayerType() == t {
			return l
		}
	}
	return nil
}

// Innermost returns the last decoded layer.
func (p *Packet) Innermost() *Packet {
	l := p
	for l.payload != nil {
		l = l.payload
	}
	return l
}

func (p *Packet) String() string {
	s := ""
	for i, l := range p.Layers() {
		if i > 0 {
			s += " / "
		}
		if str, ok := l.header.(fmt.Stringer); ok {
			s += str.String()
		} else {
			s += l.LayerType().String()
		}
	}
	return s
}

// Find returns the first header of type T at or below p.
func Find[T Header](p *Packet) (T, bool) {
	for l := p; l != nil; l = l.payload {
		if h, ok := l.header.(T); ok {
			return h, true
		}
	}
	var zero T
	return zero, false
}
