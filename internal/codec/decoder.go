package codec

import (
	"errors"
	"fmt"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/metrics"
)

// Decoder owns one registry per layer and turns buffers into packet chains.
type Decoder struct {
	registries [numLayers]*Registry
}

// NewDecoder returns a decoder with empty registries.
func NewDecoder() *Decoder {
	d := &Decoder{}
	for l := Layer(0); l < numLayers; l++ {
		d.registries[l] = NewRegistry(l)
	}
	return d
}

// NewDefaultDecoder returns a decoder with every built-in codec registered.
func NewDefaultDecoder() *Decoder {
	d := NewDecoder()
	RegisterDefaults(d)
	return d
}

// RegisterDefaults binds the built-in codecs to their standard discriminants.
func RegisterDefaults(d *Decoder) {
	d.Register(LinkLayer, core.LinkTypeEthernet, EthernetCodec{})
	d.Register(LinkLayer, core.LinkTypeStream, PayloadCodec{})

	d.Register(NetworkLayer, uint32(EtherTypeIPv4), IPv4Codec{})
	d.Register(NetworkLayer, uint32(EtherTypeIPv6), IPv6Codec{})
	d.Register(NetworkLayer, uint32(EtherTypeVLAN), Dot1QCodec{})
	d.Register(NetworkLayer, uint32(EtherTypeQinQ), Dot1QCodec{})

	d.Register(TransportLayer, uint32(IPProtocolICMPv4), ICMPv4Codec{})
	d.Register(TransportLayer, uint32(IPProtocolTCP), TCPCodec{})
	d.Register(TransportLayer, uint32(IPProtocolUDP), UDPCodec{})
	d.Register(TransportLayer, uint32(IPProtocolICMPv6), ICMPv6Codec{})
}

// Registry returns the registry of layer l.
func (d *Decoder) Registry(l Layer) *Registry {
	if l >= numLayers {
		return nil
	}
	return d.registries[l]
}

// Register binds discriminant to c in layer l, replacing any earlier binding.
func (d *Decoder) Register(l Layer, discriminant uint32, c Codec) {
	d.registries[l].Register(discriminant, c)
}

// Decode decodes buf starting at the data link layer.
func (d *Decoder) Decode(linkType uint32, buf *buffer.Buffer) (*Packet, error) {
	return d.DecodeLayer(LinkLayer, linkType, buf)
}

// DecodeLayer decodes the readable bytes of buf starting with the codec bound
// to discriminant in layer l, following each header's NextLayer until a header
// is innermost or its payload is empty. buf's cursors are not moved.
//
// On failure the layers decoded so far are returned together with the error,
// so the returned packet may be non-nil even when err is not.
func (d *Decoder) DecodeLayer(l Layer, discriminant uint32, buf *buffer.Buffer) (*Packet, error) {
	if l >= numLayers {
		return nil, core.Argumentf("decode: unknown layer %d", l)
	}
	cur, err := buf.SliceReadable()
	if err != nil {
		return nil, err
	}

	var head, tail *Packet
	for {
		c, ok := d.registries[l].Lookup(discriminant)
		if !ok {
			metrics.DecodeErrorsTotal.WithLabelValues("unsupported").Inc()
			return head, &core.UnsupportedProtocolError{Layer: l.String(), Discriminant: discriminant}
		}

		hdr, payload, err := c.Decode(cur)
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(errorReason(err)).Inc()
			return head, fmt.Errorf("decode %s protocol 0x%x: %w", l, discriminant, err)
		}
		if payload == nil {
			payload, _ = cur.Slice(0, 0)
		}

		pkt := &Packet{header: hdr, buf: cur, payloadBuffer: payload}
		if head == nil {
			head = pkt
		} else {
			tail.payload = pkt
		}
		tail = pkt
		metrics.DecodeLayersTotal.WithLabelValues(hdr.LayerType().String()).Inc()

		next, disc, more := hdr.NextLayer()
		if !more || payload.ReadableBytes() == 0 {
			return head, nil
		}
		l, discriminant, cur = next, disc, payload
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, core.ErrPacketTooShort), errors.Is(err, core.ErrBounds):
		return "truncated"
	case errors.Is(err, core.ErrMalformedPacket):
		return "malformed"
	default:
		return "other"
	}
}
