package codec

import (
	"fmt"
	"net"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

const (
	ethernetHeaderLen = 14
	dot1QHeaderLen    = 4

	// EtherType values
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeVLAN uint16 = 0x8100
	EtherTypeIPv6 uint16 = 0x86DD
	EtherTypeQinQ uint16 = 0x88A8

	// values below this are 802.3 length fields, not ethertypes
	etherTypeMin uint16 = 0x0600
)

// Ethernet is an Ethernet II header.
type Ethernet struct {
	Dst       [6]byte
	Src       [6]byte
	EtherType uint16
}

func (e *Ethernet) LayerType() LayerType { return LayerTypeEthernet }
func (e *Ethernet) HeaderLen() int       { return ethernetHeaderLen }

func (e *Ethernet) NextLayer() (Layer, uint32, bool) {
	return NetworkLayer, uint32(e.EtherType), e.EtherType >= etherTypeMin
}

func (e *Ethernet) Encode(dst *buffer.Buffer) error {
	w := fieldWriter{b: dst}
	w.bytes(e.Dst[:])
	w.bytes(e.Src[:])
	w.u16(e.EtherType)
	return w.err
}

func (e *Ethernet) String() string {
	return fmt.Sprintf("Ethernet %s > %s type 0x%04x",
		net.HardwareAddr(e.Src[:]), net.HardwareAddr(e.Dst[:]), e.EtherType)
}

// EthernetCodec decodes Ethernet II frames.
type EthernetCodec struct{}

func (EthernetCodec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	n := buf.ReadableBytes()
	if n < ethernetHeaderLen {
		return nil, nil, core.TooShort("ethernet", ethernetHeaderLen, n)
	}
	r := newFieldReader(buf)
	eth := &Ethernet{}
	r.bytes(0, eth.Dst[:])
	r.bytes(6, eth.Src[:])
	eth.EtherType = r.u16(12)
	payload := r.payload(ethernetHeaderLen, n-ethernetHeaderLen)
	if r.err != nil {
		return nil, nil, r.err
	}
	return eth, payload, nil
}

// Dot1Q is an 802.1Q (or 802.1ad outer) VLAN tag. It is registered in the
// network layer so stacked tags decode as consecutive layers.
type Dot1Q struct {
	Priority     uint8
	DropEligible bool
	VLANID       uint16
	EtherType    uint16
}

func (d *Dot1Q) LayerType() LayerType { return LayerTypeDot1Q }
func (d *Dot1Q) HeaderLen() int       { return dot1QHeaderLen }

func (d *Dot1Q) NextLayer() (Layer, uint32, bool) {
	return NetworkLayer, uint32(d.EtherType), d.EtherType >= etherTypeMin
}

func (d *Dot1Q) Encode(dst *buffer.Buffer) error {
	tci := uint16(d.Priority&0x7)<<13 | d.VLANID&0x0FFF
	if d.DropEligible {
		tci |= 0x1000
	}
	w := fieldWriter{b: dst}
	w.u16(tci)
	w.u16(d.EtherType)
	return w.err
}

func (d *Dot1Q) String() string {
	return fmt.Sprintf("Dot1Q vlan %d prio %d type 0x%04x", d.VLANID, d.Priority, d.EtherType)
}

// Dot1QCodec decodes VLAN tags.
type Dot1QCodec struct{}

func (Dot1QCodec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	n := buf.ReadableBytes()
	if n < dot1QHeaderLen {
		return nil, nil, core.TooShort("dot1q", dot1QHeaderLen, n)
	}
	r := newFieldReader(buf)
	tci := r.u16(0)
	d := &Dot1Q{
		Priority:     uint8(tci >> 13),
		DropEligible: tci&0x1000 != 0,
		VLANID:       tci & 0x0FFF,
		EtherType:    r.u16(2),
	}
	payload := r.payload(dot1QHeaderLen, n-dot1QHeaderLen)
	if r.err != nil {
		return nil, nil, r.err
	}
	return d, payload, nil
}
