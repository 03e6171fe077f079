package codec

import (
	"fmt"
	"strings"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

const (
	tcpHeaderMinLen = 20
	udpHeaderLen    = 8
)

// TCPFlags holds the nine TCP control bits.
type TCPFlags uint16

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
	TCPFlagNS
)

var tcpFlagNames = []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR", "NS"}

// Has reports whether every bit of f is set.
func (t TCPFlags) Has(f TCPFlags) bool { return t&f == f }

func (t TCPFlags) String() string {
	var names []string
	for i, name := range tcpFlagNames {
		if t&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// TCP is a TCP header. DataOffset is in 32-bit words.
type TCP struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8
	Flags      TCPFlags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []byte
}

func (t *TCP) LayerType() LayerType { return LayerTypeTCP }
func (t *TCP) HeaderLen() int       { return tcpHeaderMinLen + (len(t.Options)+3)&^3 }

// NextLayer is always false: application payloads are left to stream
// reassembly and to codecs registered at core.LinkTypeStream.
func (t *TCP) NextLayer() (Layer, uint32, bool) { return 0, 0, false }

func (t *TCP) SYN() bool { return t.Flags.Has(TCPFlagSYN) }
func (t *TCP) FIN() bool { return t.Flags.Has(TCPFlagFIN) }
func (t *TCP) RST() bool { return t.Flags.Has(TCPFlagRST) }
func (t *TCP) ACK() bool { return t.Flags.Has(TCPFlagACK) }

func (t *TCP) Encode(dst *buffer.Buffer) error {
	hl := t.HeaderLen()
	w := fieldWriter{b: dst}
	w.u16(t.SrcPort)
	w.u16(t.DstPort)
	w.u32(t.Seq)
	w.u32(t.Ack)
	w.u16(uint16(hl/4)<<12 | uint16(t.Flags)&0x01FF)
	w.u16(t.Window)
	w.u16(t.Checksum)
	w.u16(t.Urgent)
	w.bytes(t.Options)
	w.zeros(hl - tcpHeaderMinLen - len(t.Options))
	return w.err
}

func (t *TCP) String() string {
	return fmt.Sprintf("TCP %d > %d [%s] seq %d ack %d win %d", t.SrcPort, t.DstPort, t.Flags, t.Seq, t.Ack, t.Window)
}

// TCPCodec decodes TCP headers including options.
type TCPCodec struct{}

func (TCPCodec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	n := buf.ReadableBytes()
	if n < tcpHeaderMinLen {
		return nil, nil, core.TooShort("tcp", tcpHeaderMinLen, n)
	}
	r := newFieldReader(buf)
	t := &TCP{
		SrcPort: r.u16(0),
		DstPort: r.u16(2),
		Seq:     r.u32(4),
		Ack:     r.u32(8),
	}
	offFlags := r.u16(12)
	t.DataOffset = uint8(offFlags >> 12)
	t.Flags = TCPFlags(offFlags & 0x01FF)
	t.Window = r.u16(14)
	t.Checksum = r.u16(16)
	t.Urgent = r.u16(18)

	hl := int(t.DataOffset) * 4
	if hl < tcpHeaderMinLen {
		return nil, nil, fmt.Errorf("%w: tcp data offset %d", core.ErrMalformedPacket, t.DataOffset)
	}
	if n < hl {
		return nil, nil, core.TooShort("tcp options", hl, n)
	}
	if hl > tcpHeaderMinLen {
		t.Options = make([]byte, hl-tcpHeaderMinLen)
		r.bytes(tcpHeaderMinLen, t.Options)
	}
	payload := r.payload(hl, n-hl)
	if r.err != nil {
		return nil, nil, r.err
	}
	return t, payload, nil
}

// UDP is a UDP header.
type UDP struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func (u *UDP) LayerType() LayerType             { return LayerTypeUDP }
func (u *UDP) HeaderLen() int                   { return udpHeaderLen }
func (u *UDP) NextLayer() (Layer, uint32, bool) { return 0, 0, false }

func (u *UDP) Encode(dst *buffer.Buffer) error {
	w := fieldWriter{b: dst}
	w.u16(u.SrcPort)
	w.u16(u.DstPort)
	w.u16(u.Length)
	w.u16(u.Checksum)
	return w.err
}

func (u *UDP) String() string {
	return fmt.Sprintf("UDP %d > %d len %d", u.SrcPort, u.DstPort, u.Length)
}

// UDPCodec decodes UDP headers; the payload ends at Length when it is sane.
type UDPCodec struct{}

func (UDPCodec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	n := buf.ReadableBytes()
	if n < udpHeaderLen {
		return nil, nil, core.TooShort("udp", udpHeaderLen, n)
	}
	r := newFieldReader(buf)
	u := &UDP{
		SrcPort:  r.u16(0),
		DstPort:  r.u16(2),
		Length:   r.u16(4),
		Checksum: r.u16(6),
	}
	end := n
	if l := int(u.Length); l >= udpHeaderLen && l < n {
		end = l
	}
	payload := r.payload(udpHeaderLen, end-udpHeaderLen)
	if r.err != nil {
		return nil, nil, r.err
	}
	return u, payload, nil
}
