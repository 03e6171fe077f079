package codec

import (
	"fmt"

	"firestige.xyz/pcapkit/internal/buffer"
)

// Payload is an opaque application message, typically a reassembled TCP
// stream. It has no header bytes; the data is the packet's PayloadBuffer.
type Payload struct {
	Length int
}

func (p *Payload) LayerType() LayerType             { return LayerTypePayload }
func (p *Payload) HeaderLen() int                   { return 0 }
func (p *Payload) NextLayer() (Layer, uint32, bool) { return 0, 0, false }
func (p *Payload) Encode(*buffer.Buffer) error      { return nil }
func (p *Payload) String() string                   { return fmt.Sprintf("Payload %d bytes", p.Length) }

// PayloadCodec wraps the whole readable region as a Payload.
type PayloadCodec struct{}

func (PayloadCodec) Decode(buf *buffer.Buffer) (Header, *buffer.Buffer, error) {
	view, err := buf.SliceReadable()
	if err != nil {
		return nil, nil, err
	}
	return &Payload{Length: view.ReadableBytes()}, view, nil
}
