package codec

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

func decodeReference(t *testing.T) *Packet {
	t.Helper()
	pkt, err := NewDefaultDecoder().Decode(core.LinkTypeEthernet, buffer.Wrap(referenceBytes(t)))
	require.NoError(t, err)
	return pkt
}

func TestEncodeRoundTrip(t *testing.T) {
	out, err := Encode(decodeReference(t), nil, EncodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, referenceBytes(t), out.Bytes())
	assert.Equal(t, buffer.Heap, out.Kind())
}

func TestEncodeRecomputesChecksums(t *testing.T) {
	pkt := decodeReference(t)
	ip, _ := Find[*IPv4](pkt)
	tcp, _ := Find[*TCP](pkt)
	ip.Checksum, tcp.Checksum = 0, 0
	ip.TotalLen = 0

	out, err := Encode(pkt, nil, EncodeOptions{FixLengths: true, ComputeChecksums: true})
	require.NoError(t, err)
	assert.Equal(t, referenceBytes(t), out.Bytes())
	assert.Equal(t, uint16(0x36a7), ip.Checksum)
	assert.Equal(t, uint16(0x840a), tcp.Checksum)
	assert.Equal(t, uint16(40), ip.TotalLen)
}

func TestEncodeIntoPool(t *testing.T) {
	pool, err := buffer.NewPool(buffer.PoolConfig{Name: "encode", PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 128})
	require.NoError(t, err)
	defer pool.Close()

	out, err := Encode(decodeReference(t), pool, EncodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, buffer.Pooled, out.Kind())
	assert.Equal(t, referenceBytes(t), out.Bytes())
	released, err := out.Release()
	require.NoError(t, err)
	assert.True(t, released)
}

func TestEncodeLittleEndianPool(t *testing.T) {
	pool, err := buffer.NewPool(buffer.PoolConfig{Name: "encode-le", PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 128},
		buffer.WithOrder(binary.LittleEndian))
	require.NoError(t, err)
	defer pool.Close()

	out, err := Encode(decodeReference(t), pool, EncodeOptions{ComputeChecksums: true})
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, referenceBytes(t), out.Bytes(), "wire bytes do not depend on buffer order")
}

func TestEncodeHandBuiltUDP(t *testing.T) {
	payload := buffer.Wrap([]byte("ping"))
	udp := &UDP{SrcPort: 5353, DstPort: 53}
	ip := &IPv4{
		TTL:      64,
		Protocol: IPProtocolUDP,
		Flags:    IPv4DontFragment,
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr("10.0.0.2"),
	}
	eth := &Ethernet{EtherType: EtherTypeIPv4}
	pkt := NewPacket(eth, nil, NewPacket(ip, nil, NewPacket(udp, payload, nil)))

	out, err := Encode(pkt, nil, EncodeOptions{FixLengths: true, ComputeChecksums: true})
	require.NoError(t, err)
	assert.Equal(t, 14+20+8+4, out.ReadableBytes())
	assert.Equal(t, uint16(32), ip.TotalLen)
	assert.Equal(t, uint16(12), udp.Length)

	raw := out.Bytes()
	assert.Equal(t, uint16(0), Checksum(raw[14:34], 0), "a valid header sums to zero")
	assert.Equal(t, uint16(0), TransportChecksum(ip, IPProtocolUDP, raw[34:]))

	back, err := NewDefaultDecoder().Decode(core.LinkTypeEthernet, out)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(back.Innermost().PayloadBuffer().Bytes()))
}

func TestEncodeRejectsBadAddresses(t *testing.T) {
	pkt := NewPacket(&IPv4{Src: netip.MustParseAddr("::1"), Dst: netip.MustParseAddr("10.0.0.1")}, nil, nil)
	_, err := Encode(pkt, nil, EncodeOptions{})
	assert.ErrorIs(t, err, core.ErrArgument)

	_, err = Encode(nil, nil, EncodeOptions{})
	assert.ErrorIs(t, err, core.ErrArgument)
}

func TestEncodeEmptyPayload(t *testing.T) {
	out, err := Encode(NewPacket(&Payload{}, nil, nil), nil, EncodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ReadableBytes())
}

func TestIPv4UpdateChecksum(t *testing.T) {
	ip, _ := Find[*IPv4](decodeReference(t))
	ip.Checksum = 0xFFFF
	sum, err := ip.ComputeChecksum()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x36a7), sum)
	assert.Equal(t, uint16(0xFFFF), ip.Checksum, "ComputeChecksum leaves the header alone")

	require.NoError(t, ip.UpdateChecksum())
	assert.Equal(t, uint16(0x36a7), ip.Checksum)
}

func TestChecksumOddLength(t *testing.T) {
	// RFC 1071 example words 0001 f203 f4f5 f6f7 sum to ddf2
	assert.Equal(t, ^uint16(0xddf2), Checksum([]byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}, 0))
	assert.Equal(t, ^uint16(0x0100), Checksum([]byte{0x01}, 0))
}
