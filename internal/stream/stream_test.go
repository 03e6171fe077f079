package stream

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapkit/internal/buffer"
)

var testKey = Key{
	SrcAddr: netip.MustParseAddr("10.0.0.1"),
	SrcPort: 40000,
	DstAddr: netip.MustParseAddr("10.0.0.2"),
	DstPort: 80,
	Ack:     7,
}

func seg(seq uint32, payload string) Segment {
	return Segment{
		Sequence:     seq,
		Length:       len(payload),
		NextSequence: seq + uint32(len(payload)),
		Payload:      buffer.Wrap([]byte(payload)),
	}
}

func TestReassembleOrdersBySequence(t *testing.T) {
	s := NewStream(testKey, time.Now())
	s.Add(seg(100, "CC"))
	s.Add(seg(50, "AA"))
	s.Add(seg(150, "BB"))

	out, err := s.Reassemble(nil)
	require.NoError(t, err)
	assert.Equal(t, "AACCBB", string(out.Bytes()))
	assert.Equal(t, 0, out.ReaderIndex())
	assert.Equal(t, 6, out.WriterIndex())

	again, err := s.Reassemble(nil)
	require.NoError(t, err)
	assert.Equal(t, out.Bytes(), again.Bytes(), "reassembly does not consume the stream")
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 6, s.Bytes())
}

func TestReassembleAnyInsertionOrder(t *testing.T) {
	orders := [][]Segment{
		{seg(50, "AA"), seg(100, "BB"), seg(150, "CC")},
		{seg(150, "CC"), seg(100, "BB"), seg(50, "AA")},
		{seg(100, "BB"), seg(150, "CC"), seg(50, "AA")},
	}
	for _, order := range orders {
		s := NewStream(testKey, time.Now())
		for _, sg := range order {
			s.Add(sg)
		}
		out, err := s.Reassemble(nil)
		require.NoError(t, err)
		assert.Equal(t, "AABBCC", string(out.Bytes()))
	}
}

func TestReassembleKeepsDuplicates(t *testing.T) {
	s := NewStream(testKey, time.Now())
	s.Add(seg(10, "xy"))
	s.Add(seg(10, "XY"))
	s.Add(seg(12, "z"))
	out, err := s.Reassemble(nil)
	require.NoError(t, err)
	assert.Equal(t, "xyXYz", string(out.Bytes()), "equal sequences keep arrival order and are not deduplicated")
}

func TestReassembleEmpty(t *testing.T) {
	s := NewStream(testKey, time.Now())
	s.Add(Segment{Sequence: 1, NextSequence: 1})
	out, err := s.Reassemble(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ReadableBytes())
}

func TestReassembleIntoPool(t *testing.T) {
	pool, err := buffer.NewPool(buffer.PoolConfig{Name: "reassemble", PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 4})
	require.NoError(t, err)

	s := NewStream(testKey, time.Now())
	s.Add(seg(1, "abc"))
	out, err := s.Reassemble(pool)
	require.NoError(t, err)
	assert.Equal(t, buffer.Pooled, out.Kind())
	_, err = out.Release()
	require.NoError(t, err)

	s.Add(seg(4, "de"))
	_, err = s.Reassemble(pool)
	assert.Error(t, err, "five bytes do not fit a four byte pool entry")
	require.NoError(t, pool.Close())
}

func TestSegmentsAreACopy(t *testing.T) {
	s := NewStream(testKey, time.Now())
	s.Add(seg(1, "a"))
	got := s.Segments()
	got[0].Sequence = 99
	assert.Equal(t, uint32(1), s.Segments()[0].Sequence)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:40000 > 10.0.0.2:80 ack 7", testKey.String())
	v6 := Key{SrcAddr: netip.MustParseAddr("::1"), SrcPort: 1, DstAddr: netip.MustParseAddr("::2"), DstPort: 2}
	assert.Equal(t, "[::1]:1 > [::2]:2 ack 0", v6.String())
}
