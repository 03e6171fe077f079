package source

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapkit/internal/core"
)

func ethernetFrame(etherType uint16, fill byte) []byte {
	frame := make([]byte, 60)
	frame[12], frame[13] = byte(etherType>>8), byte(etherType)
	for i := 14; i < len(frame); i++ {
		frame[i] = fill
	}
	return frame
}

func writePcap(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	d, err := CreateDumper(path, core.LinkTypeEthernet, 0)
	require.NoError(t, err)
	start := time.Unix(1700000000, 0).UTC()
	for i, f := range frames {
		info := core.FrameInfo{Timestamp: start.Add(time.Duration(i) * time.Millisecond), OriginalLength: len(f)}
		require.NoError(t, d.WriteFrame(info, f))
	}
	assert.Equal(t, uint64(len(frames)), d.Count())
	require.NoError(t, d.Close())
	return path
}

func drain(t *testing.T, src Source) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		data, info, err := src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		assert.Equal(t, len(data), info.CaptureLength)
		out = append(out, bytes.Clone(data))
	}
}

func TestOpenPcapFile(t *testing.T) {
	frames := [][]byte{ethernetFrame(0x0800, 1), ethernetFrame(0x86dd, 2)}
	path := writePcap(t, frames...)

	src, err := Open(Config{Type: FileType, Options: map[string]any{"path": path}})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, core.LinkTypeEthernet, src.LinkType())
	assert.Equal(t, frames, drain(t, src))

	_, _, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenPcapFileTimestamps(t *testing.T) {
	path := writePcap(t, ethernetFrame(0x0800, 1), ethernetFrame(0x0800, 2))
	src, err := OpenFile(FileOptions{Path: path})
	require.NoError(t, err)
	defer src.Close()

	_, first, err := src.Next()
	require.NoError(t, err)
	_, second, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, second.Timestamp.Sub(first.Timestamp))
	assert.Equal(t, core.LinkTypeEthernet, first.LinkType)
	assert.False(t, first.Truncated())
}

func TestOpenPcapngFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	frame := ethernetFrame(0x0800, 7)
	ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(frame), Length: len(frame)}
	require.NoError(t, w.WritePacket(ci, frame))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	src, err := Open(Config{Type: "file", Options: map[string]any{"path": path}})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, core.LinkTypeEthernet, src.LinkType())
	assert.Equal(t, [][]byte{frame}, drain(t, src))
}

func TestOpenFileWithFilter(t *testing.T) {
	path := writePcap(t,
		ethernetFrame(0x0800, 1),
		ethernetFrame(0x0806, 2),
		ethernetFrame(0x0800, 3),
	)
	src, err := OpenFile(FileOptions{Path: path, Filter: ipFilter})
	require.NoError(t, err)
	defer src.Close()

	got := drain(t, src)
	require.Len(t, got, 2)
	assert.Equal(t, byte(1), got[0][14])
	assert.Equal(t, byte(3), got[1][14])
	assert.Equal(t, uint64(1), src.Skipped())
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(Config{Type: "afpacket"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = Open(Config{Type: FileType, Options: map[string]any{"path": "x.pcap", "snaplen": 65535}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = Open(Config{Type: FileType})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = OpenFile(FileOptions{Path: filepath.Join(t.TempDir(), "missing.pcap")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture file"), 0o644))
	_, err := OpenFile(FileOptions{Path: path})
	assert.Error(t, err)
}

func TestRegisterCustomSource(t *testing.T) {
	Register("memory-test", func(options map[string]any) (Source, error) {
		var opts struct {
			LinkType uint32 `mapstructure:"link_type"`
		}
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewMemory(opts.LinkType, time.Time{}, []byte{1}), nil
	})
	assert.Contains(t, Types(), "memory-test")
	assert.Contains(t, Types(), FileType)

	src, err := Open(Config{Type: "memory-test", Options: map[string]any{"link_type": "148"}})
	require.NoError(t, err)
	assert.Equal(t, uint32(148), src.LinkType())
}

func TestMemorySource(t *testing.T) {
	start := time.Unix(10, 0)
	src := NewMemory(core.LinkTypeEthernet, start, []byte{1, 2}, []byte{3})

	data, info, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)
	assert.Equal(t, start, info.Timestamp)

	_, info, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Microsecond), info.Timestamp)
	assert.Equal(t, 1, info.OriginalLength)

	_, _, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestDumperRecordsOriginalLength(t *testing.T) {
	var out bytes.Buffer
	d, err := NewDumper(&out, core.LinkTypeEthernet, 64)
	require.NoError(t, err)
	frame := ethernetFrame(0x0800, 9)
	require.NoError(t, d.WriteFrame(core.FrameInfo{Timestamp: time.Unix(5, 0), OriginalLength: 1500}, frame))
	require.NoError(t, d.Close())

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), r.Snaplen())
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frame, data)
	assert.Equal(t, 1500, ci.Length)
}
