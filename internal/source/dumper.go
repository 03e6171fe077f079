package source

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
)

// DefaultSnapLen is written to pcap headers when none is given.
const DefaultSnapLen = 262144

// Dumper appends frames to a pcap file. It is safe for concurrent use.
type Dumper struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	count  uint64
}

// CreateDumper creates path and writes the pcap file header.
func CreateDumper(path string, linkType uint32, snapLen uint32) (*Dumper, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file %s: %w", path, err)
	}
	d, err := NewDumper(f, linkType, snapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.closer = f
	return d, nil
}

// NewDumper writes a pcap file header to w.
func NewDumper(w io.Writer, linkType uint32, snapLen uint32) (*Dumper, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkType(linkType)); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Dumper{w: pw}, nil
}

// WriteFrame appends one frame.
func (d *Dumper) WriteFrame(info core.FrameInfo, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     info.Timestamp,
		CaptureLength: len(data),
		Length:        max(info.OriginalLength, len(data)),
	}
	if err := d.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	d.count++
	return nil
}

// WriteBuffer appends the readable bytes of buf.
func (d *Dumper) WriteBuffer(info core.FrameInfo, buf *buffer.Buffer) error {
	data, err := buf.ReadableView()
	if err != nil {
		return err
	}
	return d.WriteFrame(info, data)
}

// Count returns the number of frames written.
func (d *Dumper) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *Dumper) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}
