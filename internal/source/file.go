package source

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/log"
)

const FileType = "file"

// pcapng section header block type
const ngMagic = 0x0A0D0D0A

// FileOptions configure a capture file source.
type FileOptions struct {
	Path string `mapstructure:"path"`
	// Filter is a compiled classic BPF program, see ParseFilter.
	Filter string `mapstructure:"filter"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// FileSource reads pcap and pcapng files.
type FileSource struct {
	path     string
	f        *os.File
	r        packetReader
	linkType uint32
	filter   *Filter
	skipped  uint64
}

func newFileSource(options map[string]any) (Source, error) {
	var opts FileOptions
	if err := DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return OpenFile(opts)
}

// OpenFile opens a capture file, detecting pcap or pcapng from its magic.
func OpenFile(opts FileOptions) (*FileSource, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: file source needs a path", core.ErrConfigInvalid)
	}
	var filter *Filter
	if opts.Filter != "" {
		var err error
		if filter, err = CompileFilter(opts.Filter); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", opts.Path, err)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", opts.Path, err)
	}

	s := &FileSource{path: opts.Path, f: f, filter: filter}
	if binary.LittleEndian.Uint32(magic) == ngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read pcapng header of %s: %w", opts.Path, err)
		}
		s.r, s.linkType = ng, uint32(ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read pcap header of %s: %w", opts.Path, err)
		}
		s.r, s.linkType = pr, uint32(pr.LinkType())
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"path":      opts.Path,
		"link_type": s.linkType,
		"filtered":  filter != nil,
	}).Info("capture file opened")
	return s, nil
}

func (s *FileSource) LinkType() uint32 { return s.linkType }

// Skipped returns the number of frames rejected by the filter.
func (s *FileSource) Skipped() uint64 { return s.skipped }

func (s *FileSource) Next() ([]byte, core.FrameInfo, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, core.FrameInfo{}, io.EOF
			}
			return nil, core.FrameInfo{}, fmt.Errorf("failed to read packet from %s: %w", s.path, err)
		}
		if s.filter != nil {
			ok, err := s.filter.Match(data)
			if err != nil {
				return nil, core.FrameInfo{}, err
			}
			if !ok {
				s.skipped++
				continue
			}
		}
		return data, core.FrameInfo{
			CaptureLength:  ci.CaptureLength,
			OriginalLength: ci.Length,
			Timestamp:      ci.Timestamp,
			LinkType:       s.linkType,
		}, nil
	}
}

func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	log.GetLogger().WithField("path", s.path).Info("capture file closed")
	return err
}
