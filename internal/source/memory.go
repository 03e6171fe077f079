package source

import (
	"io"
	"time"

	"firestige.xyz/pcapkit/internal/core"
)

// MemorySource replays frames held in memory, one microsecond apart from
// Start.
type MemorySource struct {
	linkType uint32
	frames   [][]byte
	start    time.Time
	next     int
}

// NewMemory returns a source over frames.
func NewMemory(linkType uint32, start time.Time, frames ...[]byte) *MemorySource {
	return &MemorySource{linkType: linkType, frames: frames, start: start}
}

func (m *MemorySource) LinkType() uint32 { return m.linkType }

func (m *MemorySource) Next() ([]byte, core.FrameInfo, error) {
	if m.next >= len(m.frames) {
		return nil, core.FrameInfo{}, io.EOF
	}
	data := m.frames[m.next]
	info := core.FrameInfo{
		CaptureLength:  len(data),
		OriginalLength: len(data),
		Timestamp:      m.start.Add(time.Duration(m.next) * time.Microsecond),
		LinkType:       m.linkType,
	}
	m.next++
	return data, info, nil
}

func (m *MemorySource) Close() error { return nil }
