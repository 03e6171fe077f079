package stream

import (
	"container/list"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/codec"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/metrics"
)

// Flush reasons, also used as the metric label.
const (
	ReasonFIN      = "fin"
	ReasonRST      = "rst"
	ReasonSYN      = "syn"
	ReasonIdle     = "idle"
	ReasonOverflow = "overflow"
	ReasonClose    = "close"
)

// Config bounds the connection table.
type Config struct {
	// Enabled is read by the engine; a Follower always follows.
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxStreams    int           `mapstructure:"max_streams" yaml:"max_streams"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// LinkType is the discriminant reassembled payloads are decoded with.
	LinkType uint32 `mapstructure:"link_type" yaml:"link_type"`
}

// DefaultConfig returns the follower defaults.
func DefaultConfig() Config {
	return Config{
		MaxStreams:    65536,
		IdleTimeout:   2 * time.Minute,
		SweepInterval: 10 * time.Second,
		LinkType:      core.LinkTypeStream,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxStreams <= 0:
		return core.Argumentf("max streams must be positive, got %d", c.MaxStreams)
	case c.IdleTimeout <= 0:
		return core.Argumentf("idle timeout must be positive, got %s", c.IdleTimeout)
	case c.SweepInterval <= 0:
		return core.Argumentf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}

// EvictHandler receives streams flushed outside of Process: by Sweep, by LRU
// overflow or by Close. pkt is the decoded reassembly; it is nil when the
// reassembly could not be built. It runs with the follower locked and must
// not call back into it.
type EvictHandler func(key Key, pkt *codec.Packet, reason string)

type Option func(*Follower)

// WithDecoder sets the decoder for reassembled payloads.
func WithDecoder(d *codec.Decoder) Option {
	return func(f *Follower) { f.decoder = d }
}

// WithAllocator sets where reassembled buffers are allocated.
func WithAllocator(a buffer.Allocator) Option {
	return func(f *Follower) { f.alloc = a }
}

func WithLogger(l log.Logger) Option {
	return func(f *Follower) { f.log = l }
}

func WithEvictHandler(h EvictHandler) Option {
	return func(f *Follower) { f.onEvict = h }
}

// WithClock replaces time.Now for Process.
func WithClock(now func() time.Time) Option {
	return func(f *Follower) { f.now = now }
}

type tracked struct {
	stream *Stream
	elem   *list.Element
}

// Follower maps connection keys to open streams. Entries leave the table on
// FIN, RST or a SYN for a key that is still open, and otherwise by idle
// timeout or least-recently-used eviction once MaxStreams is reached.
// It is safe for concurrent use.
type Follower struct {
	cfg     Config
	decoder *codec.Decoder
	alloc   buffer.Allocator
	log     log.Logger
	onEvict EvictHandler
	now     func() time.Time

	mu      sync.Mutex
	streams map[Key]*tracked
	lru     list.List // of Key, most recently used at the front
	next    uint64
}

// NewFollower creates a follower. Zero fields of cfg take their defaults.
func NewFollower(cfg Config, opts ...Option) *Follower {
	def := DefaultConfig()
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = def.MaxStreams
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LinkType == 0 {
		cfg.LinkType = def.LinkType
	}
	f := &Follower{
		cfg:     cfg,
		streams: make(map[Key]*tracked),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.decoder == nil {
		f.decoder = codec.NewDefaultDecoder()
	}
	if f.alloc == nil {
		f.alloc = buffer.HeapAllocator{}
	}
	f.log = log.OrDefault(f.log)
	return f
}

func (f *Follower) Config() Config { return f.cfg }

// Len returns the number of open streams.
func (f *Follower) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// Stream returns the open stream for key.
func (f *Follower) Stream(key Key) (*Stream, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.streams[key]
	if !ok {
		return nil, false
	}
	return t.stream, true
}

// Process is ProcessAt with the follower's clock.
func (f *Follower) Process(pkt *codec.Packet) (*codec.Packet, bool, error) {
	return f.ProcessAt(pkt, f.now())
}

// ProcessAt feeds one decoded packet observed at now. Packets without an IP
// layer directly followed by TCP pass through unchanged. When the segment
// completes a stream the reassembled payload is returned, decoded at the
// configured link type, with reassembled set; otherwise pkt itself is
// returned.
func (f *Follower) ProcessAt(pkt *codec.Packet, now time.Time) (out *codec.Packet, reassembled bool, err error) {
	key, tcpLayer, ok := keyOf(pkt)
	if !ok {
		return pkt, false, nil
	}
	tcp := tcpLayer.Header().(*codec.TCP)

	f.mu.Lock()
	defer f.mu.Unlock()

	// a SYN on a live key ends the stale stream and is not recorded
	if tcp.SYN() {
		if t, exists := f.streams[key]; exists {
			f.remove(key, t)
			return f.complete(pkt, t.stream, ReasonSYN)
		}
	}

	seg, err := f.segment(tcp, tcpLayer.PayloadBuffer())
	if err != nil {
		return pkt, false, err
	}

	t, exists := f.streams[key]
	if !exists {
		if len(f.streams) >= f.cfg.MaxStreams {
			f.evictOldest()
		}
		t = &tracked{stream: NewStream(key, now)}
		t.elem = f.lru.PushFront(key)
		f.streams[key] = t
		metrics.StreamsActive.Inc()
	} else {
		f.lru.MoveToFront(t.elem)
	}
	t.stream.Add(seg)
	t.stream.touch(now)

	if !tcp.FIN() && !tcp.RST() {
		return pkt, false, nil
	}
	f.remove(key, t)
	reason := ReasonFIN
	if tcp.RST() {
		reason = ReasonRST
	}
	return f.complete(pkt, t.stream, reason)
}

// complete reassembles a stream already removed from the table.
func (f *Follower) complete(pkt *codec.Packet, s *Stream, reason string) (*codec.Packet, bool, error) {
	out, err := f.flush(s, reason)
	if out == nil && err != nil {
		return pkt, false, err
	}
	return out, true, err
}

// KeyOf returns the stream key of a decoded TCP packet.
func KeyOf(pkt *codec.Packet) (Key, bool) {
	key, _, ok := keyOf(pkt)
	return key, ok
}

// keyOf finds an IPv4 or IPv6 layer whose payload decoded as TCP.
func keyOf(pkt *codec.Packet) (Key, *codec.Packet, bool) {
	for l := pkt; l != nil && l.Payload() != nil; l = l.Payload() {
		tcpLayer := l.Payload()
		tcp, ok := tcpLayer.Header().(*codec.TCP)
		if !ok {
			continue
		}
		var src, dst netip.Addr
		switch ip := l.Header().(type) {
		case *codec.IPv4:
			src, dst = ip.Src, ip.Dst
		case *codec.IPv6:
			src, dst = ip.Src, ip.Dst
		default:
			continue
		}
		return Key{SrcAddr: src, SrcPort: tcp.SrcPort, DstAddr: dst, DstPort: tcp.DstPort, Ack: tcp.Ack}, tcpLayer, true
	}
	return Key{}, nil, false
}

// segment records tcp with a payload reference that outlives the capture
// buffer: pooled storage is retained, borrowed storage is copied and heap
// storage is shared.
func (f *Follower) segment(tcp *codec.TCP, payload *buffer.Buffer) (Segment, error) {
	f.next++
	seg := Segment{
		Index:    f.next - 1,
		Sequence: tcp.Seq,
		Flags:    tcp.Flags,
	}
	if payload != nil && payload.ReadableBytes() > 0 {
		seg.Length = payload.ReadableBytes()
		switch payload.Storage() {
		case buffer.Pooled:
			if err := payload.Retain(); err != nil {
				return Segment{}, err
			}
			seg.Payload = payload
		case buffer.Direct:
			c, err := payload.CopyReadable()
			if err != nil {
				return Segment{}, err
			}
			seg.Payload = c
		default:
			seg.Payload = payload
		}
	}
	seg.NextSequence = seg.Sequence + uint32(seg.Length)
	return seg, nil
}

func (f *Follower) remove(key Key, t *tracked) {
	delete(f.streams, key)
	f.lru.Remove(t.elem)
	metrics.StreamsActive.Dec()
}

// flush reassembles s, drops its payload references and decodes the result.
func (f *Follower) flush(s *Stream, reason string) (*codec.Packet, error) {
	metrics.StreamsFlushedTotal.WithLabelValues(reason).Inc()
	buf, err := s.Reassemble(f.alloc)
	if relErr := s.release(); relErr != nil {
		f.log.WithError(relErr).Warn("stream payload release failed")
	}
	if err != nil {
		return nil, err
	}
	f.log.WithFields(map[string]interface{}{
		"stream":   s.Key().String(),
		"segments": s.Len(),
		"bytes":    buf.ReadableBytes(),
		"reason":   reason,
	}).Debug("stream reassembled")

	pkt, err := f.decoder.Decode(f.cfg.LinkType, buf)
	if err != nil {
		err = fmt.Errorf("decode reassembled stream %s: %w", s.Key(), err)
	}
	return pkt, err
}

// evict flushes s to the evict handler. Callers hold f.mu.
func (f *Follower) evict(s *Stream, reason string) {
	if f.onEvict == nil {
		metrics.StreamsFlushedTotal.WithLabelValues(reason).Inc()
		if err := s.release(); err != nil {
			f.log.WithError(err).Warn("stream payload release failed")
		}
		return
	}
	pkt, err := f.flush(s, reason)
	if err != nil {
		f.log.WithError(err).WithField("stream", s.Key().String()).Warn("evicted stream could not be reassembled")
	}
	f.onEvict(s.Key(), pkt, reason)
}

func (f *Follower) evictOldest() {
	back := f.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(Key)
	t := f.streams[key]
	f.remove(key, t)
	f.evict(t.stream, ReasonOverflow)
}

// Sweep flushes every stream idle for longer than the idle timeout at now
// and returns how many were flushed.
func (f *Follower) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	// the back of the list is the least recently used
	for e := f.lru.Back(); e != nil; {
		prev := e.Prev()
		key := e.Value.(Key)
		t := f.streams[key]
		if now.Sub(t.stream.LastSeen()) > f.cfg.IdleTimeout {
			f.remove(key, t)
			f.evict(t.stream, ReasonIdle)
			n++
		}
		e = prev
	}
	return n
}

// Close flushes every open stream to the evict handler.
func (f *Follower) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for e := f.lru.Back(); e != nil; {
		prev := e.Prev()
		key := e.Value.(Key)
		t := f.streams[key]
		f.remove(key, t)
		f.evict(t.stream, ReasonClose)
		e = prev
	}
}
