// Package defrag reassembles fragmented IPv4 datagrams.
package defrag

import (
	"container/list"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/codec"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/metrics"
)

// Limits from RFC 791.
const (
	ipv4MinFragSize    = 1
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8183
	ipv4MaxFragListLen = 8192
)

// Config contains configuration for IPv4 reassembly.
type Config struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxFragments    int           `mapstructure:"max_fragments" yaml:"max_fragments"`         // per datagram
	MaxDatagramSize int           `mapstructure:"max_datagram_size" yaml:"max_datagram_size"` // reassembled payload bytes
	// MaxFragsPerSecond limits fragments per source address; 0 disables it.
	MaxFragsPerSecond float64 `mapstructure:"max_frags_per_second" yaml:"max_frags_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// DefaultConfig returns the reassembly defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         60 * time.Second,
		MaxFragments:    100,
		MaxDatagramSize: ipv4MaxSize,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return core.Argumentf("defrag timeout must be positive, got %s", c.Timeout)
	case c.MaxFragments <= 0 || c.MaxFragments > ipv4MaxFragListLen:
		return core.Argumentf("defrag max fragments must be in [1, %d], got %d", ipv4MaxFragListLen, c.MaxFragments)
	case c.MaxDatagramSize <= 0 || c.MaxDatagramSize > ipv4MaxSize:
		return core.Argumentf("defrag max datagram size must be in [1, %d], got %d", ipv4MaxSize, c.MaxDatagramSize)
	case c.MaxFragsPerSecond < 0:
		return core.Argumentf("defrag rate must not be negative, got %v", c.MaxFragsPerSecond)
	}
	return nil
}

// flowKey identifies a fragmented datagram.
type flowKey struct {
	src, dst netip.Addr
	protocol uint8
	id       uint16
}

// fragment is one fragment's position and payload.
type fragment struct {
	offset  uint16 // bytes
	length  uint16
	payload []byte
}

// flow keeps fragments sorted by offset. On overlap the earlier data wins and
// the newcomer is trimmed (BSD-Right).
type flow struct {
	list          list.List // of *fragment
	highest       uint16    // max(offset + length)
	current       uint16    // unique bytes held
	finalReceived bool
	lastSeen      time.Time
	header        *codec.IPv4 // from the fragment at offset 0
}

type source struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Option func(*Reassembler)

func WithLogger(l log.Logger) Option {
	return func(r *Reassembler) { r.log = l }
}

// WithDecoder sets the decoder used for completed datagrams.
func WithDecoder(d *codec.Decoder) Option {
	return func(r *Reassembler) { r.decoder = d }
}

// WithAllocator sets where rebuilt frames are allocated.
func WithAllocator(a buffer.Allocator) Option {
	return func(r *Reassembler) { r.alloc = a }
}

// Reassembler collects IPv4 fragments until their datagram is complete.
// It is safe for concurrent use. Expired flows are dropped by Sweep.
type Reassembler struct {
	cfg     Config
	log     log.Logger
	decoder *codec.Decoder
	alloc   buffer.Allocator

	mu      sync.Mutex
	flows   map[flowKey]*flow
	sources map[netip.Addr]*source
}

// New creates a reassembler. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *Reassembler {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = def.MaxFragments
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = def.MaxDatagramSize
	}
	if cfg.MaxFragsPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.MaxFragsPerSecond))
	}
	r := &Reassembler{
		cfg:     cfg,
		flows:   make(map[flowKey]*flow),
		sources: make(map[netip.Addr]*source),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = log.OrDefault(r.log)
	if r.decoder == nil {
		r.decoder = codec.NewDefaultDecoder()
	}
	if r.alloc == nil {
		r.alloc = buffer.HeapAllocator{}
	}
	return r
}

// Len returns the number of datagrams awaiting fragments.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

func reject(reason, format string, args ...any) error {
	metrics.ReassemblyRejectedTotal.WithLabelValues(reason).Inc()
	return fmt.Errorf("%w: %s", core.ErrReassemblyLimit, fmt.Sprintf(format, args...))
}

// Process inspects the IPv4 layer of pkt, decoded from linkType and
// observed at now.
//   - not a fragment: (pkt, true, nil)
//   - fragment, datagram incomplete: (nil, false, nil)
//   - fragment completing a datagram: the rebuilt frame decoded at linkType, true
//   - limits exceeded: (nil, false, err) wrapping core.ErrReassemblyLimit
//
// When the rebuilt frame only decodes in part, the partial chain is returned
// with the decode error.
//
// Packets without an IPv4 layer are returned as complete.
func (r *Reassembler) Process(linkType uint32, pkt *codec.Packet, now time.Time) (*codec.Packet, bool, error) {
	ipLayer := pkt.Layer(codec.LayerTypeIPv4)
	if ipLayer == nil {
		return pkt, true, nil
	}
	ip := ipLayer.Header().(*codec.IPv4)
	if !ip.IsFragment() {
		return pkt, true, nil
	}

	data, err := ipLayer.PayloadBuffer().ReadableView()
	if err != nil {
		return nil, false, err
	}
	fragLen := uint16(len(data))
	if err := checkFragment(fragLen, ip.FragOffset); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allow(ip.Src, now) {
		return nil, false, reject("rate", "fragment rate exceeded for %s", ip.Src)
	}

	key := flowKey{src: ip.Src, dst: ip.Dst, protocol: ip.Protocol, id: ip.ID}
	fl, ok := r.flows[key]
	if !ok {
		fl = &flow{}
		r.flows[key] = fl
		metrics.ReassemblyActiveFragments.Inc()
	}
	if fl.list.Len() >= r.cfg.MaxFragments {
		r.evict(key)
		return nil, false, reject("count", "datagram %d from %s exceeded %d fragments", ip.ID, ip.Src, r.cfg.MaxFragments)
	}
	fl.lastSeen = now

	offset := ip.FragOffset * 8
	if !ip.MoreFragments() {
		fl.finalReceived = true
		if end := offset + fragLen; end > fl.highest {
			fl.highest = end
		}
	}
	if offset == 0 && fl.header == nil {
		h := *ip
		fl.header = &h
	}

	// the capture buffer may be reused, keep a copy
	payload := make([]byte, fragLen)
	copy(payload, data)
	fl.insert(&fragment{offset: offset, length: fragLen, payload: payload})

	if !fl.finalReceived || fl.current < fl.highest || fl.header == nil {
		return nil, false, nil
	}
	r.evict(key)
	if size := int(fl.highest); size > r.cfg.MaxDatagramSize || size+fl.header.HeaderLen() > ipv4MaxSize {
		return nil, false, reject("size", "reassembled size %d exceeds limit %d", size, r.cfg.MaxDatagramSize)
	}
	out, err := r.rebuild(linkType, pkt, ipLayer, fl)
	if out == nil {
		return nil, false, err
	}
	return out, true, err
}

func checkFragment(size, fragOffset uint16) error {
	if size < ipv4MinFragSize {
		return reject("size", "fragment too small: %d bytes", size)
	}
	if fragOffset > ipv4MaxFragOffset {
		return reject("offset", "fragment offset too large: %d", fragOffset)
	}
	if end := uint32(fragOffset)*8 + uint32(size); end > ipv4MaxSize {
		return reject("offset", "fragment would exceed max IP size: offset=%d size=%d", uint32(fragOffset)*8, size)
	}
	return nil
}

// allow applies the per-source rate limit. Callers hold r.mu.
func (r *Reassembler) allow(src netip.Addr, now time.Time) bool {
	if r.cfg.MaxFragsPerSecond <= 0 {
		return true
	}
	s, ok := r.sources[src]
	if !ok {
		s = &source{limiter: rate.NewLimiter(rate.Limit(r.cfg.MaxFragsPerSecond), r.cfg.Burst)}
		r.sources[src] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}

// insert adds frag in offset order, trimming it against its neighbours.
func (fl *flow) insert(frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	// first element with offset >= frag.offset
	var insertBefore *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			insertBefore = e
			break
		}
	}

	startAt := frag.offset
	var prev *list.Element
	if insertBefore != nil {
		prev = insertBefore.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if end := p.offset + p.length; end > startAt {
			startAt = end
		}
	}

	endAt := fragEnd
	if insertBefore != nil {
		if next := insertBefore.Value.(*fragment); next.offset < endAt {
			endAt = next.offset
		}
	}
	if startAt >= endAt {
		return // fully covered
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if insertBefore != nil {
		fl.list.InsertBefore(trimmed, insertBefore)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

// rebuild encodes the layers in front of the IPv4 header, an unfragmented
// copy of the first fragment's header and the joined payload, then decodes
// the result at linkType.
func (r *Reassembler) rebuild(linkType uint32, pkt, ipLayer *codec.Packet, fl *flow) (*codec.Packet, error) {
	data := make([]byte, fl.highest)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(data[f.offset:], f.payload)
	}

	ip := *fl.header
	ip.Flags &^= codec.IPv4MoreFragments
	ip.FragOffset = 0
	chain := codec.NewPacket(&ip, buffer.Wrap(data), nil)

	var outer []codec.Header
	for l := pkt; l != ipLayer; l = l.Payload() {
		outer = append(outer, l.Header())
	}
	for i := len(outer) - 1; i >= 0; i-- {
		chain = codec.NewPacket(outer[i], nil, chain)
	}

	buf, err := codec.Encode(chain, r.alloc, codec.EncodeOptions{FixLengths: true, ComputeChecksums: true})
	if err != nil {
		return nil, fmt.Errorf("rebuild datagram %d from %s: %w", ip.ID, ip.Src, err)
	}
	r.log.WithFields(map[string]interface{}{
		"src":       ip.Src.String(),
		"id":        ip.ID,
		"fragments": fl.list.Len(),
		"bytes":     len(data),
	}).Debug("ipv4 datagram reassembled")

	out, err := r.decoder.Decode(linkType, buf)
	if out == nil && err != nil {
		buf.Release()
	}
	return out, err
}

// evict removes a flow. Callers hold r.mu.
func (r *Reassembler) evict(key flowKey) {
	if _, ok := r.flows[key]; ok {
		delete(r.flows, key)
		metrics.ReassemblyActiveFragments.Dec()
	}
}

// Sweep drops datagrams that have not seen a fragment within the timeout and
// forgets idle rate limiters. It returns the number of datagrams dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, fl := range r.flows {
		if now.Sub(fl.lastSeen) > r.cfg.Timeout {
			r.evict(key)
			metrics.ReassemblyRejectedTotal.WithLabelValues("timeout").Inc()
			n++
		}
	}
	for addr, s := range r.sources {
		if now.Sub(s.lastSeen) > r.cfg.Timeout {
			delete(r.sources, addr)
		}
	}
	if n > 0 {
		r.log.WithField("expired", n).Debug("ipv4 reassembly sweep")
	}
	return n
}
