package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/metrics"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Name              string `mapstructure:"name" yaml:"name"`
	PoolSize          int    `mapstructure:"pool_size" yaml:"pool_size"`                     // entries allocated up front
	MaxPoolSize       int    `mapstructure:"max_pool_size" yaml:"max_pool_size"`             // hard limit on entries
	MaxBufferCapacity int    `mapstructure:"max_buffer_capacity" yaml:"max_buffer_capacity"` // bytes per entry
	Zeroing           bool   `mapstructure:"zeroing" yaml:"zeroing"`                         // clear memory on return
	LeakDetection     bool   `mapstructure:"leak_detection" yaml:"leak_detection"`
}

// Validate reports the first invalid field.
func (c PoolConfig) Validate() error {
	switch {
	case c.PoolSize < 0:
		return core.Argumentf("pool size must not be negative, got %d", c.PoolSize)
	case c.MaxPoolSize <= 0:
		return core.Argumentf("max pool size must be positive, got %d", c.MaxPoolSize)
	case c.PoolSize > c.MaxPoolSize:
		return core.Argumentf("pool size %d exceeds max pool size %d", c.PoolSize, c.MaxPoolSize)
	case c.MaxBufferCapacity <= 0:
		return core.Argumentf("max buffer capacity must be positive, got %d", c.MaxBufferCapacity)
	}
	return nil
}

// entry is one fixed-size block of pool memory. state packs a generation in
// the high 32 bits and the reference count in the low 32 bits so that a stale
// handle can never touch a later borrower's count.
type entry struct {
	id          int
	mem         []byte
	state       atomic.Uint64
	quarantined bool // guarded by Pool.mu
}

func pack(gen, cnt uint32) uint64        { return uint64(gen)<<32 | uint64(cnt) }
func unpack(s uint64) (gen, cnt uint32) { return uint32(s >> 32), uint32(s) }

// acquire moves a free entry to refCnt 1 and returns its generation.
func (e *entry) acquire() (uint32, uint32, bool) {
	for {
		s := e.state.Load()
		gen, cnt := unpack(s)
		if cnt != 0 {
			return gen, cnt, false
		}
		if e.state.CompareAndSwap(s, pack(gen, 1)) {
			return gen, 1, true
		}
	}
}

// handle is the owner shared by a pooled buffer and all of its views.
type handle struct {
	pool    *Pool
	e       *entry
	gen     uint32
	tracked bool
	cleanup runtime.Cleanup
}

func (h *handle) refCnt() int {
	gen, cnt := unpack(h.e.state.Load())
	if gen != h.gen {
		return 0
	}
	return int(cnt)
}

func (h *handle) checkLive() error {
	if h.refCnt() == 0 {
		return core.Lifecyclef("buffer used after release")
	}
	return nil
}

func (h *handle) retain() error {
	for {
		s := h.e.state.Load()
		gen, cnt := unpack(s)
		if gen != h.gen || cnt == 0 {
			return core.Lifecyclef("retain of a released buffer")
		}
		if h.e.state.CompareAndSwap(s, pack(gen, cnt+1)) {
			return nil
		}
	}
}

func (h *handle) release() (bool, error) {
	for {
		s := h.e.state.Load()
		gen, cnt := unpack(s)
		if gen != h.gen || cnt == 0 {
			return false, core.Lifecyclef("buffer already released")
		}
		if cnt > 1 {
			if h.e.state.CompareAndSwap(s, pack(gen, cnt-1)) {
				return false, nil
			}
			continue
		}
		if h.e.state.CompareAndSwap(s, pack(gen+1, 0)) {
			if h.tracked {
				h.cleanup.Stop()
			}
			metrics.PoolBuffersInUse.WithLabelValues(h.pool.cfg.Name).Dec()
			return true, h.pool.offer(h.e)
		}
	}
}

// LeakError describes a pooled buffer that was never released.
type LeakError struct {
	Pool   string
	Entry  int
	RefCnt int
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("pcapkit: pool %s: buffer %d leaked with reference count %d", e.Pool, e.Entry, e.RefCnt)
}

func (e *LeakError) Unwrap() error { return core.ErrLifecycle }

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger used for leak and exhaustion reports.
func WithLogger(l log.Logger) PoolOption {
	return func(p *Pool) { p.logger = log.OrDefault(l) }
}

// WithLeakHandler is called, from the garbage collector's cleanup goroutine,
// for every buffer reclaimed while still referenced.
func WithLeakHandler(fn func(*LeakError)) PoolOption {
	return func(p *Pool) { p.onLeak = fn }
}

// WithOrder sets the byte order of allocated buffers.
func WithOrder(order binary.ByteOrder) PoolOption {
	return func(p *Pool) { p.order = order }
}

// Pool hands out fixed-capacity, reference-counted buffers. Allocation and
// release are safe for concurrent use.
type Pool struct {
	cfg    PoolConfig
	order  binary.ByteOrder
	logger log.Logger
	onLeak func(*LeakError)

	mu          sync.Mutex
	free        *queue.Queue
	entries     []*entry
	quarantined int
	closed      bool

	exhausted atomic.Uint64
	leaks     atomic.Uint64
}

// NewPool validates cfg and preallocates cfg.PoolSize entries.
func NewPool(cfg PoolConfig, opts ...PoolOption) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	p := &Pool{
		cfg:    cfg,
		order:  binary.BigEndian,
		logger: log.GetLogger(),
		free:   queue.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < cfg.PoolSize; i++ {
		p.free.Add(p.newEntry())
	}
	return p, nil
}

// must hold p.mu
func (p *Pool) newEntry() *entry {
	e := &entry{id: len(p.entries), mem: make([]byte, p.cfg.MaxBufferCapacity)}
	p.entries = append(p.entries, e)
	return e
}

// Config returns the validated configuration.
func (p *Pool) Config() PoolConfig { return p.cfg }

// Allocate borrows an entry and exposes its first capacity bytes. The buffer
// may grow in place up to maxCapacity, which must not exceed MaxBufferCapacity.
func (p *Pool) Allocate(capacity, maxCapacity int) (*Buffer, error) {
	if err := validateCapacity(capacity, maxCapacity, p.cfg.MaxBufferCapacity); err != nil {
		return nil, err
	}
	e, gen, err := p.borrow()
	if err != nil {
		return nil, err
	}

	b := newBuffer(Pooled, e.mem[:capacity:maxCapacity], maxCapacity, p.order)
	h := &handle{pool: p, e: e, gen: gen}
	if p.cfg.LeakDetection {
		h.tracked = true
		h.cleanup = runtime.AddCleanup(h, p.reclaim, leakProbe{e: e, gen: gen})
	}
	b.h = h
	metrics.PoolBuffersInUse.WithLabelValues(p.cfg.Name).Inc()
	return b, nil
}

func (p *Pool) borrow() (*entry, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, 0, core.Lifecyclef("pool %s is closed", p.cfg.Name)
	}

	if p.free.Length() > 0 {
		e := p.free.Remove().(*entry)
		gen, cnt, ok := e.acquire()
		if !ok {
			// the slot no longer counts against MaxPoolSize
			e.quarantined = true
			p.quarantined++
			metrics.PoolAllocationsTotal.WithLabelValues(p.cfg.Name, "inconsistent").Inc()
			p.logger.WithField("pool", p.cfg.Name).Warnf("quarantined free buffer %d with reference count %d", e.id, cnt)
			return nil, 0, core.Lifecyclef("pool %s: free buffer %d has reference count %d, want 0",
				p.cfg.Name, e.id, cnt)
		}
		metrics.PoolAllocationsTotal.WithLabelValues(p.cfg.Name, "reused").Inc()
		return e, gen, nil
	}

	if len(p.entries)-p.quarantined >= p.cfg.MaxPoolSize {
		p.exhausted.Add(1)
		metrics.PoolAllocationsTotal.WithLabelValues(p.cfg.Name, "exhausted").Inc()
		if p.logger.IsDebugEnabled() {
			p.logger.WithField("pool", p.cfg.Name).Debugf("pool exhausted at %d buffers", p.cfg.MaxPoolSize)
		}
		return nil, 0, fmt.Errorf("%w: pool %s reached max pool size %d",
			core.ErrResourceExhausted, p.cfg.Name, p.cfg.MaxPoolSize)
	}

	e := p.newEntry()
	gen, _, _ := e.acquire()
	metrics.PoolAllocationsTotal.WithLabelValues(p.cfg.Name, "grown").Inc()
	return e, gen, nil
}

// Offer returns b to the pool. b must belong to this pool and hold the only
// remaining reference.
func (p *Pool) Offer(b *Buffer) error {
	if b.h == nil || b.h.pool != p {
		return core.Argumentf("offer: buffer does not belong to pool %s", p.cfg.Name)
	}
	if n := b.h.refCnt(); n != 1 {
		return core.Lifecyclef("offer: buffer has reference count %d, want 1", n)
	}
	_, err := b.h.release()
	return err
}

// offer puts a fully released entry back on the free list.
func (p *Pool) offer(e *entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.quarantined {
		return nil
	}
	if p.cfg.Zeroing {
		clear(e.mem)
	}
	if p.free.Length() >= p.cfg.MaxPoolSize {
		return fmt.Errorf("%w: pool %s is full", core.ErrResourceExhausted, p.cfg.Name)
	}
	p.free.Add(e)
	return nil
}

type leakProbe struct {
	e   *entry
	gen uint32
}

// reclaim runs after every view of a tracked buffer became unreachable. If the
// buffer was never released it is reported as a leak and returned to the pool.
func (p *Pool) reclaim(probe leakProbe) {
	for {
		s := probe.e.state.Load()
		gen, cnt := unpack(s)
		if gen != probe.gen || cnt == 0 {
			return
		}
		if !probe.e.state.CompareAndSwap(s, pack(gen+1, 0)) {
			continue
		}
		leak := &LeakError{Pool: p.cfg.Name, Entry: probe.e.id, RefCnt: int(cnt)}
		p.leaks.Add(1)
		metrics.PoolLeaksTotal.WithLabelValues(p.cfg.Name).Inc()
		metrics.PoolBuffersInUse.WithLabelValues(p.cfg.Name).Dec()
		p.logger.WithError(leak).Error("pooled buffer reclaimed by the garbage collector without release")
		if p.onLeak != nil {
			p.onLeak(leak)
		}
		if err := p.offer(probe.e); err != nil {
			p.logger.WithError(err).Warn("leaked buffer not returned to pool")
		}
		return
	}
}

// Check reports every buffer that is still borrowed.
func (p *Pool) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, e := range p.entries {
		if e.quarantined {
			continue
		}
		if _, cnt := unpack(e.state.Load()); cnt > 0 {
			errs = append(errs, &LeakError{Pool: p.cfg.Name, Entry: e.id, RefCnt: int(cnt)})
		}
	}
	return errors.Join(errs...)
}

// Close stops further allocation and reports unreleased buffers.
func (p *Pool) Close() error {
	err := p.Check()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if err != nil {
		p.logger.WithField("pool", p.cfg.Name).WithError(err).Warn("pool closed with unreleased buffers")
	}
	return err
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Entries     int // excludes quarantined entries
	Free        int
	InUse       int
	Quarantined int
	Exhausted   uint64
	Leaks       uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Entries:     len(p.entries) - p.quarantined,
		Free:        p.free.Length(),
		Quarantined: p.quarantined,
		Exhausted:   p.exhausted.Load(),
		Leaks:       p.leaks.Load(),
	}
	for _, e := range p.entries {
		if e.quarantined {
			continue
		}
		if _, cnt := unpack(e.state.Load()); cnt > 0 {
			st.InUse++
		}
	}
	return st
}
