// Package engine is the boundary with the capture collaborator. Frames
// handed to OnFrame are decoded, defragmented, dispatched through the
// pipeline and followed into TCP streams; Encode turns a packet chain back
// into bytes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/codec"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/defrag"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/metrics"
	"firestige.xyz/pcapkit/internal/pipeline"
	"firestige.xyz/pcapkit/internal/source"
	"firestige.xyz/pcapkit/internal/stream"
)

const (
	defaultQueueSize = 256
	// at most this many frame warnings per second, the rest go to debug
	warnPerSecond = 10
)

// Config selects the processing stages.
type Config struct {
	Follower stream.Config `mapstructure:"follower" yaml:"follower"`
	Defrag   defrag.Config `mapstructure:"defrag" yaml:"defrag"`
	// QueueSize is the number of frames buffered between reading and processing.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// MaxFrames stops Run after this many frames; 0 reads the whole source.
	MaxFrames uint64 `mapstructure:"max_frames" yaml:"max_frames"`
}

// StreamHandler receives every reassembled stream, after it went through the
// pipeline. reason is one of the stream.Reason constants.
type StreamHandler func(key stream.Key, pkt *codec.Packet, reason string)

type Option func(*Engine)

// WithPipeline replaces the empty default pipeline.
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(e *Engine) { e.pipeline = p }
}

// WithPool makes Run copy frames into pooled buffers.
func WithPool(p *buffer.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithDumper writes every frame handed to OnFrame to d.
func WithDumper(d *source.Dumper) Option {
	return func(e *Engine) { e.dumper = d }
}

func WithStreamHandler(h StreamHandler) Option {
	return func(e *Engine) { e.onStream = h }
}

// Stats counts engine activity.
type Stats struct {
	Frames        uint64
	DecodeErrors  uint64
	FrameErrors   uint64
	Fragments     uint64
	Datagrams     uint64
	Streams       uint64
	PoolFallbacks uint64
}

// Engine wires the processing stages together. OnFrame is safe for
// concurrent use.
type Engine struct {
	cfg      Config
	log      log.Logger
	pipeline *pipeline.Pipeline
	follower *stream.Follower
	defrag   *defrag.Reassembler
	pool     *buffer.Pool
	dumper   *source.Dumper
	onStream StreamHandler
	warn     *rate.Limiter

	sweepMu       sync.Mutex
	sweepInterval time.Duration
	lastSweep     time.Time

	frames        atomic.Uint64
	decodeErrors  atomic.Uint64
	frameErrors   atomic.Uint64
	fragments     atomic.Uint64
	datagrams     atomic.Uint64
	streams       atomic.Uint64
	poolFallbacks atomic.Uint64
}

// New validates cfg and builds the enabled stages.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	e := &Engine{
		cfg:  cfg,
		warn: rate.NewLimiter(rate.Limit(warnPerSecond), warnPerSecond),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = log.OrDefault(e.log)
	if e.pipeline == nil {
		e.pipeline = pipeline.New(pipeline.Config{Logger: e.log})
	}
	decoder := e.pipeline.Decoder()

	e.sweepInterval = stream.DefaultConfig().SweepInterval
	if cfg.Defrag.Enabled {
		if err := cfg.Defrag.Validate(); err != nil {
			return nil, fmt.Errorf("defrag: %w", err)
		}
		e.defrag = defrag.New(cfg.Defrag, defrag.WithLogger(e.log), defrag.WithDecoder(decoder))
	}
	if cfg.Follower.Enabled {
		if err := cfg.Follower.Validate(); err != nil {
			return nil, fmt.Errorf("follower: %w", err)
		}
		e.follower = stream.NewFollower(cfg.Follower,
			stream.WithLogger(e.log),
			stream.WithDecoder(decoder),
			stream.WithEvictHandler(e.evicted))
		e.sweepInterval = cfg.Follower.SweepInterval
	}
	return e, nil
}

func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Follower returns nil unless stream following is enabled.
func (e *Engine) Follower() *stream.Follower { return e.follower }

// Reassembler returns nil unless defragmentation is enabled.
func (e *Engine) Reassembler() *defrag.Reassembler { return e.defrag }

func (e *Engine) Stats() Stats {
	return Stats{
		Frames:        e.frames.Load(),
		DecodeErrors:  e.decodeErrors.Load(),
		FrameErrors:   e.frameErrors.Load(),
		Fragments:     e.fragments.Load(),
		Datagrams:     e.datagrams.Load(),
		Streams:       e.streams.Load(),
		PoolFallbacks: e.poolFallbacks.Load(),
	}
}

// OnFrame processes one captured frame. buf stays owned by the caller; the
// follower retains what it keeps. Layers decoded before a failure are still
// dispatched and the decode error is returned afterwards. A handler error
// aborts the frame.
func (e *Engine) OnFrame(info core.FrameInfo, buf *buffer.Buffer) error {
	e.frames.Add(1)
	metrics.FramesTotal.Inc()
	e.maybeSweep(info.Timestamp)

	if e.dumper != nil {
		if err := e.dumper.WriteBuffer(info, buf); err != nil {
			return err
		}
	}

	pkt, decodeErr := e.pipeline.Decode(info.LinkType, buf)
	if decodeErr != nil {
		e.decodeErrors.Add(1)
	}
	if pkt == nil {
		return decodeErr
	}

	if e.defrag != nil && pkt.Layer(codec.LayerTypeIPv4) != nil {
		isFragment := pkt.Layer(codec.LayerTypeIPv4).Header().(*codec.IPv4).IsFragment()
		out, complete, err := e.defrag.Process(info.LinkType, pkt, info.Timestamp)
		if isFragment {
			e.fragments.Add(1)
		}
		if out == nil {
			return err
		}
		if !complete {
			return nil
		}
		if isFragment {
			e.datagrams.Add(1)
		}
		if err != nil {
			decodeErr = err
		}
		pkt = out
	}

	if err := e.pipeline.Dispatch(pkt); err != nil {
		return err
	}

	if e.follower != nil {
		key, isTCP := stream.KeyOf(pkt)
		out, reassembled, err := e.follower.ProcessAt(pkt, info.Timestamp)
		if reassembled && isTCP {
			if derr := e.deliver(key, out, flushReason(pkt)); derr != nil {
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
	return decodeErr
}

// flushReason names why a stream completed on pkt.
func flushReason(pkt *codec.Packet) string {
	tcpLayer := pkt.Layer(codec.LayerTypeTCP)
	if tcpLayer == nil {
		return stream.ReasonFIN
	}
	tcp := tcpLayer.Header().(*codec.TCP)
	switch {
	case tcp.SYN():
		return stream.ReasonSYN
	case tcp.RST():
		return stream.ReasonRST
	}
	return stream.ReasonFIN
}

func (e *Engine) deliver(key stream.Key, pkt *codec.Packet, reason string) error {
	e.streams.Add(1)
	if pkt == nil {
		return nil
	}
	if err := e.pipeline.Dispatch(pkt); err != nil {
		return fmt.Errorf("stream %s: %w", key, err)
	}
	if e.onStream != nil {
		e.onStream(key, pkt, reason)
	}
	return nil
}

// evicted runs with the follower locked.
func (e *Engine) evicted(key stream.Key, pkt *codec.Packet, reason string) {
	if err := e.deliver(key, pkt, reason); err != nil {
		e.frameErrors.Add(1)
		e.logFrameError(err)
	}
}

// maybeSweep expires idle streams and stale fragments, driven by capture
// time so that offline captures age the same way live ones do.
func (e *Engine) maybeSweep(now time.Time) {
	if e.follower == nil && e.defrag == nil {
		return
	}
	e.sweepMu.Lock()
	if e.lastSweep.IsZero() {
		e.lastSweep = now
	}
	due := now.Sub(e.lastSweep) >= e.sweepInterval
	if due {
		e.lastSweep = now
	}
	e.sweepMu.Unlock()
	if due {
		e.Sweep(now)
	}
}

// Sweep expires idle streams and fragments as of now.
func (e *Engine) Sweep(now time.Time) {
	var streams, flows int
	if e.follower != nil {
		streams = e.follower.Sweep(now)
	}
	if e.defrag != nil {
		flows = e.defrag.Sweep(now)
	}
	if streams+flows > 0 {
		e.log.WithFields(map[string]interface{}{
			"streams":   streams,
			"fragments": flows,
		}).Debug("expired idle state")
	}
}

// Encode serializes pkt into a heap buffer.
func (e *Engine) Encode(pkt *codec.Packet, opts codec.EncodeOptions) (*buffer.Buffer, error) {
	return codec.Encode(pkt, nil, opts)
}

// Close flushes open streams to the stream handler.
func (e *Engine) Close() {
	if e.follower != nil {
		e.follower.Close()
	}
}

type frame struct {
	info core.FrameInfo
	buf  *buffer.Buffer
}

// Run reads src until it is exhausted, MaxFrames is reached or ctx is
// cancelled. Frame errors are logged and counted; only source and context
// errors end the run. Open streams are flushed before Run returns.
func (e *Engine) Run(ctx context.Context, src source.Source) error {
	frames := make(chan frame, e.cfg.QueueSize)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frames)
		var n uint64
		for e.cfg.MaxFrames == 0 || n < e.cfg.MaxFrames {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, info, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			n++
			buf, err := e.copyFrame(data)
			if err != nil {
				return err
			}
			select {
			case frames <- frame{info: info, buf: buf}:
			case <-ctx.Done():
				e.release(buf)
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for f := range frames {
			if ctx.Err() == nil {
				if err := e.OnFrame(f.info, f.buf); err != nil {
					e.frameErrors.Add(1)
					e.logFrameError(err)
				}
			}
			e.release(f.buf)
		}
		return nil
	})

	err := g.Wait()
	e.Close()
	e.log.WithFields(map[string]interface{}{
		"frames":        e.frames.Load(),
		"frame_errors":  e.frameErrors.Load(),
		"streams":       e.streams.Load(),
		"datagrams":     e.datagrams.Load(),
		"pool_fallback": e.poolFallbacks.Load(),
	}).Info("capture finished")
	return err
}

// copyFrame moves data out of the source's reusable buffer, into the pool
// when it has room and onto the heap otherwise.
func (e *Engine) copyFrame(data []byte) (*buffer.Buffer, error) {
	if e.pool != nil {
		buf, err := buffer.CopyOf(e.pool, data)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, core.ErrResourceExhausted) && !errors.Is(err, core.ErrArgument) {
			return nil, err
		}
		e.poolFallbacks.Add(1)
		if e.warn.Allow() {
			e.log.WithError(err).Warn("frame copied to heap")
		}
	}
	return buffer.CopyOf(buffer.HeapAllocator{}, data)
}

func (e *Engine) release(buf *buffer.Buffer) {
	if _, err := buf.Release(); err != nil {
		e.log.WithError(err).Warn("frame buffer release failed")
	}
}

func (e *Engine) logFrameError(err error) {
	if e.warn.Allow() {
		e.log.WithError(err).Warn("frame processing failed")
		return
	}
	if e.log.IsDebugEnabled() {
		e.log.WithError(err).Debug("frame processing failed")
	}
}
