// Package pipeline dispatches decoded packet chains to handlers bound by
// layer type.
package pipeline

import (
	"fmt"
	"reflect"
	"sync"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/codec"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/metrics"
)

// Pipeline is an ordered list of handlers. Binding changes are safe to make
// concurrently with dispatch; a dispatch sees the handler list as it was when
// the dispatch began.
type Pipeline struct {
	decoder *codec.Decoder
	log     log.Logger
	metrics *Metrics

	mu       sync.RWMutex
	handlers []Handler
}

// Config contains pipeline configuration.
type Config struct {
	// Decoder used by Start; nil means codec.NewDefaultDecoder().
	Decoder *codec.Decoder
	Logger  log.Logger
}

// New creates an empty pipeline.
func New(cfg Config) *Pipeline {
	d := cfg.Decoder
	if d == nil {
		d = codec.NewDefaultDecoder()
	}
	return &Pipeline{
		decoder: d,
		log:     log.OrDefault(cfg.Logger),
		metrics: &Metrics{},
	}
}

func (p *Pipeline) Decoder() *codec.Decoder { return p.decoder }

// AddFirst binds h in front of every other handler.
func (p *Pipeline) AddFirst(h Handler) error {
	return p.add(h, true)
}

// AddLast binds h after every other handler.
func (p *Pipeline) AddLast(h Handler) error {
	return p.add(h, false)
}

func (p *Pipeline) add(h Handler, first bool) error {
	if h == nil {
		return core.Argumentf("pipeline: nil handler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !isSharable(h) && p.contains(h) {
		return fmt.Errorf("%w: %T is not sharable and is already bound", core.ErrPipelineConfig, h)
	}
	if first {
		p.handlers = append([]Handler{h}, p.handlers...)
	} else {
		p.handlers = append(p.handlers, h)
	}
	return nil
}

// contains reports whether the same handler instance is already bound.
func (p *Pipeline) contains(h Handler) bool {
	return p.indexOf(h) >= 0
}

// indexOf returns the position of the first bound handler equal to h, or -1.
// Values holding an incomparable dynamic type anywhere, including inside
// interface fields of a wrapper, are never considered equal.
func (p *Pipeline) indexOf(h Handler) int {
	if !reflect.ValueOf(h).Comparable() {
		return -1
	}
	for i, bound := range p.handlers {
		if reflect.TypeOf(bound) != reflect.TypeOf(h) || !reflect.ValueOf(bound).Comparable() {
			continue
		}
		if bound == h {
			return i
		}
	}
	return -1
}

// Remove unbinds the first occurrence of h.
func (p *Pipeline) Remove(h Handler) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexOf(h)
	if i < 0 {
		return false
	}
	p.handlers = append(p.handlers[:i:i], p.handlers[i+1:]...)
	return true
}

// Handlers returns the bound handlers in dispatch order.
func (p *Pipeline) Handlers() []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Handler(nil), p.handlers...)
}

func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers)
}

// Start decodes buf from the link layer discriminant linkType and dispatches
// the chain. When decoding fails part way, the layers that did decode are
// still dispatched and the decode error is returned afterwards.
func (p *Pipeline) Start(linkType uint32, buf *buffer.Buffer) (*codec.Packet, error) {
	return p.StartLayer(codec.LinkLayer, linkType, buf)
}

// StartLayer is Start beginning at an arbitrary layer.
func (p *Pipeline) StartLayer(l codec.Layer, discriminant uint32, buf *buffer.Buffer) (*codec.Packet, error) {
	pkt, decodeErr := p.decode(l, discriminant, buf)
	if pkt != nil {
		if err := p.Dispatch(pkt); err != nil {
			return pkt, err
		}
	}
	return pkt, decodeErr
}

// Decode decodes buf from linkType and counts it in the statistics without
// dispatching, for callers that transform the chain before Dispatch.
func (p *Pipeline) Decode(linkType uint32, buf *buffer.Buffer) (*codec.Packet, error) {
	return p.decode(codec.LinkLayer, linkType, buf)
}

func (p *Pipeline) decode(l codec.Layer, discriminant uint32, buf *buffer.Buffer) (*codec.Packet, error) {
	p.metrics.Packets.Add(1)
	pkt, err := p.decoder.DecodeLayer(l, discriminant, buf)
	if err != nil {
		p.metrics.DecodeErrors.Add(1)
		p.log.WithError(err).Debug("pipeline decode stopped early")
	}
	return pkt, err
}

// Dispatch walks pkt from the outermost to the innermost layer and invokes
// every handler bound to each layer's type, in pipeline order. The first
// handler error stops the walk.
func (p *Pipeline) Dispatch(pkt *codec.Packet) error {
	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()

	for l := pkt; l != nil; l = l.Payload() {
		t := l.LayerType()
		for _, h := range handlers {
			if h.Type() != t {
				continue
			}
			p.metrics.Dispatched.Add(1)
			if err := h.Handle(l); err != nil {
				p.metrics.HandlerErrors.Add(1)
				metrics.PipelineHandlerErrorsTotal.Inc()
				return fmt.Errorf("pipeline: %s handler %T: %w", t, h, err)
			}
		}
	}
	return nil
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}
