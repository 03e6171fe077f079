package pipeline

import (
	"firestige.xyz/pcapkit/internal/codec"
	"firestige.xyz/pcapkit/internal/log"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to calling AddLast on a pipeline directly.
type Builder struct {
	config   Config
	handlers []Handler
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithDecoder sets the decoder used by Start.
func (b *Builder) WithDecoder(d *codec.Decoder) *Builder {
	b.config.Decoder = d
	return b
}

// WithLogger sets the pipeline logger.
func (b *Builder) WithLogger(l log.Logger) *Builder {
	b.config.Logger = l
	return b
}

// WithHandlers appends handlers in order.
func (b *Builder) WithHandlers(handlers ...Handler) *Builder {
	b.handlers = append(b.handlers, handlers...)
	return b
}

// Build creates the pipeline. It fails like AddLast would on the first
// handler that cannot be bound.
func (b *Builder) Build() (*Pipeline, error) {
	p := New(b.config)
	for _, h := range b.handlers {
		if err := p.AddLast(h); err != nil {
			return nil, err
		}
	}
	return p, nil
}
