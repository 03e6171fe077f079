package pipeline

import (
	"fmt"

	"firestige.xyz/pcapkit/internal/codec"
)

// Handler observes one concrete layer type. Handle receives the decoded layer
// whose header type matches Type; returning an error aborts the rest of the
// dispatch for that packet.
type Handler interface {
	Type() codec.LayerType
	Handle(pkt *codec.Packet) error
}

// Sharable is implemented by handlers that hold no per-invocation state and
// may therefore be bound more than once in a pipeline.
type Sharable interface {
	Sharable() bool
}

func isSharable(h Handler) bool {
	s, ok := h.(Sharable)
	return ok && s.Sharable()
}

// HeaderFunc is a handler over the concrete header T of one layer type.
// Use it by pointer so that the pipeline can tell instances apart.
type HeaderFunc[T codec.Header] struct {
	Layer codec.LayerType
	Fn    func(h T, pkt *codec.Packet) error
}

// Typed returns a non-sharable handler for headers of type T.
func Typed[T codec.Header](layer codec.LayerType, fn func(h T, pkt *codec.Packet) error) *HeaderFunc[T] {
	return &HeaderFunc[T]{Layer: layer, Fn: fn}
}

func (f *HeaderFunc[T]) Type() codec.LayerType { return f.Layer }

func (f *HeaderFunc[T]) Handle(pkt *codec.Packet) error {
	h, ok := pkt.Header().(T)
	if !ok {
		return fmt.Errorf("%s handler got %T", f.Layer, pkt.Header())
	}
	return f.Fn(h, pkt)
}

type shared struct{ Handler }

func (shared) Sharable() bool { return true }

// Share marks h as sharable.
func Share(h Handler) Handler {
	if isSharable(h) {
		return h
	}
	return shared{h}
}
