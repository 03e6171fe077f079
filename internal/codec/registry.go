package codec

import "sync"

// Registry maps the discriminants of one layer to codecs. It is safe for
// concurrent use; registering a discriminant again replaces the codec.
type Registry struct {
	layer  Layer
	mu     sync.RWMutex
	codecs map[uint32]Codec
}

// NewRegistry creates an empty registry for layer.
func NewRegistry(layer Layer) *Registry {
	return &Registry{layer: layer, codecs: make(map[uint32]Codec)}
}

func (r *Registry) Layer() Layer { return r.layer }

// Register binds discriminant to c. The last registration wins.
func (r *Registry) Register(discriminant uint32, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[discriminant] = c
}

// Unregister removes the binding for discriminant.
func (r *Registry) Unregister(discriminant uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codecs, discriminant)
}

// Lookup returns the codec bound to discriminant.
func (r *Registry) Lookup(discriminant uint32) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[discriminant]
	return c, ok
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codecs)
}
