// Package source adapts capture collaborators: they hand raw frames and
// their metadata to the engine. Live capture is left to external tools; the
// sources here read capture files and memory.
package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/pcapkit/internal/core"
)

// Source yields captured frames. Next returns io.EOF once the capture is
// exhausted. The returned bytes stay valid only until the next call.
type Source interface {
	Next() ([]byte, core.FrameInfo, error)
	// LinkType is the DLT of every frame.
	LinkType() uint32
	Close() error
}

// Config selects a source by name and carries its options.
type Config struct {
	Type    string         `mapstructure:"type" yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// Factory builds a source from its raw options.
type Factory func(options map[string]any) (Source, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

func init() {
	Register(FileType, newFileSource)
}

// Register binds name to f, replacing an earlier factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Types lists the registered source names.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the source named by cfg.Type.
func Open(cfg Config) (Source, error) {
	mu.RLock()
	f, ok := registry[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrConfigInvalid, cfg.Type)
	}
	return f(cfg.Options)
}

// DecodeOptions decodes raw options into out, rejecting unknown keys.
func DecodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: source options: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
