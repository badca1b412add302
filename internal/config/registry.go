package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateEngine] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// EngineFactory builds a local audio engine from the audio section.
type EngineFactory func(AudioConfig) (audio.Engine, error)

// Registry maps audio backend names to engine constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineFactory)}
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// CreateEngine instantiates the engine registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEngine(cfg AudioConfig) (audio.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	eng, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %q engine: %w", cfg.Backend, err)
	}
	return eng, nil
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.engines))
}
