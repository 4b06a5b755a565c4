package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/roomscribe/pkg/provider/stt"
)

// ErrProviderNotRegistered means provider.name has no factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory builds a speech-to-text provider from the provider section.
type STTFactory func(ProviderEntry) (stt.Provider, error)

// Registry resolves provider.name to a factory. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]STTFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]STTFactory{}}
}

// RegisterSTT binds name to f, replacing any earlier binding.
func (r *Registry) RegisterSTT(name string, f STTFactory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// CreateSTT builds the provider named by entry.Name. Factory failures and nil
// providers are reported with the provider name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f := r.factories[entry.Name]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrProviderNotRegistered, entry.Name, r.STTNames())
	}

	p, err := f(entry)
	switch {
	case err != nil:
		return nil, fmt.Errorf("config: provider %q: %w", entry.Name, err)
	case p == nil:
		return nil, fmt.Errorf("config: provider %q: factory returned nil", entry.Name)
	}
	return p, nil
}

// STTNames lists registered names in sorted order.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
