package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/store"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory builds a speech-to-text provider from its config entry.
type STTFactory func(ProviderEntry) (stt.Provider, error)

// StoreFactory opens a persistence backend.
type StoreFactory func(ctx context.Context, cfg StoreConfig) (store.Store, error)

// Registry maps provider names to STT factories and store drivers to store
// factories. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stt    map[string]STTFactory
	stores map[StoreDriver]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:    make(map[string]STTFactory),
		stores: make(map[StoreDriver]StoreFactory),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterStore registers a store factory for driver.
func (r *Registry) RegisterStore(driver StoreDriver, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[driver] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OpenStore opens the backend registered for cfg.Driver.
func (r *Registry) OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrProviderNotRegistered, cfg.Driver)
	}
	return factory(ctx, cfg)
}
