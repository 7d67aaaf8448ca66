package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/provider/embeddings"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. Backend
// factories receive the account whose credentials the adapter should carry.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]func(AccountConfig) (backend.Adapter, error)
	embeddings map[string]func(apiKey, model, baseURL string) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:   make(map[string]func(AccountConfig) (backend.Adapter, error)),
		embeddings: make(map[string]func(apiKey, model, baseURL string) (embeddings.Provider, error)),
	}
}

// RegisterBackend registers a backend adapter factory under the provider
// name. Subsequent calls with the same name overwrite the previous
// registration.
func (r *Registry) RegisterBackend(name string, factory func(AccountConfig) (backend.Adapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(apiKey, model, baseURL string) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateBackend instantiates the adapter for acct.Provider using the
// registered factory. Returns [ErrProviderNotRegistered] when the provider
// is unknown.
func (r *Registry) CreateBackend(acct AccountConfig) (backend.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.backends[acct.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, acct.Provider)
	}
	return factory(acct)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under name.
func (r *Registry) CreateEmbeddings(name, apiKey, model, baseURL string) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, name)
	}
	return factory(apiKey, model, baseURL)
}
