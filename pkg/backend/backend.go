// Package backend defines the adapter abstraction over LLM provider APIs
// and the registry that maps model prefixes to adapters.
//
// Model strings have the form "<provider>/<name>", e.g.
// "anthropic/claude-3-opus" or "ollama/llama3". The registry parses the
// prefix, selects the provider's adapter, and the adapter translates the
// generic request into its wire format.
//
// Implementations must be safe for concurrent use. Channels returned by
// Chat must be closed by the implementation when the stream ends or when
// the supplied context is cancelled.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pearl-project/pearl/pkg/types"
)

var (
	// ErrBadModel is returned when a model string has no provider prefix.
	ErrBadModel = errors.New("backend: model must have the form <provider>/<name>")

	// ErrUnknownProvider is returned when no adapter is registered for a
	// model's provider prefix.
	ErrUnknownProvider = errors.New("backend: unknown provider")
)

// Adapter is the abstraction over a single LLM provider's API.
//
// Chat is lazy, single-pass, and not restartable; callers cancel ctx to
// abort the upstream transfer. The returned channel emits chunks in
// upstream order and is closed after the terminal chunk (FinishReason set,
// Usage attached). If ctx is cancelled mid-stream the channel closes
// without a terminal chunk.
//
// The initial error return is non-nil only for failures that prevent the
// stream from starting (invalid credentials, malformed request, connection
// refused). The returned channel must never be nil when error is nil.
type Adapter interface {
	// Chat sends the request and streams the response. req.Model carries
	// the bare model name, without the provider prefix.
	Chat(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error)

	// Models lists the models available through this adapter.
	Models(ctx context.Context) ([]types.Model, error)

	// Health reports whether the provider is reachable. Used at startup and
	// by fallback decisions.
	Health(ctx context.Context) bool
}

// ParseModel splits a "<provider>/<name>" model string.
func ParseModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(model, "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadModel, model)
	}
	return provider, name, nil
}

// Registry maps provider prefixes to adapters. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a provider prefix, replacing any previous
// binding.
func (r *Registry) Register(provider string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = adapter
}

// Adapter returns the adapter registered for the provider prefix.
func (r *Registry) Adapter(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Resolve parses a full model string and returns the matching adapter along
// with the bare model name.
func (r *Registry) Resolve(model string) (Adapter, string, error) {
	provider, name, err := ParseModel(model)
	if err != nil {
		return nil, "", err
	}
	a, err := r.Adapter(provider)
	if err != nil {
		return nil, "", err
	}
	return a, name, nil
}

// Providers returns the registered provider prefixes in no particular
// order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
