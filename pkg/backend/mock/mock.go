// Package mock provides a scriptable backend.Adapter for tests.
package mock

import (
	"context"
	"sync"

	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/types"
)

// Call records one invocation of an Adapter method.
type Call struct {
	Method  string
	Request types.ChatRequest
}

// Adapter is a mock backend.Adapter. Configure the exported fields before
// use; the zero value streams nothing and reports healthy.
type Adapter struct {
	mu    sync.Mutex
	calls []Call

	// Chunks are sent on the channel returned by Chat, in order.
	Chunks []types.ChatChunk

	// ChatErr, when set, is returned by Chat instead of a stream.
	ChatErr error

	// ChatFunc, when set, replaces the scripted Chunks behavior entirely.
	ChatFunc func(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error)

	// ModelsResult and ModelsErr configure Models.
	ModelsResult []types.Model
	ModelsErr    error

	// Healthy configures Health. Defaults to true via NewAdapter.
	Healthy bool
}

// NewAdapter returns a healthy mock with no scripted chunks.
func NewAdapter() *Adapter {
	return &Adapter{Healthy: true}
}

// Script returns a healthy mock that streams the given chunks.
func Script(chunks ...types.ChatChunk) *Adapter {
	return &Adapter{Healthy: true, Chunks: chunks}
}

// Chat implements backend.Adapter.
func (a *Adapter) Chat(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error) {
	a.record("Chat", req)
	if a.ChatFunc != nil {
		return a.ChatFunc(ctx, req)
	}
	if a.ChatErr != nil {
		return nil, a.ChatErr
	}
	ch := make(chan types.ChatChunk, len(a.Chunks))
	go func() {
		defer close(ch)
		for _, c := range a.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Models implements backend.Adapter.
func (a *Adapter) Models(context.Context) ([]types.Model, error) {
	a.record("Models", types.ChatRequest{})
	return a.ModelsResult, a.ModelsErr
}

// Health implements backend.Adapter.
func (a *Adapter) Health(context.Context) bool {
	a.record("Health", types.ChatRequest{})
	return a.Healthy
}

func (a *Adapter) record(method string, req types.ChatRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{Method: method, Request: req})
}

// Calls returns a copy of all recorded calls.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount returns the number of calls to the named method.
func (a *Adapter) CallCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

var _ backend.Adapter = (*Adapter)(nil)
