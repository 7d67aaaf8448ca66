// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.QueryResult = []memory.QueryResult{{Memory: memory.Memory{Content: "likes tea"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Query"); got != 1 {
//	    t.Errorf("expected 1 Query call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/pearl-project/pearl/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success).
type Store struct {
	mu sync.Mutex

	calls []Call

	// QueryResult is returned by [Store.Query].
	// When nil, Query returns an empty non-nil slice.
	QueryResult []memory.QueryResult

	// QueryErr is returned by [Store.Query] when non-nil.
	QueryErr error

	// CreateErr is returned by [Store.Create] when non-nil.
	CreateErr error

	// GetResult is returned by [Store.Get]. When nil, Get returns
	// [memory.ErrNotFound].
	GetResult *memory.Memory

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// RecordAccessErr is returned by [Store.RecordAccess] when non-nil.
	RecordAccessErr error

	// Created accumulates every memory passed to [Store.Create].
	Created []memory.Memory

	// Accessed accumulates every ID slice passed to [Store.RecordAccess].
	Accessed [][]string
}

var _ memory.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Query implements [memory.Store].
func (m *Store) Query(_ context.Context, agentID string, embedding []float32, opts ...memory.QueryOpt) ([]memory.QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Query", agentID, embedding, memory.ApplyQueryOpts(opts))
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	if m.QueryResult == nil {
		return []memory.QueryResult{}, nil
	}
	out := make([]memory.QueryResult, len(m.QueryResult))
	copy(out, m.QueryResult)
	return out, nil
}

// Create implements [memory.Store].
func (m *Store) Create(_ context.Context, mem memory.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Create", mem)
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.Created = append(m.Created, mem)
	return nil
}

// Get implements [memory.Store].
func (m *Store) Get(_ context.Context, id string) (*memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Get", id)
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if m.GetResult == nil {
		return nil, memory.ErrNotFound
	}
	cp := *m.GetResult
	return &cp, nil
}

// RecordAccess implements [memory.Store].
func (m *Store) RecordAccess(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecordAccess", ids)
	if m.RecordAccessErr != nil {
		return m.RecordAccessErr
	}
	m.Accessed = append(m.Accessed, append([]string(nil), ids...))
	return nil
}
