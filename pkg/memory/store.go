// Package memory defines the long-term memory store backing context
// augmentation.
//
// A memory is a typed, embedded text record scoped to one agent. The store
// supports vector similarity queries against pre-computed embeddings;
// callers are responsible for producing embeddings before calling Create
// or Query.
//
// The interfaces are public so external packages can supply alternative
// backends (Postgres/pgvector, in-memory, …). Every implementation must be
// safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no memory has the requested ID.
var ErrNotFound = errors.New("memory: not found")

// Store is the long-term memory backend.
type Store interface {
	// Query finds the memories of agentID closest to the query embedding,
	// ordered by ascending Distance. Expired memories are excluded.
	// Options narrow the result set; see [QueryOpt].
	// Returns an empty (non-nil) slice when nothing matches.
	Query(ctx context.Context, agentID string, embedding []float32, opts ...QueryOpt) ([]QueryResult, error)

	// Create stores a new memory. The ID must be unique; the embedding
	// dimension must match the store configuration.
	Create(ctx context.Context, mem Memory) error

	// Get retrieves a memory by ID. Returns [ErrNotFound] when absent.
	Get(ctx context.Context, id string) (*Memory, error)

	// RecordAccess bumps AccessedAt and AccessCount for the given memory
	// IDs. Unknown IDs are ignored.
	RecordAccess(ctx context.Context, ids []string) error
}
