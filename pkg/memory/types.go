package memory

import "time"

// Type classifies a stored memory. The type drives retrieval weighting and
// the formatting of injected context.
type Type string

const (
	TypeFact         Type = "fact"
	TypePreference   Type = "preference"
	TypeRule         Type = "rule"
	TypeDecision     Type = "decision"
	TypeHealth       Type = "health"
	TypeReminder     Type = "reminder"
	TypeRelationship Type = "relationship"
)

// IsValid reports whether t is one of the known memory types.
func (t Type) IsValid() bool {
	switch t {
	case TypeFact, TypePreference, TypeRule, TypeDecision,
		TypeHealth, TypeReminder, TypeRelationship:
		return true
	}
	return false
}

// Memory is one long-term memory record belonging to an agent.
type Memory struct {
	// ID is the unique identifier (a UUID).
	ID string

	// AgentID scopes the memory to one agent. Queries never cross agents.
	AgentID string

	// Type classifies the memory; see the Type constants.
	Type Type

	// Content is the memory text.
	Content string

	// Tags are free-form labels used for filtered retrieval.
	Tags []string

	// Embedding is the vector representation of Content. Dimension must
	// match the store configuration (1536 for text-embedding-3-small).
	Embedding []float32

	// Confidence is how certain the system is of this memory (0.0 to 1.0).
	Confidence float64

	// CreatedAt is when the memory was first stored.
	CreatedAt time.Time

	// AccessedAt is when the memory was last returned by a query.
	AccessedAt time.Time

	// AccessCount is how many times the memory has been returned.
	AccessCount int

	// ExpiresAt is an optional expiry. Zero means the memory never expires.
	// Expired memories are excluded from queries.
	ExpiresAt time.Time

	// SourceSession is the session in which the memory was captured.
	SourceSession string
}

// Expired reports whether the memory is past its expiry at the given time.
func (m *Memory) Expired(at time.Time) bool {
	return !m.ExpiresAt.IsZero() && at.After(m.ExpiresAt)
}

// QueryResult pairs a retrieved memory with its vector-space distance from
// the query embedding. Lower Distance means higher similarity.
type QueryResult struct {
	Memory   Memory
	Distance float64
}
