// Package embeddings abstracts the text-embedding services behind the
// gateway's retrieval augmenter. A provider turns text into dense float32
// vectors that the memory store indexes and queries for similarity.
package embeddings

import "context"

// Provider is a text-embedding backend. All vectors from one Provider share
// the dimensionality reported by Dimensions; vectors from different providers
// or models must not be compared against each other.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for a single text. The text is passed to the
	// model verbatim; any task prefix the model expects is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one provider call, returning vectors in
	// input order. On error no partial results are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider produces.
	Dimensions() int

	// ModelID names the underlying embedding model, for logging and for
	// keeping an index consistent across restarts.
	ModelID() string
}
