// Package mock is an in-memory [embeddings.Provider] for tests. Configure
// canned vectors or errors on the struct fields and inspect the recorded
// inputs afterwards.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/pearl-project/pearl/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider returns its configured results and records every input it was
// asked to embed. Safe for concurrent use.
type Provider struct {
	// EmbedResult and EmbedErr are returned by Embed.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult and EmbedBatchErr are returned by EmbedBatch. When
	// both are nil, EmbedBatch repeats EmbedResult once per input.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	// DimensionsValue and ModelIDValue are returned by the accessor methods.
	DimensionsValue int
	ModelIDValue    string

	mu      sync.Mutex
	inputs  []string
	batches [][]string
}

func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, text)
	p.mu.Unlock()
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batches = append(p.batches, slices.Clone(texts))
	p.mu.Unlock()
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = p.EmbedResult
	}
	return out, nil
}

func (p *Provider) Dimensions() int { return p.DimensionsValue }

func (p *Provider) ModelID() string { return p.ModelIDValue }

// Inputs returns every text passed to Embed, in call order.
func (p *Provider) Inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.inputs)
}

// Batches returns the text slices passed to EmbedBatch, in call order.
func (p *Provider) Batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.batches)
}
