// Package openai embeds text through the OpenAI embeddings API for the
// gateway's retrieval augmenter.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/pearl-project/pearl/pkg/provider/embeddings"
)

// DefaultModel is used when no embeddings model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// dimsByModel maps known OpenAI embedding models to their output width.
var dimsByModel = map[string]int{
	"text-embedding-3-small":	1536,
	"text-embedding-3-large":	3072,
	"text-embedding-ada-002":	1536,
}

// fallbackDims is assumed for models not in dimsByModel.
const fallbackDims = 1536

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls the OpenAI embeddings endpoint.
type Provider struct {
	client	oai.Client
	model	string
}

type settings struct {
	baseURL		string
	organization	string
	timeout		time.Duration
}

// Option adjusts how the provider connects to the API.
type Option func(*settings)

// WithBaseURL points the provider at a compatible endpoint other than
// api.openai.com, such as Azure OpenAI or a local proxy.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization attaches an OpenAI organization ID to every request.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each embedding request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// New builds a provider for the given model, defaulting to [DefaultModel]
// when model is empty. The API key is required.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.request(ctx, oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.request(ctx, oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// The API may return items out of order; place each by its index.
	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		out[e.Index] = toFloat32(e.Embedding)
	}
	return out, nil
}

func (p *Provider) Dimensions() int {
	return modelDims(p.model)
}

func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) request(ctx context.Context, input oai.EmbeddingNewParamsInputUnion) (*oai.CreateEmbeddingResponse, error) {
	return p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model:	p.model,
		Input:	input,
	})
}

func modelDims(model string) int {
	lower := strings.ToLower(model)
	for name, dims := range dimsByModel {
		if strings.Contains(lower, name) {
			return dims
		}
	}
	return fallbackDims
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
