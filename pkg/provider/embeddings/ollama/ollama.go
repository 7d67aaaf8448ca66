// Package ollama embeds text through a local Ollama server's /api/embed
// endpoint, so retrieval can run without sending prompt fragments to an
// external embedding API. Works with models such as nomic-embed-text,
// mxbai-embed-large, and all-minilm.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pearl-project/pearl/pkg/provider/embeddings"
)

// DefaultBaseURL targets an Ollama instance on its standard local port.
const DefaultBaseURL = "http://localhost:11434"

// dimsByModel records the output width of common Ollama embedding models.
// Models not listed here are measured against the live server on the first
// Dimensions call.
var dimsByModel = map[string]int{
	"nomic-embed-text":	768,
	"mxbai-embed-large":	1024,
	"all-minilm":		384,
}

var _ embeddings.Provider = (*Provider)(nil)

// Provider talks to one Ollama server with one embedding model. Safe for
// concurrent use.
type Provider struct {
	baseURL	string
	model	string
	client	*http.Client

	// dims is 0 until resolved: set from WithDimensions, the dimsByModel
	// table, or a one-time measurement against the server.
	dims		int
	measureOnce	sync.Once
}

type settings struct {
	timeout	time.Duration
	dims	int
}

// Option adjusts how the provider connects to Ollama.
type Option func(*settings)

// WithTimeout bounds each embedding request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDimensions fixes the vector width up front, skipping both the built-in
// table and the live measurement for unknown models.
func WithDimensions(dims int) Option {
	return func(s *settings) { s.dims = dims }
}

// New builds a provider for model on the server at baseURL, defaulting to
// [DefaultBaseURL] when baseURL is empty. The model name is required.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	client := &http.Client{}
	if s.timeout > 0 {
		client.Timeout = s.timeout
	}

	dims := s.dims
	if dims == 0 {
		dims = lookupDims(model)
	}

	return &Provider{
		baseURL:	strings.TrimRight(baseURL, "/"),
		model:		model,
		client:		client,
		dims:		dims,
	}, nil
}

type embedRequest struct {
	Model	string		`json:"model"`
	Input	[]string	`json:"input"`
}

type embedResponse struct {
	Model		string		`json:"model"`
	Embeddings	[][]float32	`json:"embeddings"`
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.post(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embeddings: embed: empty response")
	}
	return vecs[0], nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.post(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions resolves the vector width lazily for models outside the
// built-in table by embedding one throwaway string and measuring the result.
// The measurement runs at most once; on failure it returns 0 and the next
// call does not retry.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.measureOnce.Do(func() {
		vecs, err := p.post(context.Background(), []string{"dimension check"})
		if err == nil && len(vecs) > 0 {
			p.dims = len(vecs[0])
		}
	})
	return p.dims
}

func (p *Provider) ModelID() string {
	return p.model
}

// post sends one /api/embed request and returns the raw vectors.
func (p *Provider) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return out.Embeddings, nil
}

func lookupDims(model string) int {
	lower := strings.ToLower(model)
	for name, dims := range dimsByModel {
		if strings.Contains(lower, name) {
			return dims
		}
	}
	return 0
}
