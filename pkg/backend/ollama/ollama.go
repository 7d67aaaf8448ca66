// Package ollama implements a backend adapter for a local Ollama server,
// which streams newline-delimited JSON rather than SSE.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/types"
)

const (
	defaultBaseURL = "http://localhost:11434"

	// Local models can take a long time on first load.
	defaultTimeout = 2 * time.Minute
)

// Adapter implements backend.Adapter against the Ollama HTTP API.
type Adapter struct {
	baseURL string
	client  *http.Client
}

type config struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// Option is a functional option for Adapter.
type Option func(*config)

// WithBaseURL overrides the default Ollama server address.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// New constructs an Ollama adapter.
func New(opts ...Option) *Adapter {
	cfg := &config{baseURL: defaultBaseURL, timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &Adapter{baseURL: cfg.baseURL, client: client}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatLine is one line of the ndjson response stream.
type chatLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Chat implements backend.Adapter.
func (a *Adapter) Chat(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, backend.NewStatusError(resp, string(excerpt))
	}

	ch := make(chan types.ChatChunk, 32)
	go consumeStream(ctx, resp.Body, req.Model, ch)
	return ch, nil
}

func (a *Adapter) buildRequest(req types.ChatRequest) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	out := chatRequest{Model: req.Model, Messages: msgs, Stream: true}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func consumeStream(ctx context.Context, body io.ReadCloser, model string, ch chan<- types.ChatChunk) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	id := backend.NewChunkID()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line chatLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		if line.Error != "" {
			// Mid-stream failure, close without a terminal chunk.
			return
		}
		if line.Message.Content != "" {
			select {
			case ch <- backend.ContentChunk(id, model, line.Message.Content):
			case <-ctx.Done():
				return
			}
		}
		if line.Done {
			usage := types.Usage{
				PromptTokens:     line.PromptEvalCount,
				CompletionTokens: line.EvalCount,
				TotalTokens:      line.PromptEvalCount + line.EvalCount,
			}
			select {
			case ch <- backend.TerminalChunk(id, model, finishReason(line.DoneReason), usage):
			case <-ctx.Done():
			}
			return
		}
	}
}

func finishReason(done string) string {
	switch done {
	case "length":
		return types.FinishLength
	default:
		return types.FinishStop
	}
}

// tagsResponse is the body of GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

// Models implements backend.Adapter via /api/tags.
func (a *Adapter) Models(ctx context.Context) ([]types.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, backend.NewStatusError(resp, string(excerpt))
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode models: %w", err)
	}
	out := make([]types.Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, types.Model{
			ID:      m.Name,
			Object:  "model",
			Created: m.ModifiedAt.Unix(),
			OwnedBy: "ollama",
		})
	}
	return out, nil
}

// Health implements backend.Adapter.
func (a *Adapter) Health(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

var _ backend.Adapter = (*Adapter)(nil)
