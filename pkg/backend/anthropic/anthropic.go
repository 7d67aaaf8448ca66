// Package anthropic implements a backend adapter for the Anthropic
// Messages API, translating its SSE stream into the common chunk format.
package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com"
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Adapter implements backend.Adapter against the Anthropic Messages API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	models  []string
	tokens  *backend.TokenCounter
}

type config struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	models  []string
}

// Option is a functional option for Adapter.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
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

// WithModels sets the model list reported by Models. The Anthropic API has
// no listing endpoint usable with every key tier, so the gateway configures
// the advertised set.
func WithModels(models ...string) Option {
	return func(c *config) {
		c.models = models
	}
}

// New constructs an Anthropic adapter.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	cfg := &config{baseURL: defaultBaseURL, timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: cfg.baseURL,
		client:  client,
		models:  cfg.models,
		tokens:  backend.SharedTokenCounter(),
	}, nil
}

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stream      bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamEvent covers the SSE event shapes we consume. Fields not listed
// here are ignored.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage eventUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *eventUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type eventUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat implements backend.Adapter.
func (a *Adapter) Chat(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, backend.NewStatusError(resp, string(excerpt))
	}

	ch := make(chan types.ChatChunk, 32)
	go a.consumeStream(ctx, resp.Body, req, ch)
	return ch, nil
}

func (a *Adapter) buildRequest(req types.ChatRequest) messagesRequest {
	// The Messages API takes system text as a top-level field, not as a
	// message role.
	var system []string
	msgs := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}
	out := messagesRequest{
		Model:       req.Model,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

func (a *Adapter) consumeStream(ctx context.Context, body io.ReadCloser, req types.ChatRequest, ch chan<- types.ChatChunk) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	id := backend.NewChunkID()
	var content strings.Builder
	var usage types.Usage
	stopReason := "end_turn"

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta == nil || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			content.WriteString(event.Delta.Text)
			select {
			case ch <- backend.ContentChunk(id, req.Model, event.Delta.Text):
			case <-ctx.Done():
				return
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
				usage = a.tokens.EstimateUsage(req.Messages, content.String())
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			select {
			case ch <- backend.TerminalChunk(id, req.Model, finishReason(stopReason), usage):
			case <-ctx.Done():
			}
			return
		case "error":
			// Mid-stream upstream error. The stream is unusable; close
			// without a terminal chunk so the caller treats it as truncated.
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	// Stream ended without message_stop: truncated transfer, no terminal
	// chunk.
}

// finishReason maps Anthropic stop reasons to OpenAI-style finish reasons.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return types.FinishLength
	case "tool_use":
		return types.FinishToolCalls
	default:
		return types.FinishStop
	}
}

// Models implements backend.Adapter. Returns the configured model set.
func (a *Adapter) Models(_ context.Context) ([]types.Model, error) {
	out := make([]types.Model, 0, len(a.models))
	for _, m := range a.models {
		out = append(out, types.Model{ID: m, Object: "model", OwnedBy: "anthropic"})
	}
	return out, nil
}

// Health implements backend.Adapter. Sends a minimal request and treats any
// well-formed API response, including 4xx, as proof of reachability.
func (a *Adapter) Health(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

var _ backend.Adapter = (*Adapter)(nil)
