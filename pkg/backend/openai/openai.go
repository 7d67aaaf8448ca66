// Package openai implements a backend adapter for the OpenAI Chat
// Completions API using the official Go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Adapter implements backend.Adapter against the OpenAI API.
type Adapter struct {
	client oai.Client
	tokens *backend.TokenCounter
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Adapter.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Also used to point
// the adapter at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI adapter.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}

	return &Adapter{
		client: oai.NewClient(reqOpts...),
		tokens: backend.SharedTokenCounter(),
	}, nil
}

// Chat implements backend.Adapter.
func (a *Adapter) Chat(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error) {
	params := a.buildParams(req)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", wrapErr(err))
	}

	ch := make(chan types.ChatChunk, 32)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		id := backend.NewChunkID()
		var content strings.Builder
		var usage *types.Usage
		finish := ""

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &types.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			select {
			case ch <- backend.ContentChunk(id, req.Model, choice.Delta.Content):
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			// Truncated or failed transfer. No terminal chunk.
			return
		}
		if finish == "" {
			finish = types.FinishStop
		}
		if usage == nil {
			est := a.tokens.EstimateUsage(req.Messages, content.String())
			usage = &est
		}
		select {
		case ch <- backend.TerminalChunk(id, req.Model, finish, *usage):
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// wrapErr translates SDK API errors into backend.StatusError so that
// backend.Retryable and backend.RetryAfter see the upstream HTTP status.
// Non-API errors (network, context) pass through unchanged.
func wrapErr(err error) error {
	var apierr *oai.Error
	if !errors.As(err, &apierr) {
		return err
	}
	if apierr.Response != nil {
		return backend.NewStatusError(apierr.Response, apierr.Message)
	}
	return &backend.StatusError{Code: apierr.StatusCode, Message: apierr.Message}
}

func (a *Adapter) buildParams(req types.ChatRequest) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			messages = append(messages, oai.SystemMessage(m.Content))
		case types.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = param.NewOpt(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}

// Models implements backend.Adapter via the models listing endpoint.
func (a *Adapter) Models(ctx context.Context) ([]types.Model, error) {
	page, err := a.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", wrapErr(err))
	}
	out := make([]types.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, types.Model{
			ID:      m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return out, nil
}

// Health implements backend.Adapter.
func (a *Adapter) Health(ctx context.Context) bool {
	_, err := a.client.Models.List(ctx)
	return err == nil
}

var _ backend.Adapter = (*Adapter)(nil)
