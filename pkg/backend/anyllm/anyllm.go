// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the backend
// adapter interface, giving the gateway access to providers without a
// dedicated adapter (Gemini, DeepSeek, Mistral, Groq, llama.cpp, llamafile
// and friends) through one wrapper.
//
// Usage:
//
//	a, err := anyllm.New("groq", anyllmlib.WithAPIKey("gsk-..."))
//	a, err := anyllm.New("gemini")  // falls back to GEMINI_API_KEY
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	llmerrors "github.com/mozilla-ai/any-llm-go/errors"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/types"
)

// Adapter implements backend.Adapter by wrapping an any-llm-go provider.
type Adapter struct {
	provider anyllmlib.Provider
	name     string
	models   []string
	tokens   *backend.TokenCounter
}

// New constructs an adapter for the named any-llm-go provider. providerName
// is one of: openai, anthropic, gemini, ollama, deepseek, mistral, groq,
// llamacpp, llamafile. Without an API key option the underlying library
// reads the provider's usual environment variable.
//
// models sets the list reported by Models; the wrapped library has no
// uniform listing endpoint.
func New(providerName string, models []string, opts ...anyllmlib.Option) (*Adapter, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	provider, err := createProvider(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q provider: %w", providerName, err)
	}
	return &Adapter{
		provider: provider,
		name:     strings.ToLower(providerName),
		models:   models,
		tokens:   backend.SharedTokenCounter(),
	}, nil
}

func createProvider(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Chat implements backend.Adapter.
func (a *Adapter) Chat(ctx context.Context, req types.ChatRequest) (<-chan types.ChatChunk, error) {
	params := a.buildParams(req)
	chunks, errs := a.provider.CompletionStream(ctx, params)

	// The wrapped library reports start failures on the error channel
	// after closing the chunk channel. Wait for the first event so those
	// failures return here, where callers can retry or fall back, rather
	// than as a stream that ends without a terminal chunk.
	first, open := <-chunks
	if !open {
		if err := <-errs; err != nil {
			return nil, fmt.Errorf("anyllm: %s: completion stream: %w", a.name, wrapErr(err))
		}
	}

	ch := make(chan types.ChatChunk, 32)
	go func() {
		defer close(ch)

		id := backend.NewChunkID()
		var content strings.Builder
		finish := ""

		forward := func(chunk anyllmlib.ChatCompletionChunk) bool {
			if len(chunk.Choices) == 0 {
				return true
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				return true
			}
			content.WriteString(choice.Delta.Content)
			select {
			case ch <- backend.ContentChunk(id, req.Model, choice.Delta.Content):
				return true
			case <-ctx.Done():
				return false
			}
		}

		if open {
			if !forward(first) {
				return
			}
			for chunk := range chunks {
				if !forward(chunk) {
					return
				}
			}
			// Errors surface after the chunk channel drains.
			if err := <-errs; err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if finish == "" {
			finish = types.FinishStop
		}
		usage := a.tokens.EstimateUsage(req.Messages, content.String())
		select {
		case ch <- backend.TerminalChunk(id, req.Model, finish, usage):
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (a *Adapter) buildParams(req types.ChatRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// wrapErr translates the wrapped library's typed errors into
// backend.StatusError so that backend.Retryable and backend.RetryAfter see
// the upstream HTTP status. Other errors pass through unchanged.
func wrapErr(err error) error {
	var rl *llmerrors.RateLimitError
	if errors.As(err, &rl) {
		se := &backend.StatusError{Code: http.StatusTooManyRequests, Message: rl.Error()}
		if rl.RetryAfter > 0 {
			se.RetryAfter = time.Duration(rl.RetryAfter) * time.Second
		}
		return se
	}
	var auth *llmerrors.AuthenticationError
	if errors.As(err, &auth) {
		return &backend.StatusError{Code: http.StatusUnauthorized, Message: auth.Error()}
	}
	var nf *llmerrors.ModelNotFoundError
	if errors.As(err, &nf) {
		return &backend.StatusError{Code: http.StatusNotFound, Message: nf.Error()}
	}
	var pe *llmerrors.ProviderError
	if errors.As(err, &pe) {
		code := pe.StatusCode
		if code == 0 {
			code = http.StatusBadGateway
		}
		return &backend.StatusError{Code: code, Message: pe.Error()}
	}
	if errors.Is(err, llmerrors.ErrInvalidRequest) ||
		errors.Is(err, llmerrors.ErrContextLength) ||
		errors.Is(err, llmerrors.ErrContentFilter) {
		return &backend.StatusError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	return err
}

// Models implements backend.Adapter. Returns the configured model set.
func (a *Adapter) Models(_ context.Context) ([]types.Model, error) {
	out := make([]types.Model, 0, len(a.models))
	for _, m := range a.models {
		out = append(out, types.Model{ID: m, Object: "model", OwnedBy: a.name})
	}
	return out, nil
}

// Health implements backend.Adapter. The wrapped library exposes no uniform
// health endpoint, so a constructed adapter reports healthy; failures
// surface on the first dispatch instead.
func (a *Adapter) Health(_ context.Context) bool {
	return true
}

var _ backend.Adapter = (*Adapter)(nil)
