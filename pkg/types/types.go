// Package types defines the shared types used across all Pearl packages.
//
// These types form the lingua franca between the classifier, router, detector,
// augmenter, backend adapters, and the pipeline orchestrator. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

// Role values for chat messages. The pipeline does not enforce strict
// user/assistant alternation, but the first message may be a system message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single message in a chat conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name (for multi-speaker contexts).
	Name string `json:"name,omitempty"`
}

// Metadata carries the per-request hints that accompany a chat request,
// accepted from the request body or from mirrored headers. All fields are
// optional.
type Metadata struct {
	// AgentID is the logical caller identity used to partition memories and
	// apply routing overrides.
	AgentID string `json:"agentId,omitempty"`

	// SessionID groups requests into a conversation for memory deduplication
	// and transcript logging.
	SessionID string `json:"sessionId,omitempty"`

	// UserID identifies the end user for injection rate limiting.
	UserID string `json:"userId,omitempty"`

	// IsAdmin marks the caller as an administrator. Injection attempts from
	// admin users are escalated, not relaxed.
	IsAdmin bool `json:"isAdmin,omitempty"`

	// EmergencyBypass names a bypass token that, when live, allows the request
	// through the injection detector unconditionally.
	EmergencyBypass string `json:"emergencyBypass,omitempty"`

	// ForceSunrise forces routing to the configured sunrise (primary) account,
	// skipping rule evaluation. Used for operational drills.
	ForceSunrise bool `json:"forceSunrise,omitempty"`

	// Extra holds unrecognised metadata keys, matched exactly by rule
	// conditions with metadata extensions.
	Extra map[string]string `json:"-"`
}

// ChatRequest is the immutable per-request envelope created at the HTTP
// boundary. The pipeline never mutates a ChatRequest after entry; the
// augmenter returns a deep copy of the message list instead.
type ChatRequest struct {
	// Model is the requested model in "<provider>/<name>" form
	// (e.g., "anthropic/claude-3-opus").
	Model string `json:"model"`

	// Messages is the ordered conversation history.
	Messages []Message `json:"messages"`

	// Stream requests a chunked event-stream response.
	Stream bool `json:"stream,omitempty"`

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls output randomness. Nil means provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP is the nucleus sampling parameter. Nil means provider default.
	TopP *float64 `json:"top_p,omitempty"`

	// Metadata carries agent/session/user hints.
	Metadata Metadata `json:"metadata,omitempty"`
}

// LastUserContent returns the content of the latest user message, or the
// empty string when no user message is present.
func (r *ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int `json:"total_tokens"`
}

// Finish reasons carried by the terminal chunk of a stream.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
)

// Delta is the incremental payload of one streamed choice.
type Delta struct {
	// Role is set on the first chunk of a stream ("assistant").
	Role string `json:"role,omitempty"`

	// Content is the incremental text for this chunk. May be empty on the
	// terminal chunk.
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice element of a streamed chunk. Pearl always emits
// a single choice with index 0.
type ChunkChoice struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`

	// FinishReason is set only on the terminal chunk: one of "stop",
	// "length", "content_filter", "tool_calls".
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatChunk is one element of a streamed chat response, wire-compatible with
// the OpenAI chat.completion.chunk object. The terminal chunk carries a
// FinishReason and aggregated Usage; every preceding chunk carries neither.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Created int64         `json:"created"`
	Choices []ChunkChoice `json:"choices"`

	// Usage is attached to the terminal chunk only.
	Usage *Usage `json:"usage,omitempty"`
}

// Terminal reports whether c is the terminal chunk of its stream.
func (c *ChatChunk) Terminal() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != "" {
			return true
		}
	}
	return false
}

// Model describes one model available through a backend adapter, in the
// shape of the OpenAI /v1/models list element.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
