package backend

import (
	"time"

	"github.com/google/uuid"

	"github.com/pearl-project/pearl/pkg/types"
)

// NewChunkID returns a fresh OpenAI-style completion ID. Adapters assign one
// ID per response and reuse it for every chunk of that response.
func NewChunkID() string {
	return "chatcmpl-" + uuid.NewString()
}

// ContentChunk builds a streaming chunk carrying a piece of assistant text.
func ContentChunk(id, model, content string) types.ChatChunk {
	return types.ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Model:   model,
		Created: time.Now().Unix(),
		Choices: []types.ChunkChoice{
			{Delta: types.Delta{Role: types.RoleAssistant, Content: content}},
		},
	}
}

// TerminalChunk builds the final chunk of a stream, carrying the finish
// reason and usage totals.
func TerminalChunk(id, model, finishReason string, usage types.Usage) types.ChatChunk {
	return types.ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Model:   model,
		Created: time.Now().Unix(),
		Choices: []types.ChunkChoice{
			{FinishReason: finishReason},
		},
		Usage: &usage,
	}
}
