package backend

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/pearl-project/pearl/pkg/types"
)

// TokenCounter estimates token usage when a provider stream ends without
// usage numbers. Uses tiktoken's cl100k_base encoding, which is exact for
// OpenAI models and a reasonable approximation for the rest. Falls back to
// a chars/4 heuristic if the encoding cannot be loaded.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	sharedCounter *TokenCounter
	counterOnce   sync.Once
)

// SharedTokenCounter returns the process-wide TokenCounter instance.
func SharedTokenCounter() *TokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			sharedCounter = &TokenCounter{}
			return
		}
		sharedCounter = &TokenCounter{encoder: enc}
	})
	return sharedCounter
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoder == nil {
		return (len(text) + 3) / 4
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}

// CountMessages estimates tokens for a prompt, including a small per-message
// overhead for role and separators.
func (tc *TokenCounter) CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += 4
		total += tc.Count(m.Content)
	}
	return total
}

// EstimateUsage builds a Usage from the request prompt and the accumulated
// completion text. Used when the upstream stream closed without reporting
// usage.
func (tc *TokenCounter) EstimateUsage(messages []types.Message, completion string) types.Usage {
	prompt := tc.CountMessages(messages)
	out := tc.Count(completion)
	return types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
