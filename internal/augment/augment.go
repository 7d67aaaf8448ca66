// Package augment injects retrieved memories into a chat request as a
// single context block ahead of dispatch.
package augment

import (
	"context"
	"strings"

	"github.com/pearl-project/pearl/internal/retrieve"
	"github.com/pearl-project/pearl/pkg/memory"
	"github.com/pearl-project/pearl/pkg/types"
)

const (
	blockOpen    = "<pearl:memories>"
	blockHeading = "## Relevant Context"
	blockClose   = "</pearl:memories>"
)

// labelledTypes get a bracketed type label on their bullet so binding
// context stands out from plain facts.
var labelledTypes = map[memory.Type]string{
	memory.TypeDecision: "Decision",
	memory.TypeRule:     "Rule",
	memory.TypeHealth:   "Health",
	memory.TypeReminder: "Reminder",
}

// Retriever is the slice of [retrieve.Retriever] the augmenter depends on.
type Retriever interface {
	Retrieve(ctx context.Context, agentID, query string, opts retrieve.Options) ([]retrieve.ScoredMemory, error)
}

// Options tunes one augmentation.
type Options struct {
	// Retrieval is passed through to the retriever.
	Retrieval retrieve.Options

	// QueryContextMessages is how many trailing user messages form the
	// retrieval query. Zero means 1.
	QueryContextMessages int

	// SessionID enables per-session dedupe when non-empty.
	SessionID string

	// SkipSessionTracking disables dedupe even when SessionID is set.
	SkipSessionTracking bool

	// TokenBudget caps the injected block's estimated tokens, wrapper
	// included. Zero disables the cap.
	TokenBudget int
}

// Result is the outcome of one augmentation.
type Result struct {
	// Messages is a deep copy of the input with the memory block injected.
	// When nothing was injected it is still a deep copy of the input.
	Messages []types.Message

	// Injected lists the memory IDs that were injected, in block order.
	Injected []string

	// TokensUsed is the estimated token size of the injected block.
	TokensUsed int
}

// Augmenter retrieves memories and injects them into requests.
type Augmenter struct {
	retriever Retriever
	sessions  *SessionSet
}

// New creates an Augmenter. sessions may be nil when session dedupe is not
// wanted.
func New(retriever Retriever, sessions *SessionSet) *Augmenter {
	return &Augmenter{retriever: retriever, sessions: sessions}
}

// Augment retrieves memories for agentID and returns the messages with the
// context block injected. The input slice is never mutated.
func (a *Augmenter) Augment(ctx context.Context, agentID string, messages []types.Message, opts Options) (Result, error) {
	res := Result{Messages: copyMessages(messages)}

	query := buildQuery(messages, opts.QueryContextMessages)
	if query == "" {
		return res, nil
	}

	memories, err := a.retriever.Retrieve(ctx, agentID, query, opts.Retrieval)
	if err != nil {
		return res, err
	}

	track := a.sessions != nil && opts.SessionID != "" && !opts.SkipSessionTracking
	if track {
		ids := make([]string, len(memories))
		for i, sm := range memories {
			ids[i] = sm.Memory.ID
		}
		seen := a.sessions.Seen(opts.SessionID, ids)
		fresh := memories[:0]
		for _, sm := range memories {
			if !seen[sm.Memory.ID] {
				fresh = append(fresh, sm)
			}
		}
		memories = fresh
	}
	if len(memories) == 0 {
		return res, nil
	}

	block, injected, tokens := buildBlock(memories, opts.TokenBudget)
	if len(injected) == 0 {
		return res, nil
	}

	res.Messages = injectBlock(res.Messages, block)
	res.Injected = injected
	res.TokensUsed = tokens

	if track {
		a.sessions.Add(opts.SessionID, injected)
	}
	return res, nil
}

// buildQuery joins the content of the last n user messages, oldest first.
func buildQuery(messages []types.Message, n int) string {
	if n <= 0 {
		n = 1
	}
	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < n; i-- {
		if messages[i].Role == types.RoleUser && messages[i].Content != "" {
			parts = append(parts, messages[i].Content)
		}
	}
	// Collected newest-first; restore chronological order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}

// buildBlock formats memories as the injection block, keeping within budget
// when one is set. Returns the block text, injected IDs, and token estimate.
func buildBlock(memories []retrieve.ScoredMemory, budget int) (string, []string, int) {
	wrapper := blockOpen + "\n" + blockHeading + "\n" + blockClose
	overhead := retrieve.EstimateTokens(wrapper)

	var (
		lines    []string
		injected []string
		total    = overhead
	)
	for _, sm := range memories {
		line := formatBullet(sm.Memory)
		tokens := retrieve.EstimateTokens(line)
		if budget > 0 && total+tokens > budget && len(injected) > 0 {
			break
		}
		if budget > 0 && total+tokens > budget {
			// Even the first memory does not fit alongside the wrapper.
			return "", nil, 0
		}
		lines = append(lines, line)
		injected = append(injected, sm.Memory.ID)
		total += tokens
	}

	var b strings.Builder
	b.WriteString(blockOpen)
	b.WriteString("\n")
	b.WriteString(blockHeading)
	b.WriteString("\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(blockClose)
	return b.String(), injected, total
}

func formatBullet(mem memory.Memory) string {
	if label, ok := labelledTypes[mem.Type]; ok {
		return "- [" + label + "] " + mem.Content
	}
	return "- " + mem.Content
}

// injectBlock prepends the block to an existing system message, or inserts a
// new system message at position 0.
func injectBlock(messages []types.Message, block string) []types.Message {
	for i := range messages {
		if messages[i].Role == types.RoleSystem {
			messages[i].Content = block + "\n\n" + messages[i].Content
			return messages
		}
	}
	out := make([]types.Message, 0, len(messages)+1)
	out = append(out, types.Message{Role: types.RoleSystem, Content: block})
	return append(out, messages...)
}

func copyMessages(messages []types.Message) []types.Message {
	out := make([]types.Message, len(messages))
	copy(out, messages)
	return out
}
