// Package retrieve implements semantic memory retrieval: it embeds a query,
// scores an agent's memories by similarity, type weight, and recency, and
// returns the best candidates within a token budget.
package retrieve

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/pearl-project/pearl/pkg/memory"
	"github.com/pearl-project/pearl/pkg/provider/embeddings"
)

// Retrieval defaults.
const (
	defaultMinScore = 0.3
	defaultLimit    = 10
	defaultHalfLife = 168 * time.Hour
)

// defaultTypeWeights biases retrieval toward binding memory types.
var defaultTypeWeights = map[memory.Type]float64{
	memory.TypeRule:         1.5,
	memory.TypeDecision:     1.3,
	memory.TypePreference:   1.2,
	memory.TypeFact:         1.0,
	memory.TypeHealth:       1.0,
	memory.TypeRelationship: 1.0,
	memory.TypeReminder:     0.8,
}

// Options tunes a single retrieval. Zero values take the defaults above.
type Options struct {
	// Types restricts retrieval to the given memory types. Empty means all.
	Types []memory.Type

	// TypeWeights overrides the default per-type score weights. Types absent
	// from the map keep their defaults.
	TypeWeights map[memory.Type]float64

	// RecencyBoost enables the recency factor r = 0.7 + 0.3 * 2^(-age/halfLife).
	RecencyBoost bool

	// HalfLife is the recency half-life. Zero means 168h.
	HalfLife time.Duration

	// MinScore drops memories scoring below it. Zero means 0.3.
	MinScore float64

	// Limit caps the number of results. Zero means 10.
	Limit int

	// TokenBudget caps the estimated token total of the returned memories.
	// Zero disables the budget.
	TokenBudget int

	// SkipRecordAccess suppresses the access bookkeeping side effect.
	SkipRecordAccess bool
}

// ScoredMemory pairs a retrieved memory with its composite score.
type ScoredMemory struct {
	Memory     memory.Memory
	Score      float64
	Similarity float64
}

// Retriever scores and ranks an agent's memories against a text query.
type Retriever struct {
	store    memory.Store
	embedder embeddings.Provider
	now      func() time.Time
}

// New creates a Retriever backed by the given store and embedding provider.
func New(store memory.Store, embedder embeddings.Provider) *Retriever {
	return &Retriever{store: store, embedder: embedder, now: time.Now}
}

// Retrieve returns the agent's memories ranked by score for the query.
//
// Embedding or store failures degrade gracefully: the pipeline continues
// without memories, so both paths return an empty slice and log the cause.
func (r *Retriever) Retrieve(ctx context.Context, agentID, query string, opts Options) ([]ScoredMemory, error) {
	queryEmb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("memory retrieval skipped: embedding failed", "agent", agentID, "error", err)
		return []ScoredMemory{}, nil
	}

	storeOpts := []memory.QueryOpt{}
	if len(opts.Types) > 0 {
		storeOpts = append(storeOpts, memory.WithTypes(opts.Types...))
	}
	candidates, err := r.store.Query(ctx, agentID, queryEmb, storeOpts...)
	if err != nil {
		slog.Warn("memory retrieval skipped: store query failed", "agent", agentID, "error", err)
		return []ScoredMemory{}, nil
	}

	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = defaultMinScore
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	halfLife := opts.HalfLife
	if halfLife <= 0 {
		halfLife = defaultHalfLife
	}
	now := r.now()

	scored := make([]ScoredMemory, 0, len(candidates))
	for _, cand := range candidates {
		mem := cand.Memory
		if len(mem.Embedding) == 0 {
			continue
		}
		sim := Cosine(queryEmb, mem.Embedding)
		score := sim * r.typeWeight(mem.Type, opts.TypeWeights)
		if opts.RecencyBoost {
			score *= recencyFactor(now.Sub(mem.CreatedAt), halfLife)
		}
		if score < minScore {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: mem, Score: score, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	if opts.TokenBudget > 0 {
		scored = applyTokenBudget(scored, opts.TokenBudget)
	}

	if !opts.SkipRecordAccess && len(scored) > 0 {
		ids := make([]string, len(scored))
		for i, sm := range scored {
			ids[i] = sm.Memory.ID
		}
		if err := r.store.RecordAccess(ctx, ids); err != nil {
			slog.Warn("memory access bookkeeping failed", "agent", agentID, "error", err)
		}
	}
	return scored, nil
}

func (r *Retriever) typeWeight(t memory.Type, overrides map[memory.Type]float64) float64 {
	if w, ok := overrides[t]; ok {
		return w
	}
	if w, ok := defaultTypeWeights[t]; ok {
		return w
	}
	return 1.0
}

// recencyFactor decays from 1.0 toward 0.7 as the memory ages.
func recencyFactor(age, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return 0.7 + 0.3*math.Exp2(-age.Hours()/halfLife.Hours())
}

// applyTokenBudget greedily keeps memories until the estimated token total
// would exceed the budget. The top result is always kept so a tight budget
// still yields context.
func applyTokenBudget(scored []ScoredMemory, budget int) []ScoredMemory {
	kept := scored[:0]
	total := 0
	for i, sm := range scored {
		tokens := EstimateTokens(sm.Memory.Content)
		if total+tokens > budget && i > 0 {
			break
		}
		kept = append(kept, sm)
		total += tokens
	}
	return kept
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths or
// zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
