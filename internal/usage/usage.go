// Package usage records per-request token usage and cost, and keeps account
// month-to-date spend in sync.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pearl-project/pearl/internal/router"
	"github.com/pearl-project/pearl/pkg/types"
)

// Price is the per-1000-token cost of a model, in USD.
type Price struct {
	In  float64 `yaml:"in"`
	Out float64 `yaml:"out"`
}

// PricingTable maps provider → model → price. The model key "*" matches any
// model of the provider, typically used to mark local providers as free.
type PricingTable map[string]map[string]Price

// Lookup resolves the price for a provider/model pair. Unknown pairs cost
// nothing.
func (t PricingTable) Lookup(provider, model string) Price {
	models, ok := t[provider]
	if !ok {
		return Price{}
	}
	if p, ok := models[model]; ok {
		return p
	}
	return models["*"]
}

// Cost computes the USD cost of a usage count under this table.
func (t PricingTable) Cost(provider, model string, u types.Usage) float64 {
	p := t.Lookup(provider, model)
	return float64(u.PromptTokens)*p.In/1000 + float64(u.CompletionTokens)*p.Out/1000
}

// Record is one completed request's usage entry.
type Record struct {
	RequestID        string
	OccurredAt       time.Time
	AgentID          string
	SessionID        string
	AccountID        string
	Provider         string
	Model            string
	RuleName         string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Latency          time.Duration
	FallbackUsed     bool
	FinishReason     string
}

// Log persists usage records. Implementations must be safe for concurrent
// use.
type Log interface {
	// Append writes one record.
	Append(ctx context.Context, rec Record) error

	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
}

// Recorder prices and persists usage records and bumps account spend.
type Recorder struct {
	log      Log
	registry *router.Registry
	now      func() time.Time

	mu      sync.RWMutex
	pricing PricingTable
}

// NewRecorder creates a Recorder. registry may be nil when account spend
// tracking is not wanted (tests).
func NewRecorder(log Log, pricing PricingTable, registry *router.Registry) *Recorder {
	return &Recorder{log: log, pricing: pricing, registry: registry, now: time.Now}
}

// SetPricing swaps the pricing table. In-flight records use whichever table
// was current when their cost was computed.
func (r *Recorder) SetPricing(pricing PricingTable) {
	r.mu.Lock()
	r.pricing = pricing
	r.mu.Unlock()
}

// Record computes the cost for u, persists the record, and adds the cost to
// the account's month-to-date spend. The write happens exactly once per
// delivered terminal chunk; callers must not invoke it for cancelled
// streams.
func (r *Recorder) Record(ctx context.Context, rec Record, u types.Usage) error {
	rec.PromptTokens = u.PromptTokens
	rec.CompletionTokens = u.CompletionTokens
	r.mu.RLock()
	rec.CostUSD = r.pricing.Cost(rec.Provider, rec.Model, u)
	r.mu.RUnlock()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.now()
	}

	if err := r.log.Append(ctx, rec); err != nil {
		return fmt.Errorf("usage recorder: append: %w", err)
	}

	if r.registry != nil && rec.AccountID != "" {
		if err := r.registry.AddUsage(rec.AccountID, rec.CostUSD); err != nil {
			// The record is already written; spend drift is logged, not fatal.
			slog.Error("usage recorder: account spend update failed",
				"account", rec.AccountID, "error", err)
		}
	}

	slog.Debug("usage recorded",
		"request", rec.RequestID,
		"account", rec.AccountID,
		"model", rec.Provider+"/"+rec.Model,
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"cost_usd", rec.CostUSD,
	)
	return nil
}
