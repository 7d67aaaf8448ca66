package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryLog is an in-process ring buffer of usage records. It backs the
// recorder when no database is configured and serves tests.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates a ring holding the most recent capacity records.
// Non-positive capacity defaults to 1024.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryLog{records: make([]Record, capacity)}
}

// Append implements [Log].
func (l *MemoryLog) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Recent implements [Log].
func (l *MemoryLog) Recent(_ context.Context, n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.records)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.records)) % len(l.records)
		out = append(out, l.records[idx])
	}
	return out, nil
}

// PostgresLog persists usage records in the usage_records table, sharing the
// memory store's connection pool.
type PostgresLog struct {
	pool *pgxpool.Pool
}

var _ Log = (*PostgresLog)(nil)

// NewPostgresLog creates a PostgresLog on an existing pool. The table is
// created by the memory store migration.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Append implements [Log].
func (l *PostgresLog) Append(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO usage_records
		    (request_id, occurred_at, agent_id, session_id, account_id,
		     provider, model, rule_name, prompt_tokens, completion_tokens,
		     cost_usd, latency_ms, fallback_used, finish_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := l.pool.Exec(ctx, q,
		rec.RequestID,
		rec.OccurredAt,
		rec.AgentID,
		rec.SessionID,
		rec.AccountID,
		rec.Provider,
		rec.Model,
		rec.RuleName,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.CostUSD,
		rec.Latency.Milliseconds(),
		rec.FallbackUsed,
		rec.FinishReason,
	)
	if err != nil {
		return fmt.Errorf("usage log: append: %w", err)
	}
	return nil
}

// Recent implements [Log].
func (l *PostgresLog) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 100
	}
	const q = `
		SELECT request_id, occurred_at, agent_id, session_id, account_id,
		       provider, model, rule_name, prompt_tokens, completion_tokens,
		       cost_usd, latency_ms, fallback_used, finish_reason
		FROM   usage_records
		ORDER  BY occurred_at DESC
		LIMIT  $1`

	rows, err := l.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("usage log: recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			rec       Record
			latencyMS int64
		)
		err := row.Scan(
			&rec.RequestID,
			&rec.OccurredAt,
			&rec.AgentID,
			&rec.SessionID,
			&rec.AccountID,
			&rec.Provider,
			&rec.Model,
			&rec.RuleName,
			&rec.PromptTokens,
			&rec.CompletionTokens,
			&rec.CostUSD,
			&latencyMS,
			&rec.FallbackUsed,
			&rec.FinishReason,
		)
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage log: scan: %w", err)
	}
	return records, nil
}
