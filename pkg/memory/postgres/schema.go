// Package postgres provides the PostgreSQL-backed implementation of the
// long-term memory store and the usage record log.
//
// Both tables share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	results, _ := store.Query(ctx, agentID, queryEmbedding, memory.WithLimit(10))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMemories returns the memories DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id             TEXT          PRIMARY KEY,
    agent_id       TEXT          NOT NULL,
    type           TEXT          NOT NULL,
    content        TEXT          NOT NULL,
    tags           TEXT[]        NOT NULL DEFAULT '{}',
    embedding      vector(%d),
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at     TIMESTAMPTZ   NOT NULL DEFAULT now(),
    accessed_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),
    access_count   INTEGER       NOT NULL DEFAULT 0,
    expires_at     TIMESTAMPTZ,
    source_session TEXT          NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_memories_agent_id
    ON memories (agent_id);

CREATE INDEX IF NOT EXISTS idx_memories_agent_type
    ON memories (agent_id, type);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
    id                BIGSERIAL    PRIMARY KEY,
    request_id        TEXT         NOT NULL,
    occurred_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    agent_id          TEXT         NOT NULL DEFAULT '',
    session_id        TEXT         NOT NULL DEFAULT '',
    account_id        TEXT         NOT NULL,
    provider          TEXT         NOT NULL,
    model             TEXT         NOT NULL,
    rule_name         TEXT         NOT NULL DEFAULT '',
    prompt_tokens     INTEGER      NOT NULL DEFAULT 0,
    completion_tokens INTEGER      NOT NULL DEFAULT 0,
    cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    fallback_used     BOOLEAN      NOT NULL DEFAULT FALSE,
    finish_reason     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_usage_records_account
    ON usage_records (account_id, occurred_at);

CREATE INDEX IF NOT EXISTS idx_usage_records_agent
    ON usage_records (agent_id, occurred_at);
`

// Migrate creates all required tables, indexes, and extensions. It is
// idempotent; every statement uses IF NOT EXISTS.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, ddl := range []string{ddlMemories(embeddingDimensions), ddlUsageRecords} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
