package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/pearl-project/pearl/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed long-term memory store. It holds a single
// [pgxpool.Pool] shared with the usage record log.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.Memory.Embedding] values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool so the usage record log can
// share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Query implements [memory.Store]. It finds the memories of agentID closest
// (cosine distance) to the supplied query embedding, with expired records
// excluded.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) Query(ctx context.Context, agentID string, embedding []float32, opts ...memory.QueryOpt) ([]memory.QueryResult, error) {
	params := memory.ApplyQueryOpts(opts)
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, agentID} // $1 = query vector, $2 = agent
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"agent_id = $2",
		"(expires_at IS NULL OR expires_at > now())",
	}
	if len(params.Types) > 0 {
		types := make([]string, len(params.Types))
		for i, t := range params.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, "type = ANY("+next(types)+")")
	}
	if len(params.Tags) > 0 {
		conditions = append(conditions, "tags && "+next(params.Tags))
	}
	if params.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= "+next(params.MinConfidence))
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, agent_id, type, content, tags, embedding, confidence,
		       created_at, accessed_at, access_count, expires_at, source_session,
		       embedding <=> $1 AS distance
		FROM   memories
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory store: query: %w", err)
	}

	results, err := pgx.CollectRows(rows, scanQueryResult)
	if err != nil {
		return nil, fmt.Errorf("memory store: scan query results: %w", err)
	}
	if results == nil {
		results = []memory.QueryResult{}
	}
	return results, nil
}

func scanQueryResult(row pgx.CollectableRow) (memory.QueryResult, error) {
	var (
		qr        memory.QueryResult
		memType   string
		vec       pgvector.Vector
		expiresAt *time.Time
	)
	if err := row.Scan(
		&qr.Memory.ID,
		&qr.Memory.AgentID,
		&memType,
		&qr.Memory.Content,
		&qr.Memory.Tags,
		&vec,
		&qr.Memory.Confidence,
		&qr.Memory.CreatedAt,
		&qr.Memory.AccessedAt,
		&qr.Memory.AccessCount,
		&expiresAt,
		&qr.Memory.SourceSession,
		&qr.Distance,
	); err != nil {
		return memory.QueryResult{}, err
	}
	qr.Memory.Type = memory.Type(memType)
	qr.Memory.Embedding = vec.Slice()
	if expiresAt != nil {
		qr.Memory.ExpiresAt = *expiresAt
	}
	return qr, nil
}

// Create implements [memory.Store].
func (s *Store) Create(ctx context.Context, mem memory.Memory) error {
	const q = `
		INSERT INTO memories
		    (id, agent_id, type, content, tags, embedding, confidence,
		     created_at, accessed_at, access_count, expires_at, source_session)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var expiresAt *time.Time
	if !mem.ExpiresAt.IsZero() {
		expiresAt = &mem.ExpiresAt
	}
	createdAt := mem.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	accessedAt := mem.AccessedAt
	if accessedAt.IsZero() {
		accessedAt = createdAt
	}

	_, err := s.pool.Exec(ctx, q,
		mem.ID,
		mem.AgentID,
		string(mem.Type),
		mem.Content,
		mem.Tags,
		pgvector.NewVector(mem.Embedding),
		mem.Confidence,
		createdAt,
		accessedAt,
		mem.AccessCount,
		expiresAt,
		mem.SourceSession,
	)
	if err != nil {
		return fmt.Errorf("memory store: create: %w", err)
	}
	return nil
}

// Get implements [memory.Store].
func (s *Store) Get(ctx context.Context, id string) (*memory.Memory, error) {
	const q = `
		SELECT id, agent_id, type, content, tags, embedding, confidence,
		       created_at, accessed_at, access_count, expires_at, source_session,
		       0::float8
		FROM   memories
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("memory store: get: %w", err)
	}
	qr, err := pgx.CollectOneRow(rows, scanQueryResult)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory store: get: %w", err)
	}
	return &qr.Memory, nil
}

// RecordAccess implements [memory.Store].
func (s *Store) RecordAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
		UPDATE memories
		SET    accessed_at = now(), access_count = access_count + 1
		WHERE  id = ANY($1)`

	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("memory store: record access: %w", err)
	}
	return nil
}
