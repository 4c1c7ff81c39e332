// Package postgres provides a PostgreSQL/pgvector implementation of
// memory.Replica: a secondary read cache the local store's write-behind
// flusher mirrors entries into, so recall can be served (and inspected) from
// shared infrastructure. The pgvector extension must be available; New
// installs it and the schema idempotently.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/democratizeAI/council/pkg/memory"
)

var _ memory.Replica = (*Replica)(nil)

// Replica mirrors memory entries into a PostgreSQL table with an HNSW cosine
// index. Safe for concurrent use.
type Replica struct {
	pool *pgxpool.Pool
}

// ddl returns the schema with the embedding dimension baked into the vector
// column. Changing the dimension after first migration needs a manual schema
// change.
func ddl(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS council_entries (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    tags        TEXT[]       NOT NULL DEFAULT '{}',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_council_entries_session
    ON council_entries (session_id);

CREATE INDEX IF NOT EXISTS idx_council_entries_embedding
    ON council_entries USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and ensures the schema exists. embeddingDims must match the
// configured embedding model.
func New(ctx context.Context, dsn string, embeddingDims int) (*Replica, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres replica: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres replica: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres replica: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl(embeddingDims)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres replica: migrate: %w", err)
	}
	return &Replica{pool: pool}, nil
}

// Upsert implements memory.Replica. Replays of the same entry id are
// idempotent, which lets the flusher retry whole batches safely.
func (r *Replica) Upsert(ctx context.Context, entry memory.Entry) error {
	const q = `
		INSERT INTO council_entries (id, session_id, content, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    content    = EXCLUDED.content,
		    tags       = EXCLUDED.tags,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	_, err := r.pool.Exec(ctx, q,
		entry.ID,
		entry.SessionID,
		entry.Content,
		entry.Tags,
		pgvector.NewVector(entry.Embedding),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres replica: upsert: %w", err)
	}
	return nil
}

// Search implements memory.Replica using pgvector cosine distance. Scores are
// reported as similarity (1 - distance) so they compose with the local index.
func (r *Replica) Search(ctx context.Context, sessionID string, embedding []float32, k int) ([]memory.Match, error) {
	const q = `
		SELECT id, session_id, content, tags, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   council_entries
		WHERE  session_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := r.pool.Query(ctx, q, pgvector.NewVector(embedding), sessionID, k)
	if err != nil {
		return nil, fmt.Errorf("postgres replica: search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Match, error) {
		var (
			m        memory.Match
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&m.Entry.ID,
			&m.Entry.SessionID,
			&m.Entry.Content,
			&m.Entry.Tags,
			&vec,
			&m.Entry.CreatedAt,
			&distance,
		); err != nil {
			return memory.Match{}, err
		}
		m.Entry.Embedding = vec.Slice()
		m.Score = 1 - distance
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres replica: scan rows: %w", err)
	}
	if matches == nil {
		matches = []memory.Match{}
	}
	return matches, nil
}

// Close releases the connection pool.
func (r *Replica) Close() {
	r.pool.Close()
}
