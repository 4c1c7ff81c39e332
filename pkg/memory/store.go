// Package memory defines the conversational memory contract for the council:
// a session-scoped store combining a semantic vector index over immutable
// entries, an append-only turn log, and a bounded rolling summary per session.
//
// Writes are acknowledged once visible to in-process retrieval; durability is
// asynchronous (write-behind). Reads therefore always observe a caller's own
// prior writes, while the durable log may lag by up to the flush interval.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput rejects empty content, unknown sessions on summary
	// updates, and over-cap summaries.
	ErrInvalidInput = errors.New("memory: invalid input")

	// ErrStoreUnavailable indicates the durable backing has been unreachable
	// longer than the configured grace period. Queries keep serving from the
	// in-process state; only writes fail with this.
	ErrStoreUnavailable = errors.New("memory: store unavailable")

	// ErrTurnFinalised indicates a second attempt to replace a turn's final
	// text. Final text may change exactly once.
	ErrTurnFinalised = errors.New("memory: turn already finalised")
)

// Store is the conversational memory layer.
type Store interface {
	// Add records content for the session and returns the new entry id. The
	// entry is visible to Query and Recent before Add returns; durable
	// persistence happens in the background. Empty or whitespace-only content
	// fails with ErrInvalidInput.
	Add(ctx context.Context, sessionID, content string, tags []string) (string, error)

	// Query returns up to k entries from the session most similar to
	// queryText, ordered by similarity descending. Never fails on degraded
	// persistence; under deadline pressure it returns partial results with
	// Truncated set. An empty queryText fails with ErrInvalidInput.
	Query(ctx context.Context, sessionID, queryText string, k int) (*QueryResult, error)

	// Recent returns the session's most recent n entries in append order
	// (oldest of the window first).
	Recent(ctx context.Context, sessionID string, n int) ([]Entry, error)

	// Summary returns the session's rolling summary, or "" when none exists.
	Summary(ctx context.Context, sessionID string) (string, error)

	// UpdateSummary replaces the session summary. Text over SummaryTokenCap
	// tokens fails with ErrInvalidInput.
	UpdateSummary(ctx context.Context, sessionID, text string) error

	// AppendTurn appends a turn to the session log. Turns within a session
	// are kept in the order they are appended.
	AppendTurn(ctx context.Context, turn Turn) error

	// FinaliseTurn replaces the turn's final text with the refinement
	// outcome. A second call for the same turn fails with ErrTurnFinalised.
	FinaliseTurn(ctx context.Context, sessionID, turnID, finalText string, provenance []string, confidence float64) error

	// Turns returns the session's most recent n turns in append order.
	Turns(ctx context.Context, sessionID string, n int) ([]Turn, error)
}

// Replica is an optional secondary read cache the write-behind flusher
// mirrors entries into, e.g. a Postgres/pgvector instance shared with other
// processes. Replica failures never fail user requests; the flusher retries
// with backoff.
type Replica interface {
	// Upsert mirrors an entry. Replaying the same entry must be idempotent.
	Upsert(ctx context.Context, entry Entry) error

	// Search returns the k entries in the session closest to the embedding,
	// most similar first.
	Search(ctx context.Context, sessionID string, embedding []float32, k int) ([]Match, error)

	// Close releases the replica's resources.
	Close()
}
