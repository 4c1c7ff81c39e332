package memory

import (
	"strings"
	"time"
)

// SummaryTokenCap bounds the rolling session summary. UpdateSummary rejects
// longer text instead of silently truncating, so callers trim first.
const SummaryTokenCap = 80

// Entry is one immutable memory record: a user message or an assistant final
// reply. Entries are never mutated after Add; old entries move to the archive
// and are eventually purged.
type Entry struct {
	// ID is the unique entry identifier (UUID).
	ID string

	// SessionID scopes the entry to one conversation.
	SessionID string

	// Content is the raw text that was embedded.
	Content string

	// Tags are free-form labels ("user", "assistant", "refined", ...).
	Tags []string

	// Embedding is the vector for Content, fixed-dimension per store.
	Embedding []float32

	// CreatedAt is when the entry was added.
	CreatedAt time.Time
}

// Turn is one prompt/response pair in a session's append-only log. FinalText
// starts equal to DraftText and may be replaced exactly once by a successful
// refinement; after that the record is immutable.
type Turn struct {
	// ID is the unique turn identifier (UUID).
	ID string

	// SessionID scopes the turn to one conversation.
	SessionID string

	// PromptText is the user prompt as received.
	PromptText string

	// DraftText is the first answer shown to the user.
	DraftText string

	// FinalText is the answer of record. Equals DraftText until a refinement
	// lands.
	FinalText string

	// Provenance names the models that produced FinalText ("agent0", or the
	// winning specialists).
	Provenance []string

	// Confidence is the score of FinalText at the time it was committed.
	Confidence float64

	// Tokens and Cost aggregate all generation spent on this turn.
	Tokens int
	Cost   float64

	// CreatedAt is the prompt arrival time.
	CreatedAt time.Time
}

// Match pairs a retrieved entry with its cosine similarity to the query,
// in [-1, 1], higher is more similar.
type Match struct {
	Entry Entry
	Score float64
}

// QueryResult is the outcome of a semantic recall.
type QueryResult struct {
	// Matches are ordered by Score descending.
	Matches []Match

	// Truncated is set when the query deadline elapsed before the full
	// candidate set was scanned and Matches is best-effort partial.
	Truncated bool
}

// EstimateTokens approximates the token count of s as its whitespace-separated
// word count. Words slightly overcount tokens for English text, which keeps
// capacity checks conservative.
func EstimateTokens(s string) int {
	return len(strings.Fields(s))
}
