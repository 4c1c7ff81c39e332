// Package embeddings defines the Provider interface for text-embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The memory layer
// uses these vectors for semantic recall over stored conversation turns and
// distilled facts: every entry is embedded on write and queries are embedded
// on read, so the store only ever compares vectors produced by the same
// provider instance.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors produced by one Provider instance share the dimensionality
// reported by Dimensions. Vectors from different instances live in different
// spaces and must never be compared; the memory store records the model id
// alongside persisted vectors to detect a swapped backend on restart.
type Provider interface {
	// Embed computes the vector for a single text. The text is passed to the
	// backend verbatim; any model-specific prefixing ("query: ", "passage: ")
	// is the caller's responsibility. Returns a slice of length Dimensions()
	// or an error when the request fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for several texts in one backend call. The
	// result is ordered like texts (result[i] belongs to texts[i]). On any
	// failure the whole result is nil; partial batches are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	// Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend model identifier (e.g.
	// "text-embedding-3-small"). Persisted with stored vectors so a model
	// change invalidates the index instead of silently corrupting recall.
	ModelID() string
}
