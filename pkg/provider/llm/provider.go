// Package llm defines the Provider interface for text-generation backends.
//
// A generation provider wraps a remote or local model API (e.g., OpenAI,
// Anthropic, or a local Ollama / llama.cpp instance) and exposes a uniform
// single-shot Generate capability for the council orchestrator, hiding SDK
// differences, token accounting, and pricing behind one interface.
//
// Implementors must be safe for concurrent use. Generate must propagate
// context cancellation promptly: when ctx is cancelled the call returns as
// quickly as possible with a wrapped [context.Canceled].
package llm

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the recoverable failure classes every caller must be
// prepared to handle. Wrap with fmt.Errorf("...: %w", err) so errors.Is works
// across layers.
var (
	// ErrTimeout indicates the wall-clock deadline elapsed before any token
	// was produced. A deadline elapsing after the first token yields a
	// partial Result with Truncated=true instead.
	ErrTimeout = errors.New("generation timed out")

	// ErrProviderDown indicates the backend is known-unreachable and the
	// call was failed fast without dispatching.
	ErrProviderDown = errors.New("provider is down")

	// ErrInvalidOpts indicates the supplied Options are out of range
	// (e.g., temperature outside [0, 2] or a non-positive token cap).
	ErrInvalidOpts = errors.New("invalid generation options")
)

// UpstreamError wraps a provider-specific failure so callers can label it
// uniformly while preserving the original error chain.
type UpstreamError struct {
	// Provider is the registered provider name.
	Provider string

	// Err is the underlying SDK or transport error.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return "upstream error from " + e.Provider + ": " + e.Err.Error()
}

// Unwrap exposes the wrapped error for errors.Is / errors.As.
func (e *UpstreamError) Unwrap() error { return e.Err }

// Status is the coarse health classification of a provider backend.
type Status int

const (
	// StatusHealthy means the backend is serving requests normally.
	StatusHealthy Status = iota

	// StatusDegraded means recent calls succeeded only partially or slowly;
	// the backend is usable but should not be preferred.
	StatusDegraded

	// StatusDown means the backend is unreachable; Generate calls should be
	// failed fast with [ErrProviderDown].
	StatusDown
)

// String returns the lowercase label used in metrics and the health endpoint.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// Request carries the prompt for a single Generate call.
type Request struct {
	// Prompt is the user-facing prompt, already enhanced with any injected
	// conversational context by the caller.
	Prompt string

	// System is an optional high-priority instruction. Providers without a
	// dedicated system slot prepend it as a system-role message.
	System string
}

// Options is the fixed set of per-call generation knobs.
type Options struct {
	// MaxTokens is the hard cap on completion tokens. Must be positive;
	// providers clip it to their own model cap.
	MaxTokens int

	// Temperature controls randomness in [0.0, 2.0]. 0 requests greedy decoding.
	Temperature float64

	// Timeout is the wall-clock deadline for the whole call. Time elapsing
	// beyond it yields a partial Result with Truncated=true if any tokens
	// were produced, else [ErrTimeout].
	Timeout time.Duration

	// StopSequences optionally terminate generation early.
	StopSequences []string

	// StreamSink, when non-nil, receives incremental token text as it
	// arrives. The provider never closes the channel; sends are dropped if
	// the sink is not ready, so a buffered channel is recommended.
	StreamSink chan<- string
}

// Result is the outcome of a successful (possibly truncated) generation.
type Result struct {
	// Text is the full generated text.
	Text string

	// TokensIn is the number of prompt tokens consumed.
	TokensIn int

	// TokensOut is the number of completion tokens produced.
	TokensOut int

	// CostUSD is the estimated cost of this call. Zero for local backends.
	CostUSD float64

	// FirstTokenLatency is the time from dispatch to the first token.
	FirstTokenLatency time.Duration

	// TotalLatency is the time from dispatch to the final token.
	TotalLatency time.Duration

	// Truncated is true when output was cut short by MaxTokens, a stop
	// sequence at the cap, or the deadline elapsing mid-stream.
	Truncated bool

	// Confidence is a provider-reported confidence in [0,1], or 0 when the
	// backend reports none. Callers fall back to heuristic scoring.
	Confidence float64

	// Meta carries provider-specific key/value details (model id, finish
	// reason, GPU utilisation where reported). May be nil.
	Meta map[string]string
}

// Provider is the abstraction over any generation backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Generate sends req to the model and waits for the full response,
	// honouring every field of opts. Errors are one of the sentinels above,
	// an [*UpstreamError], or a wrapped context error.
	Generate(ctx context.Context, req Request, opts Options) (*Result, error)

	// CostEstimate returns a conservative upper bound in USD for a call with
	// the given options, used for budget pre-authorisation. Implementations
	// must not undercount; unknown pricing returns a pessimistic default.
	CostEstimate(opts Options) float64

	// Health reports the backend's current status. Implementations should
	// answer from cached state; the registry rate-limits probing.
	Health(ctx context.Context) Status
}

// ValidateOptions checks opts against the documented ranges. Returns a
// wrapped [ErrInvalidOpts] on the first violation.
func ValidateOptions(opts Options) error {
	if opts.MaxTokens <= 0 {
		return errors.Join(ErrInvalidOpts, errors.New("max_tokens must be positive"))
	}
	if opts.Temperature < 0 || opts.Temperature > 2 {
		return errors.Join(ErrInvalidOpts, errors.New("temperature must be in [0, 2]"))
	}
	if opts.Timeout < 0 {
		return errors.Join(ErrInvalidOpts, errors.New("timeout must not be negative"))
	}
	return nil
}

// Kind maps err to the stable label used for metrics attribution. Everything
// outside the documented taxonomy collapses to "internal".
func Kind(err error) string {
	var ue *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrProviderDown):
		return "provider_down"
	case errors.Is(err, ErrInvalidOpts):
		return "invalid_input"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &ue):
		return "upstream"
	default:
		return "internal"
	}
}
