// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct requests and
// to feed controlled results without a live backend. All response fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: &llm.Result{Text: "4", TokensOut: 1},
//	}
//	res, err := p.Generate(ctx, req, opts)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/democratizeAI/council/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the request passed to Generate.
	Req llm.Request
	// Opts is the options struct passed to Generate.
	Opts llm.Options
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err to inject a failure; set Delay to simulate a slow backend.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Result is returned by Generate when Err is nil. May be nil (returns
	// an empty result).
	Result *llm.Result

	// Err, if non-nil, is returned as the error from Generate.
	Err error

	// Delay, when positive, makes Generate block for the given duration or
	// until ctx is cancelled, whichever comes first. Cancellation returns
	// ctx.Err().
	Delay time.Duration

	// GenerateFn, when non-nil, replaces the canned Result/Err behaviour
	// entirely. The call is still recorded.
	GenerateFn func(ctx context.Context, req llm.Request, opts llm.Options) (*llm.Result, error)

	// Estimate is returned by CostEstimate.
	Estimate float64

	// Status is returned by Health.
	Status llm.Status

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	// HealthCallCount is the number of times Health was called.
	HealthCallCount int
}

// Generate records the call and returns the configured result.
func (p *Provider) Generate(ctx context.Context, req llm.Request, opts llm.Options) (*llm.Result, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Req: req, Opts: opts})
	fn := p.GenerateFn
	delay := p.Delay
	res := p.Result
	err := p.Err
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req, opts)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &llm.Result{}, nil
	}
	cp := *res
	return &cp, nil
}

// CostEstimate returns the configured estimate.
func (p *Provider) CostEstimate(llm.Options) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Estimate
}

// Health records the call and returns the configured status.
func (p *Provider) Health(context.Context) llm.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HealthCallCount++
	return p.Status
}

// Calls returns a copy of the recorded Generate calls. Thread-safe.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateCall, len(p.GenerateCalls))
	copy(out, p.GenerateCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.HealthCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
