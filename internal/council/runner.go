package council

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/democratizeAI/council/internal/budget"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// Generator is the slice of the provider registry the runner needs.
type Generator interface {
	Generate(ctx context.Context, providerName, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, error)
	CostEstimate(providerName string, opts llm.Options) float64
}

// Authoriser is the slice of the budget guard the runner needs.
type Authoriser interface {
	Authorise(sessionID string, estimatedCost float64) error
}

// Runner executes one specialist under its declared caps and normalises the
// outcome into a Candidate. Run never returns an error: every failure mode
// becomes a status.
type Runner struct {
	gen   Generator
	auth  Authoriser
	scrub *Scrubber
	log   *slog.Logger
}

// NewRunner wires a runner. log may be nil.
func NewRunner(gen Generator, auth Authoriser, scrub *Scrubber, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{gen: gen, auth: auth, scrub: scrub, log: log}
}

// Run dispatches the specialist described by desc against the prompt.
// dominant is the top intent domain; matching specialists get the gentler
// length penalty.
func (r *Runner) Run(ctx context.Context, desc Descriptor, sessionID, prompt, system, dominant string) Candidate {
	cand := Candidate{Specialist: desc.Name}
	opts := llm.Options{
		MaxTokens:   desc.TokenCap,
		Temperature: desc.Temperature,
		Timeout:     desc.Timeout,
	}

	if err := r.auth.Authorise(sessionID, r.gen.CostEstimate(desc.Provider, opts)); err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			cand.Status = StatusBudgetDenied
			cand.ErrKind = "budget_exceeded"
			return cand
		}
		cand.Status = StatusError
		cand.ErrKind = "internal"
		return cand
	}

	start := time.Now()
	res, err := r.gen.Generate(ctx, desc.Provider, sessionID, llm.Request{Prompt: prompt, System: system}, opts)
	cand.Latency = time.Since(start)
	if err != nil {
		kind := llm.Kind(err)
		if kind == "timeout" {
			cand.Status = StatusTimeout
		} else {
			cand.Status = StatusError
		}
		cand.ErrKind = kind
		r.log.Debug("specialist run failed", "specialist", desc.Name, "kind", kind, "err", err)
		return cand
	}

	cand.Cost = res.CostUSD
	cand.Tokens = res.TokensOut
	cand.Truncated = res.Truncated

	text, verdict := r.scrub.Scrub(res.Text)
	cand.Text = text
	switch verdict {
	case ScrubStub:
		cand.Status = StatusStubFiltered
		cand.Confidence = 0
		return cand
	case ScrubUnsure:
		cand.Status = StatusUnsure
		cand.Confidence = 0.05
		return cand
	}

	// Providers already cap completion length; enforce the descriptor cap
	// again so a misbehaving backend cannot leak an oversized candidate.
	if cand.Tokens > desc.TokenCap {
		cand.Text = truncateWords(cand.Text, desc.TokenCap)
		cand.Tokens = desc.TokenCap
		cand.Truncated = true
	}

	base := res.Confidence
	if base <= 0 {
		base = HeuristicConfidence(cand.Text, cand.Truncated)
	}
	cand.Confidence = LengthAdjust(base, cand.Tokens, desc.Matches(dominant))
	cand.Status = StatusOK
	return cand
}

// truncateWords cuts text to approximately n tokens at a word boundary.
func truncateWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}
