// Package anyllm provides a universal generation provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "qwen2.5:3b")
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/democratizeAI/council/pkg/provider/llm"
)

// downAfterFailures is the number of consecutive Generate failures after
// which Health reports StatusDown.
const downAfterFailures = 3

// localBackends are backends that run on this host and therefore bill nothing.
var localBackends = map[string]bool{
	"ollama":    true,
	"llamacpp":  true,
	"llamafile": true,
}

// modelPrice holds USD per 1M tokens for a model family.
type modelPrice struct {
	in  float64
	out float64
}

// pricing maps model-name prefixes to list prices. Matched longest-prefix
// first by lookup order; unknown cloud models fall back to defaultPrice.
var pricing = []struct {
	prefix string
	price  modelPrice
}{
	{"gpt-4o-mini", modelPrice{in: 0.15, out: 0.60}},
	{"gpt-4o", modelPrice{in: 2.50, out: 10.00}},
	{"gpt-3.5", modelPrice{in: 0.50, out: 1.50}},
	{"o3-mini", modelPrice{in: 1.10, out: 4.40}},
	{"claude-3-5-haiku", modelPrice{in: 0.80, out: 4.00}},
	{"claude-3-haiku", modelPrice{in: 0.25, out: 1.25}},
	{"claude", modelPrice{in: 3.00, out: 15.00}},
	{"gemini-1.5-flash", modelPrice{in: 0.075, out: 0.30}},
	{"gemini", modelPrice{in: 1.25, out: 5.00}},
	{"deepseek", modelPrice{in: 0.27, out: 1.10}},
	{"mistral", modelPrice{in: 2.00, out: 6.00}},
}

// defaultPrice is the conservative upper bound for unrecognised cloud models.
var defaultPrice = modelPrice{in: 5.00, out: 15.00}

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend     anyllmlib.Provider
	backendName string
	model       string
	local       bool

	// consecutiveFails drives the Health classification.
	consecutiveFails atomic.Int64
}

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// New creates a Provider backed by the given backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// specific model to use (e.g., "gpt-4o-mini", "qwen2.5:3b").
//
// opts are any-llm-go configuration options (anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the relevant environment
// variable is consulted (OPENAI_API_KEY, ANTHROPIC_API_KEY, …).
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	return &Provider{
		backend:     backend,
		backendName: backendName,
		model:       model,
		local:       localBackends[strings.ToLower(backendName)],
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the backend name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Generate implements llm.Provider. It streams the completion so that
// first-token latency can be measured and incremental tokens forwarded to
// opts.StreamSink, and enforces MaxTokens, StopSequences, and Timeout
// client-side on top of whatever the backend honours natively.
func (p *Provider) Generate(ctx context.Context, req llm.Request, opts llm.Options) (*llm.Result, error) {
	if err := llm.ValidateOptions(opts); err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	params := p.buildParams(req, opts)
	start := time.Now()
	chunks, errs := p.backend.CompletionStream(ctx, params)

	var (
		buf        strings.Builder
		firstToken time.Duration
		finish     string
		gotToken   bool
	)

collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case chunk, ok := <-chunks:
			if !ok {
				break collect
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !gotToken {
					gotToken = true
					firstToken = time.Since(start)
				}
				buf.WriteString(choice.Delta.Content)
				if opts.StreamSink != nil {
					select {
					case opts.StreamSink <- choice.Delta.Content:
					default:
					}
				}
				if idx := stopIndex(buf.String(), opts.StopSequences); idx >= 0 {
					text := buf.String()[:idx]
					buf.Reset()
					buf.WriteString(text)
					finish = "stop"
					break collect
				}
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
				break collect
			}
		}
	}

	// Drain any residual backend error once the chunk stream is done.
	var upstreamErr error
	select {
	case upstreamErr = <-errs:
	default:
	}

	text := buf.String()

	if !gotToken {
		p.consecutiveFails.Add(1)
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return nil, fmt.Errorf("anyllm %s: %w", p.backendName, llm.ErrTimeout)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("anyllm %s: %w", p.backendName, ctx.Err())
		case upstreamErr != nil:
			return nil, &llm.UpstreamError{Provider: p.backendName, Err: upstreamErr}
		default:
			return nil, &llm.UpstreamError{Provider: p.backendName, Err: fmt.Errorf("empty completion")}
		}
	}

	p.consecutiveFails.Store(0)

	tokensIn := approxTokens(req.System) + approxTokens(req.Prompt)
	tokensOut := approxTokens(text)
	if tokensOut > opts.MaxTokens {
		text = truncateTokens(text, opts.MaxTokens)
		tokensOut = opts.MaxTokens
		finish = "length"
	}

	res := &llm.Result{
		Text:              text,
		TokensIn:          tokensIn,
		TokensOut:         tokensOut,
		CostUSD:           p.cost(tokensIn, tokensOut),
		FirstTokenLatency: firstToken,
		TotalLatency:      time.Since(start),
		Truncated:         finish == "length" || ctx.Err() != nil,
		Meta: map[string]string{
			"model":         p.model,
			"backend":       p.backendName,
			"finish_reason": finish,
		},
	}
	return res, nil
}

// CostEstimate implements llm.Provider. The prompt side is unknown before
// dispatch, so a fixed 2048-token allowance is assumed on top of the full
// completion cap.
func (p *Provider) CostEstimate(opts llm.Options) float64 {
	return p.cost(2048, opts.MaxTokens)
}

// Health implements llm.Provider. Classification is derived from the recent
// Generate outcomes: a run of failures marks the backend Degraded, then Down.
func (p *Provider) Health(_ context.Context) llm.Status {
	switch fails := p.consecutiveFails.Load(); {
	case fails >= downAfterFailures:
		return llm.StatusDown
	case fails > 0:
		return llm.StatusDegraded
	default:
		return llm.StatusHealthy
	}
}

// buildParams converts our Request/Options into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.Request, opts llm.Options) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.Prompt,
	})

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		params.Temperature = &t
	}
	mt := opts.MaxTokens
	params.MaxTokens = &mt
	return params
}

// cost converts token counts to USD using the pricing table. Local backends
// always cost zero.
func (p *Provider) cost(tokensIn, tokensOut int) float64 {
	if p.local {
		return 0
	}
	price := defaultPrice
	lower := strings.ToLower(p.model)
	for _, entry := range pricing {
		if strings.HasPrefix(lower, entry.prefix) {
			price = entry.price
			break
		}
	}
	return (float64(tokensIn)*price.in + float64(tokensOut)*price.out) / 1_000_000
}

// approxTokens estimates token counts at ~4 characters per token plus a small
// per-message overhead. Deliberately rounds up so budgets never undercount.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s)+3)/4 + 4
}

// truncateTokens cuts s to approximately n tokens at a whitespace boundary.
func truncateTokens(s string, n int) string {
	fields := strings.Fields(s)
	// Whitespace-delimited words overestimate tokens slightly, which keeps
	// the result under the cap.
	if len(fields) <= n {
		if len(s) > n*4 {
			cut := n * 4
			// Back off to a rune start so the cut never splits a code point.
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			return strings.TrimSpace(s[:cut])
		}
		return s
	}
	return strings.Join(fields[:n], " ")
}

// stopIndex returns the index of the earliest occurrence of any stop
// sequence in s, or -1 when none occur.
func stopIndex(s string, stops []string) int {
	earliest := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(s, stop); idx >= 0 && (earliest < 0 || idx < earliest) {
			earliest = idx
		}
	}
	return earliest
}
