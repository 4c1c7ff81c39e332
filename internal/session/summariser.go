// Package session maintains the rolling per-session summary injected into
// every draft prompt. A summary is at most [memory.SummaryTokenCap] tokens;
// the LLM-backed summariser is preferred, with a deterministic extractive
// fallback when the model is unavailable, and a cache so unchanged histories
// are never re-summarised.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/democratizeAI/council/pkg/memory"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// summarisationPrompt is the system prompt for the LLM-backed summariser.
const summarisationPrompt = `Summarise the following conversation between a user and an assistant.
Preserve: open questions, stated preferences, facts the user provided, and commitments the
assistant made. Be concise; the summary must fit in roughly 60 words.`

// extractTurns is how many trailing turns the extractive fallback samples.
const extractTurns = 5

// Summariser condenses a session's turn history into one short summary.
type Summariser interface {
	// Summarise returns a summary of turns within the token cap. An empty
	// history summarises to the empty string without error.
	Summarise(ctx context.Context, turns []memory.Turn) (string, error)
}

// LLMSummariser asks a generation backend for the summary. Use the local
// provider here; summaries run on every flush cycle and must stay free.
type LLMSummariser struct {
	provider llm.Provider
	timeout  time.Duration
}

// NewLLMSummariser creates an [LLMSummariser]. timeout <= 0 defaults to 2s.
func NewLLMSummariser(provider llm.Provider, timeout time.Duration) *LLMSummariser {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &LLMSummariser{provider: provider, timeout: timeout}
}

// Summarise formats the turn history into a transcript and asks the model to
// condense it. The result is clipped to the summary token cap.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []memory.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&sb, "[user]: %s\n[assistant]: %s\n", turn.PromptText, turn.FinalText)
	}

	res, err := s.provider.Generate(ctx, llm.Request{
		Prompt: sb.String(),
		System: summarisationPrompt,
	}, llm.Options{
		MaxTokens:   memory.SummaryTokenCap,
		Temperature: 0.3,
		Timeout:     s.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}
	return clipTokens(strings.TrimSpace(res.Text), memory.SummaryTokenCap), nil
}

// ExtractiveSummariser is the model-free fallback: the leading sentence of
// each recent final answer, clipped to the cap. Deterministic for a given
// history.
type ExtractiveSummariser struct{}

// Summarise implements [Summariser].
func (ExtractiveSummariser) Summarise(_ context.Context, turns []memory.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	start := len(turns) - extractTurns
	if start < 0 {
		start = 0
	}

	var parts []string
	for _, turn := range turns[start:] {
		if s := firstSentence(turn.FinalText); s != "" {
			parts = append(parts, s)
		}
	}
	return clipTokens(strings.Join(parts, " "), memory.SummaryTokenCap), nil
}

// FallbackSummariser tries primary and falls back on any error, so a down
// local model degrades summaries instead of dropping them.
type FallbackSummariser struct {
	primary  Summariser
	fallback Summariser
	log      *slog.Logger
}

// NewFallbackSummariser wires the chain. log may be nil.
func NewFallbackSummariser(primary, fallback Summariser, log *slog.Logger) *FallbackSummariser {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackSummariser{primary: primary, fallback: fallback, log: log}
}

// Summarise implements [Summariser].
func (f *FallbackSummariser) Summarise(ctx context.Context, turns []memory.Turn) (string, error) {
	summary, err := f.primary.Summarise(ctx, turns)
	if err == nil {
		return summary, nil
	}
	f.log.Warn("primary summariser failed, using extractive fallback", "err", err)
	return f.fallback.Summarise(ctx, turns)
}

// CachingSummariser memoises the last result keyed by the turn history, so
// repeated flush cycles without new turns cost nothing.
type CachingSummariser struct {
	inner Summariser

	mu     sync.Mutex
	key    uint64
	cached string
	valid  bool
}

// NewCachingSummariser wraps inner with a single-entry cache.
func NewCachingSummariser(inner Summariser) *CachingSummariser {
	return &CachingSummariser{inner: inner}
}

// Summarise implements [Summariser].
func (c *CachingSummariser) Summarise(ctx context.Context, turns []memory.Turn) (string, error) {
	key := historyKey(turns)

	c.mu.Lock()
	if c.valid && c.key == key {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	summary, err := c.inner.Summarise(ctx, turns)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.key = key
	c.cached = summary
	c.valid = true
	c.mu.Unlock()
	return summary, nil
}

// historyKey hashes the turn ids. A refinement replaces FinalText without
// changing ids, so the final text of the last turn feeds the hash too.
func historyKey(turns []memory.Turn) uint64 {
	h := fnv.New64a()
	for _, turn := range turns {
		h.Write([]byte(turn.ID))
		h.Write([]byte{0})
	}
	if len(turns) > 0 {
		h.Write([]byte(turns[len(turns)-1].FinalText))
	}
	return h.Sum64()
}

// firstSentence returns text up to and including the first terminator.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		return text[:i+1]
	}
	return text
}

// clipTokens cuts s to at most n whitespace-separated tokens.
func clipTokens(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
