package council

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/democratizeAI/council/internal/budget"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// fakeGen serves canned results per provider name and honours context
// cancellation for providers configured with a delay.
type fakeGen struct {
	mu        sync.Mutex
	results   map[string]*llm.Result
	errs      map[string]error
	delays    map[string]time.Duration
	estimates map[string]float64
	calls     []string
}

func (f *fakeGen) Generate(ctx context.Context, providerName, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, providerName)
	f.mu.Unlock()

	if d := f.delays[providerName]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[providerName]; err != nil {
		return nil, err
	}
	if res := f.results[providerName]; res != nil {
		cp := *res
		return &cp, nil
	}
	return &llm.Result{Text: "canned", TokensOut: 1}, nil
}

func (f *fakeGen) CostEstimate(providerName string, opts llm.Options) float64 {
	return f.estimates[providerName]
}

func freeGuard(t *testing.T) *budget.Guard {
	t.Helper()
	g, err := budget.New(budget.Limits{PerRequestUSD: 1, PerSessionUSD: 10, DailyUSD: 100})
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	return g
}

func newTestRunner(t *testing.T, gen *fakeGen, guard *budget.Guard) *Runner {
	t.Helper()
	scrub, err := NewScrubber(nil)
	if err != nil {
		t.Fatalf("NewScrubber: %v", err)
	}
	return NewRunner(gen, guard, scrub, nil)
}

func desc(name, provider string) Descriptor {
	return Descriptor{
		Name:     name,
		Provider: provider,
		TokenCap: 160,
		Timeout:  200 * time.Millisecond,
	}
}

func TestRunnerStatuses(t *testing.T) {
	ctx := context.Background()

	t.Run("ok with length-adjusted confidence", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p": {Text: "A long and complete answer about the topic at hand.", TokensOut: 30, Confidence: 0.9, CostUSD: 0.001},
		}}
		r := newTestRunner(t, gen, freeGuard(t))
		c := r.Run(ctx, desc("math", "p"), "s1", "prompt", "", "knowledge")
		if c.Status != StatusOK {
			t.Fatalf("status = %v", c.Status)
		}
		// 30 tokens saturates the penalty for the 0.4 floor.
		if c.Confidence < 0.89 || c.Confidence > 0.91 {
			t.Errorf("confidence = %f, want ~0.9", c.Confidence)
		}
	})

	t.Run("short answers are discounted", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p": {Text: "forty two is it", TokensOut: 4, Confidence: 0.9},
		}}
		r := newTestRunner(t, gen, freeGuard(t))
		c := r.Run(ctx, desc("math", "p"), "s1", "prompt", "", "knowledge")
		want := 0.9 * (0.4 + 0.04*4)
		if c.Confidence < want-0.001 || c.Confidence > want+0.001 {
			t.Errorf("confidence = %f, want %f", c.Confidence, want)
		}
	})

	t.Run("dominant domain gets the higher floor", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p": {Text: "forty two is it", TokensOut: 4, Confidence: 0.9},
		}}
		r := newTestRunner(t, gen, freeGuard(t))
		c := r.Run(ctx, desc("math", "p"), "s1", "prompt", "", "math")
		want := 0.9 * (0.7 + 0.04*4)
		if c.Confidence < want-0.001 || c.Confidence > want+0.001 {
			t.Errorf("confidence = %f, want %f", c.Confidence, want)
		}
	})

	t.Run("budget denied", func(t *testing.T) {
		guard, err := budget.New(budget.Limits{PerRequestUSD: 0.01, PerSessionUSD: 1, DailyUSD: 1})
		if err != nil {
			t.Fatalf("budget.New: %v", err)
		}
		gen := &fakeGen{estimates: map[string]float64{"p": 0.02}}
		r := newTestRunner(t, gen, guard)
		c := r.Run(ctx, desc("math", "p"), "s1", "prompt", "", "math")
		if c.Status != StatusBudgetDenied {
			t.Errorf("status = %v, want budget_denied", c.Status)
		}
		if len(gen.calls) != 0 {
			t.Error("denied run must not dispatch")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		gen := &fakeGen{delays: map[string]time.Duration{"p": time.Second}}
		r := newTestRunner(t, gen, freeGuard(t))
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		c := r.Run(tctx, desc("math", "p"), "s1", "prompt", "", "math")
		if c.Status != StatusTimeout || c.ErrKind != "timeout" {
			t.Errorf("status = %v kind = %s", c.Status, c.ErrKind)
		}
	})

	t.Run("unsure floor", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p": {Text: "UNSURE, this is not my field", TokensOut: 8},
		}}
		r := newTestRunner(t, gen, freeGuard(t))
		c := r.Run(ctx, desc("math", "p"), "s1", "prompt", "", "math")
		if c.Status != StatusUnsure || c.Confidence != 0.05 {
			t.Errorf("got %v conf %f", c.Status, c.Confidence)
		}
	})

	t.Run("stub filtered", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p": {Text: "TODO: answer this properly later on", TokensOut: 7},
		}}
		r := newTestRunner(t, gen, freeGuard(t))
		c := r.Run(ctx, desc("math", "p"), "s1", "prompt", "", "math")
		if c.Status != StatusStubFiltered || c.Confidence != 0 {
			t.Errorf("got %v conf %f", c.Status, c.Confidence)
		}
	})

	t.Run("token cap enforced", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p": {Text: "one two three four five six seven eight nine ten", TokensOut: 10, Confidence: 0.9},
		}}
		r := newTestRunner(t, gen, freeGuard(t))
		d := desc("math", "p")
		d.TokenCap = 5
		c := r.Run(ctx, d, "s1", "prompt", "", "math")
		if c.Tokens != 5 || !c.Truncated {
			t.Errorf("tokens = %d truncated = %v", c.Tokens, c.Truncated)
		}
		if c.Text != "one two three four five" {
			t.Errorf("text = %q", c.Text)
		}
	})
}

func TestVote(t *testing.T) {
	ctx := context.Background()
	longAnswer := "HTTP/3 runs over QUIC, a UDP transport with built-in encryption. It removes head-of-line blocking and speeds up connection setup."

	newEngine := func(t *testing.T, gen *fakeGen, cfg VoteConfig) *Engine {
		return NewEngine(newTestRunner(t, gen, freeGuard(t)), cfg, nil, nil)
	}

	t.Run("shortcut on confident dominant candidate", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"pk": {Text: longAnswer, TokensOut: 30, Confidence: 0.95},
			"pm": {Text: "A vague unrelated short reply here.", TokensOut: 8, Confidence: 0.3},
		}}
		e := newEngine(t, gen, VoteConfig{})
		res := e.Vote(ctx, "s1", "explain http/3", "", "knowledge",
			[]Descriptor{desc("knowledge", "pk"), desc("math", "pm")},
			Draft{Text: "short draft", Confidence: 0.4})
		if res.WinnerName != "knowledge" || res.Fused {
			t.Errorf("winner = %s fused = %v", res.WinnerName, res.Fused)
		}
		if res.Text != longAnswer {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("draft retained when margin insufficient", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"pk": {Text: "An answer that is fine but not better than the draft.", TokensOut: 12, Confidence: 0.5},
		}}
		e := newEngine(t, gen, VoteConfig{})
		res := e.Vote(ctx, "s1", "prompt", "", "knowledge",
			[]Descriptor{desc("knowledge", "pk")},
			Draft{Text: "a decent draft", Confidence: 0.45})
		if res.WinnerName != "agent0" || res.Fused {
			t.Errorf("winner = %s fused = %v", res.WinnerName, res.Fused)
		}
		if res.Text != "a decent draft" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("no viable candidates returns draft", func(t *testing.T) {
		gen := &fakeGen{results: map[string]*llm.Result{
			"p1": {Text: "TODO: fill in the real answer sometime", TokensOut: 7},
			"p2": {Text: "UNSURE about all of this", TokensOut: 5},
		}}
		e := newEngine(t, gen, VoteConfig{})
		res := e.Vote(ctx, "s1", "prompt", "", "math",
			[]Descriptor{desc("math", "p1"), desc("logic", "p2")},
			Draft{Text: "the draft", Confidence: 0.4})
		if res.WinnerName != "agent0" || res.Fused {
			t.Errorf("winner = %s fused = %v", res.WinnerName, res.Fused)
		}
		for _, c := range res.Candidates {
			if c.Status == StatusOK {
				t.Errorf("unexpected ok candidate %s", c.Specialist)
			}
		}
	})

	t.Run("slow specialist times out, vote still returns", func(t *testing.T) {
		gen := &fakeGen{
			results: map[string]*llm.Result{
				"fast": {Text: longAnswer, TokensOut: 30, Confidence: 0.9},
			},
			delays: map[string]time.Duration{"slow": 5 * time.Second},
		}
		e := newEngine(t, gen, VoteConfig{Deadline: 100 * time.Millisecond})
		start := time.Now()
		res := e.Vote(ctx, "s1", "prompt", "", "knowledge",
			[]Descriptor{desc("knowledge", "fast"), desc("math", "slow")},
			Draft{Text: "draft", Confidence: 0.3})
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("vote took %v, deadline not enforced", elapsed)
		}
		if res.WinnerName != "knowledge" {
			t.Errorf("winner = %s", res.WinnerName)
		}
		var sawTimeout bool
		for _, c := range res.Candidates {
			if c.Specialist == "math" && c.Status == StatusTimeout {
				sawTimeout = true
			}
		}
		if !sawTimeout {
			t.Error("slow specialist should surface as timeout candidate")
		}
	})

	t.Run("ties broken by tokens then name", func(t *testing.T) {
		a := Candidate{Specialist: "beta", Confidence: 0.5, Tokens: 10, Status: StatusOK}
		b := Candidate{Specialist: "alpha", Confidence: 0.5, Tokens: 10, Status: StatusOK}
		c := Candidate{Specialist: "gamma", Confidence: 0.5, Tokens: 5, Status: StatusOK}
		cands := []Candidate{a, b, c}
		sortCandidates(cands, map[string]Descriptor{})
		if cands[0].Specialist != "gamma" || cands[1].Specialist != "alpha" || cands[2].Specialist != "beta" {
			t.Errorf("order = %s %s %s", cands[0].Specialist, cands[1].Specialist, cands[2].Specialist)
		}
	})
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("Hello   World", "hello world"); got != 1 {
		t.Errorf("whitespace-normalised equal texts = %f, want 1", got)
	}
	if got := Similarity("completely different text", "zq"); got >= 0.95 {
		t.Errorf("different texts = %f", got)
	}
}
