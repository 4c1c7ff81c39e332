package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/democratizeAI/council/internal/budget"
	"github.com/democratizeAI/council/pkg/provider/llm"
	"github.com/democratizeAI/council/pkg/provider/llm/mock"
)

func newTestRegistry(t *testing.T) (*Registry, *budget.Guard) {
	t.Helper()
	guard, err := budget.New(budget.Limits{PerRequestUSD: 1, PerSessionUSD: 10, DailyUSD: 100})
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	return New(guard, nil, nil), guard
}

func TestRegister(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Register("local", &mock.Provider{}, 10); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("local", &mock.Provider{}, 10); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := r.Register("", &mock.Provider{}, 0); err == nil {
		t.Error("empty name accepted")
	}
}

func TestNamesOrderedByPriority(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("openai", &mock.Provider{}, 1)
	r.Register("ollama", &mock.Provider{}, 10)
	r.Register("anthropic", &mock.Provider{}, 1)

	got := r.Names()
	want := []string{"ollama", "anthropic", "openai"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}

func TestGenerateRecordsCost(t *testing.T) {
	r, guard := newTestRegistry(t)
	p := &mock.Provider{Result: &llm.Result{Text: "hi", TokensIn: 3, TokensOut: 2, CostUSD: 0.01}}
	r.Register("openai", p, 1)

	res, err := r.Generate(context.Background(), "openai", "s1", llm.Request{Prompt: "hello"}, llm.Options{MaxTokens: 8})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "hi" {
		t.Errorf("text = %q", res.Text)
	}

	snap := guard.Snapshot()
	if snap.DailySpentUSD != 0.01 {
		t.Errorf("daily spent = %f, want 0.01", snap.DailySpentUSD)
	}
	if snap.SessionSpentUSD["s1"] != 0.01 {
		t.Errorf("session spent = %f, want 0.01", snap.SessionSpentUSD["s1"])
	}
	if snap.TotalTokens != 5 {
		t.Errorf("total tokens = %d, want 5", snap.TotalTokens)
	}
}

func TestGenerateDeniesOverBudgetEstimate(t *testing.T) {
	guard, err := budget.New(budget.Limits{PerRequestUSD: 0.05, PerSessionUSD: 0.30, DailyUSD: 1})
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	r := New(guard, nil, nil)
	paid := &mock.Provider{Estimate: 0.20, Result: &llm.Result{Text: "paid", CostUSD: 0.20}}
	r.Register("openai", paid, 1)

	_, err = r.Generate(context.Background(), "openai", "s1", llm.Request{Prompt: "x"}, llm.Options{})
	if !errors.Is(err, budget.ErrExceeded) {
		t.Fatalf("err = %v, want ErrExceeded", err)
	}
	if len(paid.Calls()) != 0 {
		t.Error("denied dispatch must not reach the provider")
	}
	if spent := guard.Snapshot().DailySpentUSD; spent != 0 {
		t.Errorf("daily spent = %f after denial, want 0", spent)
	}
}

func TestGenerateEnforcesSessionCap(t *testing.T) {
	guard, err := budget.New(budget.Limits{PerRequestUSD: 0.05, PerSessionUSD: 0.08, DailyUSD: 1})
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	r := New(guard, nil, nil)
	paid := &mock.Provider{Estimate: 0.04, Result: &llm.Result{Text: "paid", CostUSD: 0.04}}
	r.Register("openai", paid, 1)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Generate(ctx, "openai", "s1", llm.Request{Prompt: "x"}, llm.Options{}); err != nil {
			t.Fatalf("dispatch %d under cap: %v", i, err)
		}
	}
	_, err = r.Generate(ctx, "openai", "s1", llm.Request{Prompt: "x"}, llm.Options{})
	if !errors.Is(err, budget.ErrExceeded) {
		t.Fatalf("third dispatch err = %v, want ErrExceeded", err)
	}
	if spent := guard.Snapshot().SessionSpentUSD["s1"]; spent > 0.08 {
		t.Errorf("session spent = %f, over the 0.08 cap", spent)
	}

	// A fresh session is unaffected by s1's cap.
	if _, err := r.Generate(ctx, "openai", "s2", llm.Request{Prompt: "x"}, llm.Options{}); err != nil {
		t.Errorf("fresh session blocked: %v", err)
	}
}

func TestFallbackRoutesDenialToFreeProvider(t *testing.T) {
	guard, err := budget.New(budget.Limits{PerRequestUSD: 0.05, PerSessionUSD: 0.30, DailyUSD: 1})
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	r := New(guard, nil, nil)
	paid := &mock.Provider{Estimate: 0.20, Result: &llm.Result{Text: "paid"}}
	free := &mock.Provider{Result: &llm.Result{Text: "free"}}
	r.Register("openai", paid, 10)
	r.Register("ollama", free, 1)

	res, name, err := r.GenerateWithFallback(context.Background(), r.Names(), "s1", llm.Request{Prompt: "x"}, llm.Options{})
	if err != nil {
		t.Fatalf("GenerateWithFallback: %v", err)
	}
	if name != "ollama" || res.Text != "free" {
		t.Errorf("name = %s text = %q, want the free provider", name, res.Text)
	}
	if len(paid.Calls()) != 0 {
		t.Error("denied paid provider must not be dispatched")
	}
}

func TestGenerateUnknownProvider(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Generate(context.Background(), "nope", "s1", llm.Request{}, llm.Options{}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestGenerateFailsFastWhenDown(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := &mock.Provider{Status: llm.StatusDown}
	r.Register("local", p, 10)

	_, err := r.Generate(context.Background(), "local", "s1", llm.Request{Prompt: "x"}, llm.Options{})
	if !errors.Is(err, llm.ErrProviderDown) {
		t.Fatalf("err = %v, want ErrProviderDown", err)
	}
	if len(p.Calls()) != 0 {
		t.Error("down provider must not be dispatched")
	}
}

func TestPaidDisabled(t *testing.T) {
	r, _ := newTestRegistry(t)
	paid := &mock.Provider{Estimate: 0.02, Result: &llm.Result{Text: "paid"}}
	free := &mock.Provider{Result: &llm.Result{Text: "free"}}
	r.Register("openai", paid, 1)
	r.Register("ollama", free, 10)

	r.SetPaidDisabled(true)
	if _, err := r.Generate(context.Background(), "openai", "s1", llm.Request{}, llm.Options{}); !errors.Is(err, ErrPaidDisabled) {
		t.Errorf("paid err = %v, want ErrPaidDisabled", err)
	}
	if _, err := r.Generate(context.Background(), "ollama", "s1", llm.Request{}, llm.Options{}); err != nil {
		t.Errorf("free provider blocked: %v", err)
	}

	r.SetPaidDisabled(false)
	if _, err := r.Generate(context.Background(), "openai", "s1", llm.Request{}, llm.Options{}); err != nil {
		t.Errorf("re-enabled paid provider blocked: %v", err)
	}
}

func TestHealthCached(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := &mock.Provider{Status: llm.StatusHealthy}
	r.Register("local", p, 10)

	for i := 0; i < 5; i++ {
		if got := r.Health(context.Background(), "local"); got != llm.StatusHealthy {
			t.Fatalf("Health = %v", got)
		}
	}
	if p.HealthCallCount != 1 {
		t.Errorf("provider probed %d times within TTL, want 1", p.HealthCallCount)
	}
	if got := r.Health(context.Background(), "nope"); got != llm.StatusDown {
		t.Errorf("unknown provider health = %v, want down", got)
	}
}

func TestBreakerMarksProviderDown(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := &mock.Provider{Err: errors.New("connection refused")}
	r.Register("openai", p, 1)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.Generate(ctx, "openai", "s1", llm.Request{}, llm.Options{}); err == nil {
			t.Fatal("expected failure")
		}
	}

	dispatched := len(p.Calls())
	_, err := r.Generate(ctx, "openai", "s1", llm.Request{}, llm.Options{})
	if !errors.Is(err, llm.ErrProviderDown) {
		t.Fatalf("err after trip = %v, want ErrProviderDown", err)
	}
	if len(p.Calls()) != dispatched {
		t.Error("tripped provider must not be dispatched")
	}
	if got := r.Health(ctx, "openai"); got != llm.StatusDown {
		t.Errorf("health after trip = %v, want down", got)
	}
}

func TestGenerateWithFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("first healthy provider wins", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		r.Register("ollama", &mock.Provider{Status: llm.StatusDown}, 10)
		r.Register("openai", &mock.Provider{Result: &llm.Result{Text: "fallback answer"}}, 1)

		res, name, err := r.GenerateWithFallback(ctx, r.Names(), "s1", llm.Request{Prompt: "x"}, llm.Options{})
		if err != nil {
			t.Fatalf("GenerateWithFallback: %v", err)
		}
		if name != "openai" || res.Text != "fallback answer" {
			t.Errorf("name = %s text = %q", name, res.Text)
		}
	})

	t.Run("all failures joined", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		r.Register("ollama", &mock.Provider{Status: llm.StatusDown}, 10)
		r.Register("openai", &mock.Provider{Err: errors.New("rate limited")}, 1)

		_, _, err := r.GenerateWithFallback(ctx, r.Names(), "s1", llm.Request{}, llm.Options{})
		if err == nil {
			t.Fatal("expected error")
		}
		if !errors.Is(err, llm.ErrProviderDown) {
			t.Errorf("joined error should include ErrProviderDown: %v", err)
		}
	})
}
