// Package registry is the runtime provider facade: a name-keyed set of
// generation backends with per-provider circuit breakers, cached health,
// eager preload of the primary local model, ordered fallback dispatch, and
// budget authorisation and cost accounting around every paid generation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/democratizeAI/council/internal/budget"
	"github.com/democratizeAI/council/internal/council"
	"github.com/democratizeAI/council/internal/resilience"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

var _ council.Generator = (*Registry)(nil)

// healthTTL is the minimum interval between live health probes per provider.
const healthTTL = 10 * time.Second

// ErrUnknownProvider is returned when a name was never registered.
var ErrUnknownProvider = errors.New("registry: unknown provider")

// ErrPaidDisabled is returned for paid dispatches while the budget-breach
// condition has disabled paid providers.
var ErrPaidDisabled = errors.New("registry: paid providers disabled")

// Recorder receives per-dispatch metric events. nil disables recording.
type Recorder interface {
	RecordProviderRequest(name, status string)
	RecordProviderHealth(name string, status llm.Status)
}

// managed is one registered provider with its breaker and health cache.
type managed struct {
	name     string
	provider llm.Provider
	breaker  *resilience.Breaker
	priority int

	healthMu  sync.Mutex
	status    llm.Status
	checkedAt time.Time
}

// Registry is safe for concurrent use. Providers register at startup; there
// is no runtime de-registration.
type Registry struct {
	guard   *budget.Guard
	metrics Recorder
	log     *slog.Logger

	mu        sync.RWMutex
	providers map[string]*managed

	paidDisabled atomic.Bool
}

// New creates an empty registry. metrics and log may be nil.
func New(guard *budget.Guard, metrics Recorder, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		guard:     guard,
		metrics:   metrics,
		log:       log,
		providers: map[string]*managed{},
	}
}

// Register adds a provider under name. Higher priority providers are tried
// first by fallback dispatch; give local providers the highest priorities.
func (r *Registry) Register(name string, p llm.Provider, priority int) error {
	if name == "" || p == nil {
		return fmt.Errorf("registry: register: name and provider must be set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("registry: provider %q already registered", name)
	}
	r.providers[name] = &managed{
		name:     name,
		provider: p,
		breaker:  resilience.New(resilience.Config{Name: name}, r.log),
		priority: priority,
	}
	return nil
}

// Preload warms the named provider with a one-token generation so the first
// user request does not pay the cold-start tax. Failures are logged, not
// fatal; the provider will be retried on first real use.
func (r *Registry) Preload(ctx context.Context, name string) {
	m, err := r.lookup(name)
	if err != nil {
		r.log.Warn("preload skipped", "provider", name, "err", err)
		return
	}
	start := time.Now()
	_, err = m.provider.Generate(ctx, llm.Request{Prompt: "ok"}, llm.Options{MaxTokens: 1, Timeout: 30 * time.Second})
	if err != nil {
		r.log.Warn("preload failed", "provider", name, "err", err)
		return
	}
	r.log.Info("provider warmed", "provider", name, "took", time.Since(start))
}

// Generate dispatches to the named provider, failing fast on cached Down
// health, an open breaker, or a budget denial for paid work, and records cost
// and tokens against sessionID on success.
func (r *Registry) Generate(ctx context.Context, providerName, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, error) {
	m, err := r.lookup(providerName)
	if err != nil {
		return nil, err
	}

	estimate := m.provider.CostEstimate(opts)
	if estimate > 0 {
		if r.paidDisabled.Load() {
			return nil, fmt.Errorf("registry: %s: %w", providerName, ErrPaidDisabled)
		}
		// Every paid dispatch is authorised here, so fallback chains route a
		// denial to the next (free) provider instead of overspending.
		if r.guard != nil {
			if err := r.guard.Authorise(sessionID, estimate); err != nil {
				r.record(providerName, "budget_exceeded")
				return nil, fmt.Errorf("registry: %s: %w", providerName, err)
			}
		}
	}
	if r.health(ctx, m) == llm.StatusDown {
		r.record(providerName, "provider_down")
		return nil, fmt.Errorf("registry: %s: %w", providerName, llm.ErrProviderDown)
	}

	var res *llm.Result
	err = m.breaker.Do(func() error {
		var genErr error
		res, genErr = m.provider.Generate(ctx, req, opts)
		return genErr
	})
	if errors.Is(err, resilience.ErrOpen) {
		err = fmt.Errorf("registry: %s: %w", providerName, llm.ErrProviderDown)
	}
	r.record(providerName, llm.Kind(err))
	if err != nil {
		return nil, err
	}

	if r.guard != nil {
		r.guard.Record(sessionID, res.CostUSD, res.TokensIn+res.TokensOut)
	}
	return res, nil
}

// GenerateWithFallback tries each named provider in order and returns the
// first success. All failures are joined when every provider fails.
func (r *Registry) GenerateWithFallback(ctx context.Context, names []string, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, string, error) {
	var errs []error
	for _, name := range names {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := r.Generate(ctx, name, sessionID, req, opts)
		if err == nil {
			return res, name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		r.log.Warn("provider failed, trying next", "provider", name, "err", err)
	}
	return nil, "", fmt.Errorf("registry: all providers failed: %w", errors.Join(errs...))
}

// CostEstimate returns the provider's conservative estimate, or 0 for an
// unknown name (the subsequent Generate will fail properly).
func (r *Registry) CostEstimate(providerName string, opts llm.Options) float64 {
	m, err := r.lookup(providerName)
	if err != nil {
		return 0
	}
	return m.provider.CostEstimate(opts)
}

// Health returns the provider's cached status, probing at most once per 10s.
func (r *Registry) Health(ctx context.Context, providerName string) llm.Status {
	m, err := r.lookup(providerName)
	if err != nil {
		return llm.StatusDown
	}
	return r.health(ctx, m)
}

// Statuses snapshots every provider's health for the health endpoint.
func (r *Registry) Statuses(ctx context.Context) map[string]llm.Status {
	r.mu.RLock()
	all := make([]*managed, 0, len(r.providers))
	for _, m := range r.providers {
		all = append(all, m)
	}
	r.mu.RUnlock()

	out := make(map[string]llm.Status, len(all))
	for _, m := range all {
		out[m.name] = r.health(ctx, m)
	}
	return out
}

// Names returns all provider names ordered by priority descending, ties by
// name. This is the default fallback order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	all := make([]*managed, 0, len(r.providers))
	for _, m := range r.providers {
		all = append(all, m)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority > all[j].priority
		}
		return all[i].name < all[j].name
	})
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.name
	}
	return names
}

// Provider returns the raw registered provider, or nil when unknown. Callers
// bypass budget accounting and breaker protection; reserved for free local
// work such as summarisation.
func (r *Registry) Provider(name string) llm.Provider {
	m, err := r.lookup(name)
	if err != nil {
		return nil
	}
	return m.provider
}

// SetPaidDisabled flips the budget-breach kill switch for paid providers.
func (r *Registry) SetPaidDisabled(disabled bool) {
	if r.paidDisabled.Swap(disabled) != disabled {
		r.log.Warn("paid provider dispatch toggled", "disabled", disabled)
	}
}

// PaidDisabled reports the kill switch state.
func (r *Registry) PaidDisabled() bool {
	return r.paidDisabled.Load()
}

func (r *Registry) lookup(name string) (*managed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return m, nil
}

// health serves the cached status, refreshing it when stale. An open breaker
// overrides whatever the provider self-reports.
func (r *Registry) health(ctx context.Context, m *managed) llm.Status {
	m.healthMu.Lock()
	if time.Since(m.checkedAt) >= healthTTL {
		m.status = m.provider.Health(ctx)
		m.checkedAt = time.Now()
		if r.metrics != nil {
			r.metrics.RecordProviderHealth(m.name, m.status)
		}
	}
	status := m.status
	m.healthMu.Unlock()

	if m.breaker.State() == resilience.Open {
		return llm.StatusDown
	}
	return status
}

func (r *Registry) record(name, kind string) {
	if r.metrics != nil {
		r.metrics.RecordProviderRequest(name, kind)
	}
}
