// Package app wires all council subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/democratizeAI/council/internal/budget"
	"github.com/democratizeAI/council/internal/config"
	"github.com/democratizeAI/council/internal/council"
	"github.com/democratizeAI/council/internal/health"
	"github.com/democratizeAI/council/internal/intent"
	"github.com/democratizeAI/council/internal/observe"
	"github.com/democratizeAI/council/internal/orchestrator"
	"github.com/democratizeAI/council/internal/registry"
	"github.com/democratizeAI/council/internal/session"
	"github.com/democratizeAI/council/internal/transport"
	"github.com/democratizeAI/council/pkg/memory"
	"github.com/democratizeAI/council/pkg/memory/local"
	"github.com/democratizeAI/council/pkg/memory/postgres"
	"github.com/democratizeAI/council/pkg/provider/embeddings"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// defaultEmbeddingDims is used when embeddings are configured without an
// explicit dimension count.
const defaultEmbeddingDims = 1536

// gaugeInterval is the cadence of the budget and queue gauge refresh.
const gaugeInterval = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	guard     *budget.Guard
	providers *registry.Registry
	store     memory.Store
	monitor   *health.Monitor
	metrics   *observe.Metrics
	orch      *orchestrator.Orchestrator
	server    *http.Server

	// backlog reports the write-behind queue depth; zero when the store
	// does not expose one.
	backlog func() int

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a memory store instead of opening one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger injects the application logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: budget guard,
// provider registry, memory store, voting engine, health monitor,
// orchestrator, and the HTTP server. reg supplies the provider factories
// (typically [config.DefaultRegistry]).
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, backlog: func() int { return 0 }}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	// An injected metrics instance brings its own provider; otherwise stand
	// up the SDK with the Prometheus bridge and use the package default.
	if a.metrics == nil {
		otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "council"})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, otelShutdown)
		a.metrics = observe.DefaultMetrics()
	}

	guard, err := budget.New(cfg.Budget.Limits())
	if err != nil {
		return nil, fmt.Errorf("app: budget guard: %w", err)
	}
	a.guard = guard

	if err := a.buildProviders(ctx, reg); err != nil {
		return nil, err
	}
	if err := a.buildStore(ctx, reg); err != nil {
		return nil, err
	}

	engine, err := a.buildEngine()
	if err != nil {
		return nil, err
	}

	a.monitor = health.NewMonitor(health.Config{
		DraftWindow:        cfg.Health.DraftWindow,
		DraftP95:           cfg.Health.DraftP95Threshold,
		GPUWindow:          cfg.Health.GPUWindow,
		GPULowUtilPct:      cfg.Health.GPULowPercent,
		BudgetWarnFraction: cfg.Health.BudgetWarnFraction,
		BudgetCritFraction: cfg.Health.BudgetCriticalFraction,
		PendingQueueWarn:   cfg.Health.BacklogThreshold,
	}, guard, a.backlog, a.log)

	descriptors := make([]council.Descriptor, 0, len(cfg.Specialists))
	for _, s := range cfg.Specialists {
		d := s.Descriptor()
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("app: specialist %q: %w", s.Name, err)
		}
		descriptors = append(descriptors, d)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		DraftOrder:            cfg.Draft.Order,
		LocalProvider:         cfg.Draft.LocalProvider,
		SystemPrompt:          cfg.Draft.SystemPrompt,
		DraftMaxTokens:        cfg.Draft.MaxTokens,
		DraftTimeout:          cfg.Draft.Timeout,
		DraftTemperature:      cfg.Draft.Temperature,
		ConfidenceGate:        cfg.Draft.ConfidenceGate,
		ShortPromptLimit:      cfg.Draft.ShortPromptLimit,
		LocalMaxTokens:        cfg.Draft.LocalMaxTokens,
		RefinementDeadline:    cfg.Refinement.Deadline,
		RefinementConcurrency: cfg.Refinement.Concurrency,
		RefinementMargin:      cfg.Refinement.Margin,
		RefinementDisabled:    cfg.Refinement.Disabled,
	}, a.providers, engine, intent.New(cfg.Intent.Weights), a.store,
		a.buildSummariser(), guard, descriptors, a.monitor, a.metrics, a.log)
	if err != nil {
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}
	a.orch = orch

	a.server = a.buildServer()
	return a, nil
}

// buildProviders instantiates every configured generation provider and
// registers it under its configured priority.
func (a *App) buildProviders(ctx context.Context, reg *config.Registry) error {
	a.providers = registry.New(a.guard, a.metrics, a.log)
	for _, entry := range a.cfg.Providers {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return fmt.Errorf("app: provider %q: %w", entry.Name, err)
		}
		if err := a.providers.Register(entry.Name, p, entry.Priority); err != nil {
			return fmt.Errorf("app: provider %q: %w", entry.Name, err)
		}
	}

	// Warm the draft chain so the first request does not pay cold-start.
	for _, name := range a.cfg.Draft.Order {
		a.providers.Preload(ctx, name)
	}
	return nil
}

// buildStore opens the local memory store with the configured embedder and
// the optional pgvector write-behind replica. A store injected via
// [WithStore] wins.
func (a *App) buildStore(ctx context.Context, reg *config.Registry) error {
	if a.store != nil {
		return nil
	}
	mc := a.cfg.Memory

	embedder := a.buildEmbedder(reg)

	var replica memory.Replica
	if mc.PostgresDSN != "" {
		dims := mc.EmbeddingDimensions
		if dims <= 0 {
			dims = defaultEmbeddingDims
		}
		pg, err := postgres.New(ctx, mc.PostgresDSN, dims)
		if err != nil {
			// The replica is an availability upgrade, not a dependency.
			a.log.Warn("postgres replica unavailable, continuing local-only", "err", err)
		} else {
			replica = pg
			a.closers = append(a.closers, func(context.Context) error {
				pg.Close()
				return nil
			})
		}
	}

	store, err := local.Open(local.Config{
		Dir:             mc.Dir,
		FlushInterval:   mc.FlushInterval,
		ReindexInterval: mc.ReindexInterval,
		QueryDeadline:   mc.QueryDeadline,
		EmbedTimeout:    mc.EmbedTimeout,
	}, embedder, replica, a.log)
	if err != nil {
		return fmt.Errorf("app: open memory store: %w", err)
	}
	a.store = store
	a.backlog = func() int { return store.Stats().PendingFlush }
	a.closers = append(a.closers, store.Close)
	return nil
}

// buildEmbedder returns the configured embedding provider, or nil for
// lexical-only recall.
func (a *App) buildEmbedder(reg *config.Registry) embeddings.Provider {
	ec := a.cfg.Memory.Embeddings
	if ec.Provider == "" {
		return nil
	}
	embedder, err := reg.CreateEmbeddings(ec)
	if err != nil {
		a.log.Warn("embedding provider unavailable, recall degrades to lexical", "provider", ec.Provider, "err", err)
		return nil
	}
	return embedder
}

// buildEngine assembles the specialist runner and voting engine.
func (a *App) buildEngine() (*council.Engine, error) {
	scrub, err := council.NewScrubber(nil)
	if err != nil {
		return nil, fmt.Errorf("app: scrubber: %w", err)
	}
	runner := council.NewRunner(a.providers, a.guard, scrub, a.log)
	return council.NewEngine(runner, council.VoteConfig{
		Deadline:          a.cfg.Voting.Deadline,
		TopK:              a.cfg.Voting.TopK,
		ShortcutThreshold: a.cfg.Voting.ShortcutConfidence,
		ReplaceMargin:     a.cfg.Refinement.Margin,
		Band:              a.cfg.Voting.Band,
	}, a.metrics, a.log), nil
}

// buildSummariser wires the rolling session summariser: the local draft
// provider behind a cache, with extractive fallback.
func (a *App) buildSummariser() orchestrator.Summariser {
	var primary session.Summariser = session.ExtractiveSummariser{}
	if p := a.localProvider(); p != nil {
		primary = session.NewFallbackSummariser(
			session.NewLLMSummariser(p, 0),
			session.ExtractiveSummariser{},
			a.log,
		)
	}
	return session.NewCachingSummariser(primary)
}

// localProvider resolves the raw local provider for summarisation, bypassing
// budget accounting: local tokens are free.
func (a *App) localProvider() llm.Provider {
	name := a.cfg.Draft.LocalProvider
	if name == "" && len(a.cfg.Draft.Order) > 0 {
		name = a.cfg.Draft.Order[0]
	}
	if name == "" {
		return nil
	}
	return a.providers.Provider(name)
}

// buildServer assembles the HTTP surface: chat and recall, health probes,
// and the Prometheus scrape endpoint, all behind the tracing middleware.
func (a *App) buildServer() *http.Server {
	mux := http.NewServeMux()

	transport.New(a.orch, a.metrics, a.log).Routes(mux)

	health.NewHandler(a.monitor, func() health.Budgets {
		snap := a.guard.Snapshot()
		return health.Budgets{
			DailySpentUSD: snap.DailySpentUSD,
			DailyFraction: a.guard.DailyFraction(),
			LifetimeUSD:   snap.LifetimeUSD,
			TotalTokens:   snap.TotalTokens,
		}
	}, a.providers.Statuses).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler exposes the assembled HTTP surface, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or the listener fails. The health
// monitor and gauge refresh run alongside the server.
func (a *App) Run(ctx context.Context) error {
	go a.monitor.Run(ctx, a.cfg.Health.Interval, a.providers)
	go a.refreshGauges(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.log.Info("council listening", "addr", a.server.Addr)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// refreshGauges periodically publishes the budget spend, write-behind depth,
// and provider health gauges.
func (a *App) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.RecordBudget(a.guard.Snapshot().DailySpentUSD)
			a.metrics.RecordPendingQueue(a.backlog())
			for name, status := range a.providers.Statuses(ctx) {
				a.metrics.RecordProviderHealth(name, status)
			}
		}
	}
}

// Shutdown stops the HTTP server and tears subsystems down in order.
// Safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		for _, closer := range a.closers {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
