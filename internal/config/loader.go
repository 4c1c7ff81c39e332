package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the generation backends the default registry knows.
// [Validate] warns about unrecognised names rather than failing, so
// third-party registrations still work.
var ValidBackendNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral",
	"groq", "llamacpp", "llamafile", "mock",
}

// ValidEmbeddingProviders lists known embedding provider names.
var ValidEmbeddingProviders = []string{"openai", "ollama"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers: duplicate name detection and backend sanity.
	providerNames := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := providerNames[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
			}
			providerNames[p.Name] = i
		}
		if p.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
		} else if !slices.Contains(ValidBackendNames, p.Backend) {
			slog.Warn("unknown backend name — may be a typo or third-party registration",
				"provider", p.Name,
				"backend", p.Backend,
				"known", ValidBackendNames,
			)
		}
		if p.Model == "" && p.Backend != "mock" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}

	// Draft: the fallback order is the one mandatory wiring.
	if len(cfg.Draft.Order) == 0 {
		errs = append(errs, errors.New("draft.order must name at least one provider"))
	}
	for _, name := range cfg.Draft.Order {
		if _, ok := providerNames[name]; !ok {
			errs = append(errs, fmt.Errorf("draft.order refers to unknown provider %q", name))
		}
	}
	if cfg.Draft.LocalProvider != "" {
		if _, ok := providerNames[cfg.Draft.LocalProvider]; !ok {
			errs = append(errs, fmt.Errorf("draft.local_provider refers to unknown provider %q", cfg.Draft.LocalProvider))
		}
	}
	if cfg.Draft.ConfidenceGate < 0 || cfg.Draft.ConfidenceGate > 1 {
		errs = append(errs, fmt.Errorf("draft.confidence_gate %.2f is out of range [0, 1]", cfg.Draft.ConfidenceGate))
	}
	if cfg.Draft.Temperature < 0 || cfg.Draft.Temperature > 2 {
		errs = append(errs, fmt.Errorf("draft.temperature %.2f is out of range [0, 2]", cfg.Draft.Temperature))
	}

	// Specialists
	specialistNames := make(map[string]int, len(cfg.Specialists))
	for i, s := range cfg.Specialists {
		prefix := fmt.Sprintf("specialists[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := specialistNames[s.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of specialists[%d]", prefix, s.Name, prev))
			}
			specialistNames[s.Name] = i
		}
		if s.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if _, ok := providerNames[s.Provider]; !ok {
			errs = append(errs, fmt.Errorf("%s.provider refers to unknown provider %q", prefix, s.Provider))
		}
		if s.Temperature < 0 || s.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, s.Temperature))
		}
		if s.Role != "" && !s.Role.IsValid() {
			errs = append(errs, fmt.Errorf("%s.role %q is invalid; valid values: voter, advisor", prefix, s.Role))
		}
	}
	if len(cfg.Specialists) == 0 && !cfg.Refinement.Disabled {
		slog.Warn("no specialists configured; low-confidence drafts will stand unrefined")
	}

	// Voting
	if cfg.Voting.TopK < 0 {
		errs = append(errs, fmt.Errorf("voting.top_k %d must not be negative", cfg.Voting.TopK))
	}
	if cfg.Voting.ShortcutConfidence < 0 || cfg.Voting.ShortcutConfidence > 1 {
		errs = append(errs, fmt.Errorf("voting.shortcut_confidence %.2f is out of range [0, 1]", cfg.Voting.ShortcutConfidence))
	}
	if cfg.Voting.Band < 0 || cfg.Voting.Band > 1 {
		errs = append(errs, fmt.Errorf("voting.band %.2f is out of range [0, 1]", cfg.Voting.Band))
	}

	// Refinement
	if cfg.Refinement.Margin < 0 || cfg.Refinement.Margin > 1 {
		errs = append(errs, fmt.Errorf("refinement.margin %.2f is out of range [0, 1]", cfg.Refinement.Margin))
	}

	// Budget
	if cfg.Budget.PerRequestUSD < 0 || cfg.Budget.PerSessionUSD < 0 || cfg.Budget.DailyUSD < 0 {
		errs = append(errs, errors.New("budget caps must not be negative"))
	}

	// Memory
	if cfg.Memory.Embeddings.Provider != "" {
		if !slices.Contains(ValidEmbeddingProviders, cfg.Memory.Embeddings.Provider) {
			errs = append(errs, fmt.Errorf("memory.embeddings.provider %q is invalid; valid values: openai, ollama", cfg.Memory.Embeddings.Provider))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			slog.Warn("memory.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
		}
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; the durable replica and cross-restart recall are disabled")
	}

	// Health
	if cfg.Health.GPULowPercent < 0 || cfg.Health.GPULowPercent > 100 {
		errs = append(errs, fmt.Errorf("health.gpu_low_percent %.1f is out of range [0, 100]", cfg.Health.GPULowPercent))
	}
	if cfg.Health.BudgetWarnFraction > cfg.Health.BudgetCriticalFraction && cfg.Health.BudgetCriticalFraction > 0 {
		errs = append(errs, errors.New("health.budget_warn_fraction must not exceed health.budget_critical_fraction"))
	}

	// Intent weights
	for name, w := range cfg.Intent.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("intent.weights[%q] %.2f must not be negative", name, w))
		}
	}

	return errors.Join(errs...)
}
