package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/democratizeAI/council/pkg/provider/embeddings"
	embollama "github.com/democratizeAI/council/pkg/provider/embeddings/ollama"
	embopenai "github.com/democratizeAI/council/pkg/provider/embeddings/openai"
	"github.com/democratizeAI/council/pkg/provider/llm"
	"github.com/democratizeAI/council/pkg/provider/llm/anyllm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderConfig) (llm.Provider, error)
	embeddings map[string]func(EmbeddingsConfig) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderConfig) (llm.Provider, error)),
		embeddings: make(map[string]func(EmbeddingsConfig) (embeddings.Provider, error)),
	}
}

// DefaultRegistry returns a [Registry] with every built-in backend
// registered: the any-llm-go generation backends and the openai/ollama
// embedding providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	for _, backend := range []string{
		"openai", "anthropic", "gemini", "ollama", "deepseek",
		"mistral", "groq", "llamacpp", "llamafile",
	} {
		backend := backend
		r.RegisterLLM(backend, func(entry ProviderConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	r.RegisterEmbeddings("openai", func(entry EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(entry EmbeddingsConfig) (embeddings.Provider, error) {
		return embollama.New(entry.BaseURL, entry.Model)
	})

	return r
}

// RegisterLLM registers a generation provider factory under backend.
// Subsequent calls with the same backend overwrite the previous registration.
func (r *Registry) RegisterLLM(backend string, factory func(ProviderConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[backend] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates a generation provider using the factory registered
// under entry.Backend. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that backend.
func (r *Registry) CreateLLM(entry ProviderConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Backend)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Provider.
func (r *Registry) CreateEmbeddings(entry EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}
