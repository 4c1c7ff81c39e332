package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/democratizeAI/council/internal/app"
	"github.com/democratizeAI/council/internal/config"
	"github.com/democratizeAI/council/internal/observe"
	"github.com/democratizeAI/council/pkg/provider/llm"
	mockllm "github.com/democratizeAI/council/pkg/provider/llm/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", LogLevel: config.LogInfo},
		Providers: []config.ProviderConfig{
			{Name: "local", Backend: "mock", Model: "test", Priority: 10},
		},
		Specialists: []config.SpecialistConfig{
			{Name: "knowledge", Provider: "local"},
		},
		Draft:  config.DraftConfig{Order: []string{"local"}},
		Memory: config.MemoryConfig{Dir: t.TempDir()},
	}
}

func testRegistry(mock *mockllm.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderConfig) (llm.Provider, error) {
		return mock, nil
	})
	return reg
}

func newTestApp(t *testing.T, mock *mockllm.Provider) *app.App {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	a, err := app.New(context.Background(), testConfig(t), testRegistry(mock), app.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestNewWiresSubsystems(t *testing.T) {
	mock := &mockllm.Provider{Result: &llm.Result{Text: "pong", TokensOut: 1, Confidence: 0.9}}
	a := newTestApp(t, mock)

	// Preload warms the draft chain through the registry.
	if len(mock.Calls()) == 0 {
		t.Error("draft provider was not preloaded")
	}
	if a.Handler() == nil {
		t.Fatal("handler not assembled")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[0].Backend = "nonexistent"

	_, err := app.New(context.Background(), cfg, config.NewRegistry())
	if err == nil {
		t.Fatal("expected error for unregistered backend, got nil")
	}
	if !strings.Contains(err.Error(), "local") {
		t.Errorf("error should name the provider, got: %v", err)
	}
}

func TestChatRoundTrip(t *testing.T) {
	mock := &mockllm.Provider{Result: &llm.Result{Text: "2+2 is 4.", TokensOut: 4, Confidence: 0.9}}
	a := newTestApp(t, mock)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"session_id":"s1","prompt":"what is 2+2?"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: draft_complete") {
		t.Errorf("stream missing draft_complete: %q", body)
	}
	if !strings.Contains(body, "2+2 is 4.") {
		t.Errorf("stream missing draft text: %q", body)
	}
	if !strings.Contains(body, "event: stream_complete") {
		t.Errorf("stream missing stream_complete: %q", body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	mock := &mockllm.Provider{Result: &llm.Result{Text: "pong", TokensOut: 1, Confidence: 0.9}}
	a := newTestApp(t, mock)

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("health report", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var report struct {
			Status    string            `json:"status"`
			Providers map[string]string `json:"providers"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if report.Status != "healthy" {
			t.Errorf("status = %q", report.Status)
		}
		if _, ok := report.Providers["local"]; !ok {
			t.Errorf("providers = %v", report.Providers)
		}
	})

	t.Run("metrics scrape", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	mock := &mockllm.Provider{Result: &llm.Result{Text: "pong", TokensOut: 1, Confidence: 0.9}}
	a := newTestApp(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
