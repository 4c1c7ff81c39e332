package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/democratizeAI/council/pkg/provider/llm"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// reportTimeout bounds the detailed report; the endpoint must answer fast
// even when a provider probe would not.
const reportTimeout = 100 * time.Millisecond

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Budgets is the spend summary embedded in the detailed report.
type Budgets struct {
	DailySpentUSD float64 `json:"daily_spent_usd"`
	DailyFraction float64 `json:"daily_fraction"`
	LifetimeUSD   float64 `json:"lifetime_usd"`
	TotalTokens   int     `json:"total_tokens"`
}

// report is the JSON body of the detailed health endpoint.
type report struct {
	Status     string            `json:"status"`
	Conditions []Condition       `json:"conditions"`
	Budgets    Budgets           `json:"budgets"`
	Providers  map[string]string `json:"providers"`
}

// probeResult is the JSON body of the liveness and readiness endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz, /readyz and the detailed /health report.
// Safe for concurrent use; all fields are fixed at construction time.
type Handler struct {
	monitor   *Monitor
	budgets   func() Budgets
	providers func(ctx context.Context) map[string]llm.Status
	checkers  []Checker
}

// NewHandler creates a Handler. budgets and providers may be nil.
func NewHandler(monitor *Monitor, budgets func() Budgets, providers func(ctx context.Context) map[string]llm.Status, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{monitor: monitor, budgets: budgets, providers: providers, checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Health serves the detailed report: overall status, the four conditions,
// budget counters and cached provider health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reportTimeout)
	defer cancel()

	rep := report{
		Status:     h.monitor.Status(),
		Conditions: h.monitor.Conditions(),
		Providers:  map[string]string{},
	}
	if h.budgets != nil {
		rep.Budgets = h.budgets()
	}
	if h.providers != nil {
		for name, status := range h.providers(ctx) {
			rep.Providers[name] = status.String()
		}
	}

	code := http.StatusOK
	if rep.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
