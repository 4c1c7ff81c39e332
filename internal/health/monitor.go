// Package health tracks the council's four operational conditions and serves
// the liveness, readiness and detailed health endpoints.
//
// The [Monitor] aggregates rolling-window samples (draft latency, GPU
// utilisation, request rate) plus live gauges (budget fraction, write-behind
// backlog) into named conditions. A critical budget breach disables paid
// providers for the rest of the budget window.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Condition names, stable for metrics and the health endpoint.
const (
	ConditionUpstreamCPU        = "upstream_cpu"
	ConditionDraftLatency       = "draft_latency"
	ConditionBudgetBreach       = "budget_breach"
	ConditionWriteBehindBacklog = "write_behind_backlog"
)

// Severity classifies a condition.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarn
	SeverityCritical
)

// String returns the lowercase label.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Condition is one evaluated health condition.
type Condition struct {
	Name     string   `json:"name"`
	Severity Severity `json:"-"`
	Level    string   `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// Config tunes the condition thresholds. Zero values select the defaults.
type Config struct {
	// DraftWindow is the rolling window for draft latency. Default 5m.
	DraftWindow time.Duration

	// DraftP95 is the warn threshold for draft p95 latency. Default 400ms.
	DraftP95 time.Duration

	// GPUWindow is how long utilisation must stay low to fire. Default 3m.
	GPUWindow time.Duration

	// GPULowUtilPct is the low-utilisation threshold. Default 20.
	GPULowUtilPct float64

	// GPUMinRPS is the request rate below which low utilisation is expected
	// and not alertable. Default 1.
	GPUMinRPS float64

	// BudgetWarnFraction and BudgetCritFraction are fractions of the daily
	// cap. Defaults 0.5 and 1.0.
	BudgetWarnFraction float64
	BudgetCritFraction float64

	// PendingQueueWarn is the write-behind backlog threshold. Default 1000.
	PendingQueueWarn int
}

func (c *Config) applyDefaults() {
	if c.DraftWindow <= 0 {
		c.DraftWindow = 5 * time.Minute
	}
	if c.DraftP95 <= 0 {
		c.DraftP95 = 400 * time.Millisecond
	}
	if c.GPUWindow <= 0 {
		c.GPUWindow = 3 * time.Minute
	}
	if c.GPULowUtilPct <= 0 {
		c.GPULowUtilPct = 20
	}
	if c.GPUMinRPS <= 0 {
		c.GPUMinRPS = 1
	}
	if c.BudgetWarnFraction <= 0 {
		c.BudgetWarnFraction = 0.5
	}
	if c.BudgetCritFraction <= 0 {
		c.BudgetCritFraction = 1.0
	}
	if c.PendingQueueWarn <= 0 {
		c.PendingQueueWarn = 1000
	}
}

// Spender is the slice of the budget guard the monitor reads.
type Spender interface {
	DailyFraction() float64
}

// PaidToggler is the slice of the provider registry the monitor drives when
// the budget breach goes critical.
type PaidToggler interface {
	SetPaidDisabled(bool)
}

// sample is one timestamped observation.
type sample struct {
	at    time.Time
	value float64
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg     Config
	spender Spender
	backlog func() int
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	drafts   []sample
	gpu      []sample
	gpuLowAt time.Time
}

// NewMonitor creates a Monitor. backlog reports the memory store's pending
// flush queue depth and may be nil; spender may be nil; log may be nil.
func NewMonitor(cfg Config, spender Spender, backlog func() int, log *slog.Logger) *Monitor {
	cfg.applyDefaults()
	if backlog == nil {
		backlog = func() int { return 0 }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		spender: spender,
		backlog: backlog,
		log:     log,
		now:     time.Now,
	}
}

// RecordDraft adds one Agent-0 draft latency observation. Draft samples also
// feed the request-rate estimate for the upstream condition.
func (m *Monitor) RecordDraft(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.drafts = append(m.drafts, sample{at: now, value: float64(d)})
	m.drafts = prune(m.drafts, now.Add(-m.cfg.DraftWindow))
}

// RecordGPU adds one GPU utilisation observation in percent.
func (m *Monitor) RecordGPU(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.gpu = append(m.gpu, sample{at: now, value: pct})
	m.gpu = prune(m.gpu, now.Add(-m.cfg.GPUWindow))

	if pct < m.cfg.GPULowUtilPct {
		if m.gpuLowAt.IsZero() {
			m.gpuLowAt = now
		}
	} else {
		m.gpuLowAt = time.Time{}
	}
}

// DraftP95 reports the current draft latency p95 over the window.
func (m *Monitor) DraftP95() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draftP95Locked()
}

// Conditions evaluates all four conditions.
func (m *Monitor) Conditions() []Condition {
	m.mu.Lock()
	now := m.now()
	m.drafts = prune(m.drafts, now.Add(-m.cfg.DraftWindow))
	p95 := m.draftP95Locked()
	rps := float64(len(m.drafts)) / m.cfg.DraftWindow.Seconds()
	gpuLowFor := time.Duration(0)
	if !m.gpuLowAt.IsZero() {
		gpuLowFor = now.Sub(m.gpuLowAt)
	}
	m.mu.Unlock()

	conds := make([]Condition, 0, 4)

	upstream := Condition{Name: ConditionUpstreamCPU}
	if gpuLowFor >= m.cfg.GPUWindow && rps > m.cfg.GPUMinRPS {
		upstream.Severity = SeverityWarn
		upstream.Message = fmt.Sprintf("gpu utilisation below %.0f%% for %s under load", m.cfg.GPULowUtilPct, gpuLowFor.Round(time.Second))
	}
	conds = append(conds, upstream)

	latency := Condition{Name: ConditionDraftLatency}
	if p95 > m.cfg.DraftP95 {
		latency.Severity = SeverityWarn
		latency.Message = fmt.Sprintf("draft p95 %s over %s threshold", p95.Round(time.Millisecond), m.cfg.DraftP95)
	}
	conds = append(conds, latency)

	breach := Condition{Name: ConditionBudgetBreach}
	if m.spender != nil {
		switch frac := m.spender.DailyFraction(); {
		case frac >= m.cfg.BudgetCritFraction:
			breach.Severity = SeverityCritical
			breach.Message = fmt.Sprintf("daily budget spent (%.0f%%)", frac*100)
		case frac >= m.cfg.BudgetWarnFraction:
			breach.Severity = SeverityWarn
			breach.Message = fmt.Sprintf("daily budget at %.0f%% of cap", frac*100)
		}
	}
	conds = append(conds, breach)

	queue := Condition{Name: ConditionWriteBehindBacklog}
	if depth := m.backlog(); depth > m.cfg.PendingQueueWarn {
		queue.Severity = SeverityWarn
		queue.Message = fmt.Sprintf("pending queue depth %d over %d", depth, m.cfg.PendingQueueWarn)
	}
	conds = append(conds, queue)

	for i := range conds {
		conds[i].Level = conds[i].Severity.String()
	}
	return conds
}

// Status collapses conditions into the overall report status.
func (m *Monitor) Status() string {
	worst := SeverityOK
	for _, c := range m.Conditions() {
		if c.Severity > worst {
			worst = c.Severity
		}
	}
	switch worst {
	case SeverityCritical:
		return "unhealthy"
	case SeverityWarn:
		return "degraded"
	default:
		return "healthy"
	}
}

// BudgetCritical reports whether the budget breach condition is critical.
func (m *Monitor) BudgetCritical() bool {
	if m.spender == nil {
		return false
	}
	return m.spender.DailyFraction() >= m.cfg.BudgetCritFraction
}

// Run re-evaluates conditions on every tick and drives the paid-provider
// kill switch. Blocks until ctx is cancelled. toggler may be nil.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, toggler PaidToggler) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastStatus := "healthy"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if toggler != nil {
				toggler.SetPaidDisabled(m.BudgetCritical())
			}
			if status := m.Status(); status != lastStatus {
				m.log.Warn("health status changed", "from", lastStatus, "to", status)
				lastStatus = status
			}
		}
	}
}

// draftP95Locked computes nearest-rank p95 over the draft samples. Caller
// holds m.mu.
func (m *Monitor) draftP95Locked() time.Duration {
	if len(m.drafts) == 0 {
		return 0
	}
	sorted := make([]float64, len(m.drafts))
	for i, s := range m.drafts {
		sorted[i] = s.value
	}
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return time.Duration(sorted[idx])
}

// prune drops samples older than cutoff, preserving order.
func prune(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}
