package health

import (
	"testing"
	"time"
)

type fakeSpender struct{ fraction float64 }

func (f *fakeSpender) DailyFraction() float64 { return f.fraction }

func findCondition(t *testing.T, conds []Condition, name string) Condition {
	t.Helper()
	for _, c := range conds {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("condition %s missing from %v", name, conds)
	return Condition{}
}

func TestDraftLatencyCondition(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil, nil)

	for i := 0; i < 20; i++ {
		m.RecordDraft(100 * time.Millisecond)
	}
	if c := findCondition(t, m.Conditions(), ConditionDraftLatency); c.Severity != SeverityOK {
		t.Errorf("fast drafts flagged: %+v", c)
	}

	for i := 0; i < 20; i++ {
		m.RecordDraft(500 * time.Millisecond)
	}
	if c := findCondition(t, m.Conditions(), ConditionDraftLatency); c.Severity != SeverityWarn {
		t.Errorf("slow p95 not flagged: %+v", c)
	}
	if m.Status() != "degraded" {
		t.Errorf("status = %s, want degraded", m.Status())
	}
}

func TestDraftWindowPruning(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		m.RecordDraft(time.Second)
	}
	now = now.Add(6 * time.Minute)
	if got := m.DraftP95(); got != time.Second {
		// Pruning happens on the next write or evaluation.
		t.Logf("stale p95 before evaluation: %v", got)
	}
	if c := findCondition(t, m.Conditions(), ConditionDraftLatency); c.Severity != SeverityOK {
		t.Errorf("expired samples still flagged: %+v", c)
	}
	if got := m.DraftP95(); got != 0 {
		t.Errorf("p95 after window = %v, want 0", got)
	}
}

func TestUpstreamCondition(t *testing.T) {
	cfg := Config{DraftWindow: 10 * time.Second, GPUWindow: time.Minute}
	m := NewMonitor(cfg, nil, nil, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.RecordGPU(10)
	now = now.Add(2 * time.Minute)
	m.RecordGPU(12)
	for i := 0; i < 30; i++ {
		m.RecordDraft(50 * time.Millisecond)
	}

	if c := findCondition(t, m.Conditions(), ConditionUpstreamCPU); c.Severity != SeverityWarn {
		t.Errorf("sustained low gpu under load not flagged: %+v", c)
	}

	t.Run("recovers when utilisation rises", func(t *testing.T) {
		m.RecordGPU(80)
		if c := findCondition(t, m.Conditions(), ConditionUpstreamCPU); c.Severity != SeverityOK {
			t.Errorf("recovered gpu still flagged: %+v", c)
		}
	})

	t.Run("idle service is not alertable", func(t *testing.T) {
		idle := NewMonitor(cfg, nil, nil, nil)
		idleNow := time.Now()
		idle.now = func() time.Time { return idleNow }
		idle.RecordGPU(5)
		idleNow = idleNow.Add(2 * time.Minute)
		idle.RecordGPU(5)
		if c := findCondition(t, idle.Conditions(), ConditionUpstreamCPU); c.Severity != SeverityOK {
			t.Errorf("idle low gpu flagged: %+v", c)
		}
	})
}

func TestBudgetBreachCondition(t *testing.T) {
	sp := &fakeSpender{fraction: 0.3}
	m := NewMonitor(Config{}, sp, nil, nil)

	if c := findCondition(t, m.Conditions(), ConditionBudgetBreach); c.Severity != SeverityOK {
		t.Errorf("30%% spend flagged: %+v", c)
	}

	sp.fraction = 0.6
	if c := findCondition(t, m.Conditions(), ConditionBudgetBreach); c.Severity != SeverityWarn {
		t.Errorf("60%% spend not warn: %+v", c)
	}

	sp.fraction = 1.0
	if c := findCondition(t, m.Conditions(), ConditionBudgetBreach); c.Severity != SeverityCritical {
		t.Errorf("full spend not critical: %+v", c)
	}
	if !m.BudgetCritical() {
		t.Error("BudgetCritical() = false at full spend")
	}
	if m.Status() != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", m.Status())
	}
}

func TestBacklogCondition(t *testing.T) {
	depth := 0
	m := NewMonitor(Config{}, nil, func() int { return depth }, nil)

	if c := findCondition(t, m.Conditions(), ConditionWriteBehindBacklog); c.Severity != SeverityOK {
		t.Errorf("empty queue flagged: %+v", c)
	}

	depth = 2000
	if c := findCondition(t, m.Conditions(), ConditionWriteBehindBacklog); c.Severity != SeverityWarn {
		t.Errorf("deep queue not flagged: %+v", c)
	}
}

func TestStatusHealthy(t *testing.T) {
	m := NewMonitor(Config{}, &fakeSpender{fraction: 0.1}, nil, nil)
	m.RecordDraft(50 * time.Millisecond)
	if m.Status() != "healthy" {
		t.Errorf("status = %s, want healthy", m.Status())
	}
}
