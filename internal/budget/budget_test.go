package budget

import (
	"errors"
	"testing"
	"time"
)

func newTestGuard(t *testing.T, limits Limits) *Guard {
	t.Helper()
	g, err := New(limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestAuthorise(t *testing.T) {
	g := newTestGuard(t, Limits{PerRequestUSD: 0.05, PerSessionUSD: 0.30, DailyUSD: 1.00})

	t.Run("free is always allowed", func(t *testing.T) {
		if err := g.Authorise("s1", 0); err != nil {
			t.Errorf("Authorise(0) = %v", err)
		}
	})

	t.Run("per-request cap", func(t *testing.T) {
		if err := g.Authorise("s1", 0.06); !errors.Is(err, ErrExceeded) {
			t.Errorf("over-request = %v, want ErrExceeded", err)
		}
		if err := g.Authorise("s1", 0.05); err != nil {
			t.Errorf("at-request-cap = %v", err)
		}
	})

	t.Run("per-session cap", func(t *testing.T) {
		g.Record("s2", 0.28, 100)
		if err := g.Authorise("s2", 0.03); !errors.Is(err, ErrExceeded) {
			t.Errorf("over-session = %v, want ErrExceeded", err)
		}
		if err := g.Authorise("s3", 0.03); err != nil {
			t.Errorf("fresh session = %v", err)
		}
	})

	t.Run("daily cap", func(t *testing.T) {
		g2 := newTestGuard(t, Limits{PerRequestUSD: 10, PerSessionUSD: 10, DailyUSD: 1.00})
		g2.Record("a", 0.99, 0)
		if err := g2.Authorise("b", 0.02); !errors.Is(err, ErrExceeded) {
			t.Errorf("over-daily = %v, want ErrExceeded", err)
		}
		if g2.Exhausted() {
			t.Error("not yet exhausted at 0.99")
		}
		g2.Record("a", 0.01, 0)
		if !g2.Exhausted() {
			t.Error("exhausted at daily cap")
		}
	})
}

func TestRecordMonotonic(t *testing.T) {
	g := newTestGuard(t, Limits{})
	var prev float64
	for i := 0; i < 5; i++ {
		g.Record("s1", 0.01, 10)
		snap := g.Snapshot()
		if snap.DailySpentUSD < prev {
			t.Fatalf("daily spend decreased: %f -> %f", prev, snap.DailySpentUSD)
		}
		prev = snap.DailySpentUSD
	}
	snap := g.Snapshot()
	if snap.TotalTokens != 50 {
		t.Errorf("TotalTokens = %d, want 50", snap.TotalTokens)
	}
	if snap.SessionSpentUSD["s1"] < 0.049 {
		t.Errorf("session spend = %f", snap.SessionSpentUSD["s1"])
	}
}

func TestDailyReset(t *testing.T) {
	g := newTestGuard(t, Limits{DailyUSD: 1.00})
	base := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	g.windowStart = g.windowStartAt(base)

	g.Record("s1", 0.80, 0)
	if got := g.Snapshot().DailySpentUSD; got != 0.80 {
		t.Fatalf("daily = %f", got)
	}

	// Cross midnight UTC: daily and session counters reset, lifetime does not.
	base = base.Add(2 * time.Hour)
	snap := g.Snapshot()
	if snap.DailySpentUSD != 0 {
		t.Errorf("daily after reset = %f, want 0", snap.DailySpentUSD)
	}
	if len(snap.SessionSpentUSD) != 0 {
		t.Errorf("session spend after reset = %v, want empty", snap.SessionSpentUSD)
	}
	if snap.LifetimeUSD != 0.80 {
		t.Errorf("lifetime after reset = %f, want 0.80", snap.LifetimeUSD)
	}
}

func TestCustomResetBoundary(t *testing.T) {
	g, err := New(Limits{ResetUTC: "06:00"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	at := func(h int) time.Time { return time.Date(2026, 3, 10, h, 30, 0, 0, time.UTC) }

	if got := g.windowStartAt(at(7)); got.Hour() != 6 || got.Day() != 10 {
		t.Errorf("window start after boundary = %v", got)
	}
	if got := g.windowStartAt(at(5)); got.Hour() != 6 || got.Day() != 9 {
		t.Errorf("window start before boundary = %v", got)
	}

	if _, err := New(Limits{ResetUTC: "25:99"}); err == nil {
		t.Error("invalid boundary accepted")
	}
}
