// Package budget enforces the three council cost caps: per request, per
// session within the daily window, and process-wide per day. Every paid
// generation is pre-authorised against an estimate and recorded with its
// actual cost afterwards.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExceeded is wrapped by every Authorise denial. Callers route to a free
// local provider or fail the request with this kind.
var ErrExceeded = errors.New("budget: exceeded")

// Limits are the static caps, loaded from config at startup.
type Limits struct {
	// PerRequestUSD caps a single generation dispatch. Default 0.05.
	PerRequestUSD float64

	// PerSessionUSD caps one session's spend inside the daily window.
	// Default 0.30.
	PerSessionUSD float64

	// DailyUSD caps process-wide spend per window. Default 1.00.
	DailyUSD float64

	// ResetUTC is the window boundary as "15:04" wall-clock UTC.
	// Default "00:00".
	ResetUTC string
}

func (l *Limits) applyDefaults() {
	if l.PerRequestUSD <= 0 {
		l.PerRequestUSD = 0.05
	}
	if l.PerSessionUSD <= 0 {
		l.PerSessionUSD = 0.30
	}
	if l.DailyUSD <= 0 {
		l.DailyUSD = 1.00
	}
	if l.ResetUTC == "" {
		l.ResetUTC = "00:00"
	}
}

// Snapshot is a read-only view of the counters. SessionSpentUSD is a copy.
type Snapshot struct {
	DailySpentUSD   float64
	LifetimeUSD     float64
	SessionSpentUSD map[string]float64
	TotalTokens     int
	WindowStart     time.Time
}

// Guard is the process-wide budget state. All access goes through one mutex;
// readers only ever observe complete snapshots.
type Guard struct {
	mu           sync.Mutex
	limits       Limits
	dailySpent   float64
	lifetime     float64
	sessionSpent map[string]float64
	totalTokens  int
	windowStart  time.Time

	now func() time.Time
}

// New creates a Guard with the current window derived from limits.ResetUTC.
func New(limits Limits) (*Guard, error) {
	limits.applyDefaults()
	if _, err := time.Parse("15:04", limits.ResetUTC); err != nil {
		return nil, fmt.Errorf("budget: parse reset boundary %q: %w", limits.ResetUTC, err)
	}
	g := &Guard{
		limits:       limits,
		sessionSpent: map[string]float64{},
		now:          time.Now,
	}
	g.windowStart = g.windowStartAt(g.now().UTC())
	return g, nil
}

// Authorise checks estimatedCost against all three caps. A zero estimate
// (free local provider) always passes. Denials wrap ErrExceeded with the
// violated cap named.
func (g *Guard) Authorise(sessionID string, estimatedCost float64) error {
	if estimatedCost <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset()

	switch {
	case estimatedCost > g.limits.PerRequestUSD:
		return fmt.Errorf("request estimate $%.4f over per-request cap $%.2f: %w",
			estimatedCost, g.limits.PerRequestUSD, ErrExceeded)
	case g.sessionSpent[sessionID]+estimatedCost > g.limits.PerSessionUSD:
		return fmt.Errorf("session %s over per-session cap $%.2f: %w",
			sessionID, g.limits.PerSessionUSD, ErrExceeded)
	case g.dailySpent+estimatedCost > g.limits.DailyUSD:
		return fmt.Errorf("daily spend $%.4f over cap $%.2f: %w",
			g.dailySpent, g.limits.DailyUSD, ErrExceeded)
	}
	return nil
}

// Record adds the actual cost and token usage of a completed generation.
// Daily spend never decreases within a window; lifetime never resets.
func (g *Guard) Record(sessionID string, actualCost float64, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset()

	if actualCost > 0 {
		g.dailySpent += actualCost
		g.lifetime += actualCost
		g.sessionSpent[sessionID] += actualCost
	}
	g.totalTokens += tokens
}

// Snapshot returns a consistent copy of the counters.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset()

	sessions := make(map[string]float64, len(g.sessionSpent))
	for k, v := range g.sessionSpent {
		sessions[k] = v
	}
	return Snapshot{
		DailySpentUSD:   g.dailySpent,
		LifetimeUSD:     g.lifetime,
		SessionSpentUSD: sessions,
		TotalTokens:     g.totalTokens,
		WindowStart:     g.windowStart,
	}
}

// Exhausted reports whether the daily cap is spent. The health monitor and
// orchestrator use this to disable paid providers for the rest of the window.
func (g *Guard) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset()
	return g.dailySpent >= g.limits.DailyUSD
}

// DailyFraction reports spend as a fraction of the daily cap.
func (g *Guard) DailyFraction() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset()
	return g.dailySpent / g.limits.DailyUSD
}

// maybeReset rolls the window forward when the boundary has passed. Caller
// holds g.mu.
func (g *Guard) maybeReset() {
	now := g.now().UTC()
	start := g.windowStartAt(now)
	if start.After(g.windowStart) {
		g.windowStart = start
		g.dailySpent = 0
		g.sessionSpent = map[string]float64{}
		g.totalTokens = 0
	}
}

// windowStartAt returns the most recent boundary at or before now.
func (g *Guard) windowStartAt(now time.Time) time.Time {
	boundary, _ := time.Parse("15:04", g.limits.ResetUTC)
	start := time.Date(now.Year(), now.Month(), now.Day(),
		boundary.Hour(), boundary.Minute(), 0, 0, time.UTC)
	if start.After(now) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}
