// Package resilience provides the circuit breaker the provider registry
// wraps around every generation backend, so a failing provider is bypassed
// quickly instead of dragging every vote to its timeout.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects the call outright.
var ErrOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects all calls until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of probes through to test recovery.
	HalfOpen
)

// String returns the lowercase label used in logs and metrics.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. Zero values select the defaults.
type Config struct {
	// Name labels log lines. Usually the provider name.
	Name string

	// Threshold is the consecutive-failure count that opens the breaker.
	// Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// Probes is how many half-open calls must all succeed to close again.
	// Default 3.
	Probes int
}

// Breaker is a three-state circuit breaker, safe for concurrent use.
type Breaker struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  int
	probeOK  int
}

// New creates a Breaker. log may be nil.
func New(cfg Config, log *slog.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{cfg: cfg, log: log}
}

// Do runs fn unless the breaker rejects the call, in which case fn is never
// invoked and Do returns ErrOpen. fn's error feeds the failure accounting
// and is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err == nil)
	return err
}

// admit decides whether a call may proceed, handling the open-to-half-open
// transition.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = 0
		b.probeOK = 0
		b.log.Info("circuit half-open", "name", b.cfg.Name)
		fallthrough
	case HalfOpen:
		if b.probing >= b.cfg.Probes {
			return ErrOpen
		}
		b.probing++
	}
	return nil
}

// settle records the call outcome.
func (b *Breaker) settle(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if !ok {
			b.trip()
			return
		}
		b.probeOK++
		if b.probeOK >= b.cfg.Probes {
			b.state = Closed
			b.failures = 0
			b.log.Info("circuit closed", "name", b.cfg.Name)
		}
	case Closed:
		if !ok {
			b.failures++
			if b.failures >= b.cfg.Threshold {
				b.trip()
			}
			return
		}
		b.failures = 0
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = b.cfg.Threshold
	b.log.Warn("circuit open", "name", b.cfg.Name, "threshold", b.cfg.Threshold)
}

// State reports the effective state: an open breaker past its cooldown reads
// as half-open even though the transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = 0
	b.probeOK = 0
}
