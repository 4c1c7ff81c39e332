package council

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// VoteConfig carries the tunables of one voting engine. Zero values select
// the documented defaults.
type VoteConfig struct {
	// Deadline is the global wait for all specialists. Default 4s.
	Deadline time.Duration

	// TopK is how many candidates enter fusion. Default 3.
	TopK int

	// ShortcutThreshold short-circuits fusion when the best candidate is this
	// confident and matches the dominant intent. Default 0.80.
	ShortcutThreshold float64

	// ReplaceMargin is how far a fused winner must exceed the draft
	// confidence to replace it. Default 0.15.
	ReplaceMargin float64

	// Band is the relative confidence window around the top candidate within
	// which fusion prefers the longest coherent answer. Default 0.15.
	Band float64
}

func (c *VoteConfig) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = 4 * time.Second
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.ShortcutThreshold <= 0 {
		c.ShortcutThreshold = 0.80
	}
	if c.ReplaceMargin <= 0 {
		c.ReplaceMargin = 0.15
	}
	if c.Band <= 0 {
		c.Band = 0.15
	}
}

// Draft is the Agent-0 baseline a vote deliberates against.
type Draft struct {
	Text       string
	Confidence float64
}

// VoteResult is the engine's decision. Candidates holds every specialist
// outcome, including losers and failures, for provenance and metrics.
type VoteResult struct {
	Text       string
	WinnerName string
	Confidence float64
	Candidates []Candidate
	Fused      bool
}

// Recorder receives per-vote metric events. Implementations must be safe for
// concurrent use; a nil Recorder disables recording.
type Recorder interface {
	RecordSpecialist(name string, d time.Duration, status string)
	RecordStubFiltered(n int)
}

// Engine runs specialists in parallel and selects or fuses a winner. The
// output is deterministic given the same candidate set.
type Engine struct {
	runner  *Runner
	cfg     VoteConfig
	metrics Recorder
	log     *slog.Logger
}

// NewEngine wires a voting engine. metrics and log may be nil.
func NewEngine(runner *Runner, cfg VoteConfig, metrics Recorder, log *slog.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{runner: runner, cfg: cfg, metrics: metrics, log: log}
}

// Vote dispatches every descriptor concurrently, waits for completion or the
// global deadline, and decides the winning text against the draft. When the
// deadline expires, in-flight runs are cancelled and surface as timeout
// candidates.
func (e *Engine) Vote(ctx context.Context, sessionID, prompt, system, dominant string, descs []Descriptor, draft Draft) VoteResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	candidates := make([]Candidate, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range descs {
		g.Go(func() error {
			candidates[i] = e.runner.Run(gctx, desc, sessionID, prompt, system, dominant)
			return nil
		})
	}
	g.Wait()

	byName := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}

	stubs := 0
	for _, c := range candidates {
		if c.Status == StatusStubFiltered {
			stubs++
		}
		if e.metrics != nil {
			e.metrics.RecordSpecialist(c.Specialist, c.Latency, c.Status.String())
		}
	}
	if e.metrics != nil && stubs > 0 {
		e.metrics.RecordStubFiltered(stubs)
	}

	// Only ok candidates from voting specialists can win; everything else is
	// provenance. Ordering is the deterministic tie-break chain.
	var viable []Candidate
	for _, c := range candidates {
		if c.Status != StatusOK || c.Confidence <= 0 {
			continue
		}
		if byName[c.Specialist].Role == "advisor" {
			continue
		}
		viable = append(viable, c)
	}
	sortCandidates(viable, byName)

	result := VoteResult{Candidates: candidates}

	if len(viable) == 0 {
		result.Text = draft.Text
		result.WinnerName = "agent0"
		result.Confidence = draft.Confidence
		return result
	}

	if top := viable[0]; top.Confidence >= e.cfg.ShortcutThreshold && byName[top.Specialist].Matches(dominant) {
		result.Text = top.Text
		result.WinnerName = top.Specialist
		result.Confidence = top.Confidence
		result.Fused = false
		e.log.Debug("vote shortcut", "winner", top.Specialist, "confidence", top.Confidence)
		return result
	}

	winner, fused := e.fuse(viable, draft)
	result.Text = winner.Text
	result.WinnerName = winner.Specialist
	result.Confidence = winner.Confidence
	result.Fused = fused
	return result
}

// sortCandidates orders by confidence descending, then fewer tokens, then
// higher descriptor priority, then name.
func sortCandidates(cands []Candidate, byName map[string]Descriptor) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Tokens != b.Tokens {
			return a.Tokens < b.Tokens
		}
		if pa, pb := byName[a.Specialist].Priority, byName[b.Specialist].Priority; pa != pb {
			return pa > pb
		}
		return a.Specialist < b.Specialist
	})
}
