// Package orchestrator implements the front-speaker protocol: a fast Agent-0
// draft answers every prompt immediately, and a background council of
// specialists refines low-confidence drafts under a concurrency cap.
//
// The orchestrator owns per-session write ordering: a session's turns land in
// arrival order, and the refinement of one turn settles before the next turn
// becomes visible to retrieval.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/democratizeAI/council/internal/council"
	"github.com/democratizeAI/council/internal/intent"
	"github.com/democratizeAI/council/pkg/memory"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// ErrInvalidInput rejects empty prompts before any memory write or cost.
var ErrInvalidInput = errors.New("orchestrator: empty prompt")

// fallbackDraftText answers when every draft provider fails.
const fallbackDraftText = "Sorry, I can't reach my models right now. Give me a moment while I try a different route."

// budgetExhaustedNote prefixes local-only drafts after the daily cap.
const budgetExhaustedNote = "Daily budget exhausted; answering with the local model only."

// greetingRotation is the deterministic greeting pool. The index is derived
// from the session id and turn count so repeated greetings vary per session
// without randomness.
var greetingRotation = []string{
	"Hey! What can I do for you?",
	"Hi there. What are we working on today?",
	"Hello! Ask me anything.",
	"Hey. Ready when you are.",
}

// Hints are the caller-supplied per-request switches.
type Hints struct {
	// ForceCouncil skips the confidence gate and the short-prompt gate and
	// always deliberates.
	ForceCouncil bool

	// DisableRefine suppresses background refinement for this prompt.
	DisableRefine bool

	// DraftSink optionally receives incremental draft tokens.
	DraftSink chan<- string
}

// Draft is the immediate answer emitted for every prompt.
type Draft struct {
	TurnID            string
	Text              string
	Confidence        float64
	Provider          string
	FirstTokenLatency time.Duration
	TotalLatency      time.Duration
	RefinementPending bool
}

// Generator is the slice of the provider registry the orchestrator uses.
type Generator interface {
	Generate(ctx context.Context, providerName, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, error)
	GenerateWithFallback(ctx context.Context, names []string, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, string, error)
}

// Voter is the slice of the voting engine the orchestrator uses.
type Voter interface {
	Vote(ctx context.Context, sessionID, prompt, system, dominant string, descs []council.Descriptor, draft council.Draft) council.VoteResult
}

// Summariser matches internal/session.Summariser.
type Summariser interface {
	Summarise(ctx context.Context, turns []memory.Turn) (string, error)
}

// Spender is the slice of the budget guard the orchestrator reads.
type Spender interface {
	Exhausted() bool
}

// DraftRecorder matches the health monitor's draft latency intake.
type DraftRecorder interface {
	RecordDraft(d time.Duration)
}

// MetricsRecorder matches internal/observe.Metrics.
type MetricsRecorder interface {
	RecordAgent0(d time.Duration)
	RecordVote(d time.Duration)
	RecordRefinement(improved bool)
}

// Config tunes the orchestrator. Zero values select the documented defaults.
type Config struct {
	// DraftOrder is the provider fallback order for the Agent-0 draft,
	// local first. Required.
	DraftOrder []string

	// LocalProvider serves the short-prompt gate and budget-exhausted
	// replies. Defaults to the first DraftOrder entry.
	LocalProvider string

	// SystemPrompt is the instruction sent with every generation.
	SystemPrompt string

	DraftMaxTokens   int           // default 24
	DraftTimeout     time.Duration // default 5s
	DraftTemperature float64       // default 0
	ConfidenceGate   float64       // default 0.60

	ShortPromptLimit int // characters, default 120
	LocalMaxTokens   int // default 160

	ContextTokenCap int // default 400
	QueryK          int // default 3
	RecentN         int // default 3

	RefinementDeadline    time.Duration // default 8s
	RefinementConcurrency int64         // default 8
	RefinementMargin      float64       // default 0.15
	RefinementDisabled    bool

	IntentFloor    float64 // minimum intent confidence to select, default 0.2
	MaxSpecialists int     // default 3

	SummariseEvery int // update the session summary every n turns, default 4
}

func (c *Config) applyDefaults() {
	if c.LocalProvider == "" && len(c.DraftOrder) > 0 {
		c.LocalProvider = c.DraftOrder[0]
	}
	if c.DraftMaxTokens <= 0 {
		c.DraftMaxTokens = 24
	}
	if c.DraftTimeout <= 0 {
		c.DraftTimeout = 5 * time.Second
	}
	if c.ConfidenceGate <= 0 {
		c.ConfidenceGate = 0.60
	}
	if c.ShortPromptLimit <= 0 {
		c.ShortPromptLimit = 120
	}
	if c.LocalMaxTokens <= 0 {
		c.LocalMaxTokens = 160
	}
	if c.ContextTokenCap <= 0 {
		c.ContextTokenCap = 400
	}
	if c.QueryK <= 0 {
		c.QueryK = 3
	}
	if c.RecentN <= 0 {
		c.RecentN = 3
	}
	if c.RefinementDeadline <= 0 {
		c.RefinementDeadline = 8 * time.Second
	}
	if c.RefinementConcurrency <= 0 {
		c.RefinementConcurrency = 8
	}
	if c.RefinementMargin <= 0 {
		c.RefinementMargin = 0.15
	}
	if c.IntentFloor <= 0 {
		c.IntentFloor = 0.2
	}
	if c.MaxSpecialists <= 0 {
		c.MaxSpecialists = 3
	}
	if c.SummariseEvery <= 0 {
		c.SummariseEvery = 4
	}
}

// sessionState serialises one session's memory writes and tracks its turn
// count for the greeting rotation and summary cadence.
type sessionState struct {
	mu       sync.Mutex
	turns    int
	refining chan struct{}
}

// Orchestrator is safe for concurrent use across sessions. Within a session,
// concurrent Chat calls are serialised at the memory-write boundary.
type Orchestrator struct {
	cfg         Config
	gen         Generator
	voter       Voter
	classifier  *intent.Classifier
	store       memory.Store
	summariser  Summariser
	spender     Spender
	specialists []council.Descriptor
	monitor     DraftRecorder
	metrics     MetricsRecorder
	log         *slog.Logger

	sem *semaphore.Weighted

	sessMu   sync.Mutex
	sessions map[string]*sessionState
}

// New wires an orchestrator. summariser, spender, monitor, metrics and log
// may be nil.
func New(cfg Config, gen Generator, voter Voter, classifier *intent.Classifier, store memory.Store,
	summariser Summariser, spender Spender, specialists []council.Descriptor,
	monitor DraftRecorder, metrics MetricsRecorder, log *slog.Logger) (*Orchestrator, error) {

	cfg.applyDefaults()
	if len(cfg.DraftOrder) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one draft provider is required")
	}
	if gen == nil || classifier == nil || store == nil {
		return nil, fmt.Errorf("orchestrator: generator, classifier and store are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		gen:         gen,
		voter:       voter,
		classifier:  classifier,
		store:       store,
		summariser:  summariser,
		spender:     spender,
		specialists: specialists,
		monitor:     monitor,
		metrics:     metrics,
		log:         log,
		sem:         semaphore.NewWeighted(cfg.RefinementConcurrency),
		sessions:    map[string]*sessionState{},
	}, nil
}

// Chat runs the front-speaker protocol for one prompt. The returned handle is
// nil when no refinement was scheduled.
func (o *Orchestrator) Chat(ctx context.Context, prompt, sessionID string, hints Hints) (Draft, *RefinementHandle, error) {
	if strings.TrimSpace(prompt) == "" {
		return Draft{}, nil, ErrInvalidInput
	}

	res := o.classifier.Classify(prompt)
	st := o.session(sessionID)

	if res.Greeting && !hints.ForceCouncil {
		return o.greet(ctx, st, prompt, sessionID), nil, nil
	}

	if o.shortPromptEligible(prompt, res) && !hints.ForceCouncil {
		return o.localReply(ctx, st, prompt, sessionID, res, "", false), nil, nil
	}

	injected := o.buildContext(ctx, sessionID, prompt)

	if o.spender != nil && o.spender.Exhausted() {
		return o.localReply(ctx, st, prompt, sessionID, res, injected, true), nil, nil
	}

	draft := o.draft(ctx, sessionID, prompt, injected, hints.DraftSink)

	refine := o.shouldRefine(draft, res, hints)
	draft.RefinementPending = refine

	turn := o.newTurn(sessionID, prompt, draft)
	draft.TurnID = turn.ID

	if !refine {
		o.commitTurn(ctx, st, turn, prompt, true)
		o.maintainSummary(st, sessionID)
		return draft, nil, nil
	}

	// The assistant memory entry waits for the refinement decision; only the
	// turn and the user entry land now.
	o.commitTurn(ctx, st, turn, prompt, false)

	rctx, cancel := context.WithCancel(ctx)
	handle := newRefinementHandle(cancel)
	done := make(chan struct{})

	st.mu.Lock()
	st.refining = done
	st.mu.Unlock()

	go o.refine(rctx, st, done, handle, sessionID, prompt, injected, res, draft, turn.ID)

	return draft, handle, nil
}

// Recall is the diagnostic memory probe exposed by the transport.
func (o *Orchestrator) Recall(ctx context.Context, sessionID, query string) ([]memory.Match, error) {
	qr, err := o.store.Query(ctx, sessionID, query, o.cfg.QueryK)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: recall: %w", err)
	}
	return qr.Matches, nil
}

// ─── Fast paths ───

// greet serves the greeting rotation without touching any provider.
func (o *Orchestrator) greet(ctx context.Context, st *sessionState, prompt, sessionID string) Draft {
	st.mu.Lock()
	idx := (int(hashSession(sessionID)) + st.turns) % len(greetingRotation)
	st.mu.Unlock()
	text := greetingRotation[idx]

	draft := Draft{Text: text, Confidence: 0.95, Provider: "greeting"}
	turn := o.newTurn(sessionID, prompt, draft)
	turn.Provenance = []string{"greeting"}
	draft.TurnID = turn.ID

	o.commitTurn(ctx, st, turn, prompt, false)
	return draft
}

// localReply serves the short-prompt gate and the budget-exhausted path:
// exactly one local generation, never a vote.
func (o *Orchestrator) localReply(ctx context.Context, st *sessionState, prompt, sessionID string, res intent.Result, injected string, exhausted bool) Draft {
	opts := llm.Options{
		MaxTokens:   o.cfg.LocalMaxTokens,
		Temperature: 0.2,
		Timeout:     o.cfg.DraftTimeout,
	}

	start := time.Now()
	result, err := o.gen.Generate(ctx, o.cfg.LocalProvider, sessionID, llm.Request{
		Prompt: joinContext(injected, prompt),
		System: o.cfg.SystemPrompt,
	}, opts)
	elapsed := time.Since(start)

	var draft Draft
	if err != nil {
		o.log.Warn("local reply failed", "session", sessionID, "err", err)
		draft = Draft{Text: fallbackDraftText, Confidence: 0.1, Provider: "fallback", TotalLatency: elapsed}
	} else {
		conf := result.Confidence
		if conf <= 0 {
			conf = council.HeuristicConfidence(result.Text, result.Truncated)
		}
		draft = Draft{
			Text:              strings.TrimSpace(result.Text),
			Confidence:        conf,
			Provider:          o.cfg.LocalProvider,
			FirstTokenLatency: result.FirstTokenLatency,
			TotalLatency:      elapsed,
		}
	}

	if exhausted {
		draft.Text = budgetExhaustedNote + "\n\n" + draft.Text
		if draft.Confidence > 0.3 {
			draft.Confidence = 0.3
		}
	}

	turn := o.newTurn(sessionID, prompt, draft)
	draft.TurnID = turn.ID
	o.commitTurn(ctx, st, turn, prompt, true)
	o.maintainSummary(st, sessionID)
	return draft
}

// ─── Draft path ───

// draft runs the Agent-0 generation with ordered fallback. Failure yields the
// deterministic apology draft with confidence 0.1.
func (o *Orchestrator) draft(ctx context.Context, sessionID, prompt, injected string, sink chan<- string) Draft {
	opts := llm.Options{
		MaxTokens:   o.cfg.DraftMaxTokens,
		Temperature: o.cfg.DraftTemperature,
		Timeout:     o.cfg.DraftTimeout,
		StreamSink:  sink,
	}

	start := time.Now()
	result, provider, err := o.gen.GenerateWithFallback(ctx, o.cfg.DraftOrder, sessionID, llm.Request{
		Prompt: joinContext(injected, prompt),
		System: o.cfg.SystemPrompt,
	}, opts)
	elapsed := time.Since(start)

	if o.monitor != nil {
		o.monitor.RecordDraft(elapsed)
	}
	if o.metrics != nil {
		o.metrics.RecordAgent0(elapsed)
	}

	if err != nil {
		o.log.Error("agent0 draft failed on all providers", "session", sessionID, "err", err)
		return Draft{Text: fallbackDraftText, Confidence: 0.1, Provider: "fallback", TotalLatency: elapsed}
	}

	conf := result.Confidence
	if conf <= 0 {
		conf = council.HeuristicConfidence(result.Text, result.Truncated)
	}
	return Draft{
		Text:              strings.TrimSpace(result.Text),
		Confidence:        conf,
		Provider:          provider,
		FirstTokenLatency: result.FirstTokenLatency,
		TotalLatency:      elapsed,
	}
}

// shouldRefine applies the confidence gate. A gate hit at exactly the
// threshold counts as satisfied. The apology draft always refines.
func (o *Orchestrator) shouldRefine(draft Draft, res intent.Result, hints Hints) bool {
	if o.cfg.RefinementDisabled || hints.DisableRefine || o.voter == nil {
		return false
	}
	if hints.ForceCouncil {
		return true
	}
	if draft.Provider == "fallback" {
		return true
	}
	if res.CloudRequired {
		return true
	}
	return draft.Confidence < o.cfg.ConfidenceGate
}

// ─── Refinement ───

// refine is the background deliberation task. It owns the handle: exactly
// zero or one deliveries, then close.
func (o *Orchestrator) refine(ctx context.Context, st *sessionState, done chan struct{}, handle *RefinementHandle,
	sessionID, prompt, injected string, res intent.Result, draft Draft, turnID string) {

	improved := false
	defer close(handle.updates)
	defer close(done)
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordRefinement(improved)
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.settleDraft(st, sessionID, draft.Text)
		return
	}
	defer o.sem.Release(1)

	descs := o.selectSpecialists(res)
	if len(descs) == 0 {
		o.settleDraft(st, sessionID, draft.Text)
		return
	}

	vctx, cancel := context.WithTimeout(ctx, o.cfg.RefinementDeadline)
	defer cancel()

	start := time.Now()
	vote := o.voter.Vote(vctx, sessionID, joinContext(injected, prompt), o.cfg.SystemPrompt, res.Dominant(), descs, council.Draft{
		Text:       draft.Text,
		Confidence: draft.Confidence,
	})
	if o.metrics != nil {
		o.metrics.RecordVote(time.Since(start))
	}

	// A result landing after cancellation is discarded; the turn keeps its
	// draft text and no memory entry is written.
	if ctx.Err() != nil {
		return
	}

	improved = vote.WinnerName != "agent0" &&
		vote.Confidence >= draft.Confidence+o.cfg.RefinementMargin &&
		materiallyDifferent(vote.Text, draft.Text)

	if !improved {
		o.settleDraft(st, sessionID, draft.Text)
		o.maintainSummary(st, sessionID)
		return
	}

	provenance := winners(vote)
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer bcancel()

	st.mu.Lock()
	if err := o.store.FinaliseTurn(bctx, sessionID, turnID, vote.Text, provenance, vote.Confidence); err != nil {
		o.log.Warn("finalise turn failed", "session", sessionID, "turn", turnID, "err", err)
	}
	if _, err := o.store.Add(bctx, sessionID, vote.Text, []string{"assistant", "refined"}); err != nil {
		o.log.Warn("refined entry write failed", "session", sessionID, "err", err)
	}
	st.mu.Unlock()

	handle.deliver(Refinement{Text: vote.Text, Confidence: vote.Confidence, Provenance: provenance})
	o.log.Info("refinement improved draft", "session", sessionID, "winner", vote.WinnerName,
		"confidence", vote.Confidence, "draft_confidence", draft.Confidence)

	o.maintainSummary(st, sessionID)
}

// selectSpecialists maps ranked intents to configured descriptors:
// confidence at or above the floor, capped, general and greeting excluded.
func (o *Orchestrator) selectSpecialists(res intent.Result) []council.Descriptor {
	var out []council.Descriptor
	for _, score := range res.Scores {
		if score.Confidence < o.cfg.IntentFloor || len(out) >= o.cfg.MaxSpecialists {
			break
		}
		if score.Specialist == intent.General || score.Specialist == intent.Greeting {
			continue
		}
		for _, d := range o.specialists {
			if d.Matches(score.Specialist) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// settleDraft writes the standing draft as the assistant memory entry when no
// refinement replaced it.
func (o *Orchestrator) settleDraft(st *sessionState, sessionID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := o.store.Add(ctx, sessionID, text, []string{"assistant"}); err != nil {
		o.log.Warn("assistant entry write failed", "session", sessionID, "err", err)
	}
}

// ─── Session bookkeeping ───

// session returns the state for id, creating it on first use.
func (o *Orchestrator) session(id string) *sessionState {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	st, ok := o.sessions[id]
	if !ok {
		st = &sessionState{}
		o.sessions[id] = st
	}
	return st
}

// newTurn builds the turn record for a draft.
func (o *Orchestrator) newTurn(sessionID, prompt string, draft Draft) memory.Turn {
	provenance := []string{"agent0"}
	if draft.Provider == "fallback" {
		provenance = []string{"fallback"}
	}
	return memory.Turn{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		PromptText: prompt,
		DraftText:  draft.Text,
		FinalText:  draft.Text,
		Provenance: provenance,
		Confidence: draft.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// commitTurn appends the turn and the user memory entry under the session
// write lock, after any prior refinement for this session has settled. When
// withAssistant is set the assistant entry lands too (no refinement pending).
func (o *Orchestrator) commitTurn(ctx context.Context, st *sessionState, turn memory.Turn, prompt string, withAssistant bool) {
	st.mu.Lock()
	prior := st.refining
	st.mu.Unlock()
	if prior != nil {
		select {
		case <-prior:
		case <-ctx.Done():
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.refining = nil
	st.turns++

	if _, err := o.store.Add(ctx, turn.SessionID, prompt, []string{"user"}); err != nil {
		o.log.Warn("user entry write failed", "session", turn.SessionID, "err", err)
	}
	if err := o.store.AppendTurn(ctx, turn); err != nil {
		o.log.Warn("turn append failed", "session", turn.SessionID, "err", err)
	}
	if withAssistant && turn.FinalText != "" {
		if _, err := o.store.Add(ctx, turn.SessionID, turn.FinalText, []string{"assistant"}); err != nil {
			o.log.Warn("assistant entry write failed", "session", turn.SessionID, "err", err)
		}
	}
}

// maintainSummary refreshes the rolling summary every SummariseEvery turns.
// Runs in the background so the request path never waits on a summary model.
func (o *Orchestrator) maintainSummary(st *sessionState, sessionID string) {
	if o.summariser == nil {
		return
	}
	st.mu.Lock()
	due := st.turns%o.cfg.SummariseEvery == 0
	st.mu.Unlock()
	if !due {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		turns, err := o.store.Turns(ctx, sessionID, 20)
		if err != nil || len(turns) == 0 {
			return
		}
		summary, err := o.summariser.Summarise(ctx, turns)
		if err != nil || summary == "" {
			return
		}
		if err := o.store.UpdateSummary(ctx, sessionID, summary); err != nil {
			o.log.Warn("summary update failed", "session", sessionID, "err", err)
		}
	}()
}

// ─── Helpers ───

// shortPromptEligible is the local gate: at most the limit in characters and
// no risk markers.
func (o *Orchestrator) shortPromptEligible(prompt string, res intent.Result) bool {
	return utf8.RuneCountInString(prompt) <= o.cfg.ShortPromptLimit && !res.CloudRequired
}

// materiallyDifferent holds when the texts are not whitespace-equal and not
// near-duplicates.
func materiallyDifferent(a, b string) bool {
	if council.NormaliseWhitespace(a) == council.NormaliseWhitespace(b) {
		return false
	}
	return council.Similarity(a, b) < 0.95
}

// winners extracts the provenance list from a vote.
func winners(vote council.VoteResult) []string {
	if !vote.Fused {
		return []string{vote.WinnerName}
	}
	names := []string{vote.WinnerName}
	for _, c := range vote.Candidates {
		if c.Status == council.StatusOK && c.Specialist != vote.WinnerName {
			names = append(names, c.Specialist)
		}
	}
	return names
}

// hashSession derives the stable greeting rotation offset for a session.
func hashSession(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % uint32(len(greetingRotation))
}

// joinContext prepends the injected context block when present.
func joinContext(injected, prompt string) string {
	if injected == "" {
		return prompt
	}
	return injected + "\n\n" + prompt
}
