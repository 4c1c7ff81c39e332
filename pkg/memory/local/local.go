// Package local implements the council memory store as an in-process flat
// cosine index with write-behind durability.
//
// Writes land in a pending buffer and are immediately visible to retrieval;
// a background writer flushes them to an append-only log file (and optionally
// a replica) every flush interval, and a reindex pass folds the pending buffer
// into the main index. The log replays into an empty store on start, so a
// crash loses at most one flush interval of entries.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/democratizeAI/council/pkg/memory"
	"github.com/democratizeAI/council/pkg/provider/embeddings"
)

// Config controls the store's timing and retention behaviour. Zero values
// select the documented defaults.
type Config struct {
	// Dir is the data directory. Created if missing.
	Dir string

	// FlushInterval is the write-behind cadence. Default 500ms.
	FlushInterval time.Duration

	// ReindexInterval is how often the pending buffer folds into the main
	// index. Default 30s.
	ReindexInterval time.Duration

	// GCInterval bounds how often archive/purge runs. Default 1h.
	GCInterval time.Duration

	// ArchiveAge moves entries to the cold archive file. Default 30 days.
	ArchiveAge time.Duration

	// PurgeAge deletes entries outright. Default 90 days.
	PurgeAge time.Duration

	// Grace is how long the durable log may keep failing before writes
	// surface ErrStoreUnavailable. Default 10s.
	Grace time.Duration

	// QueryDeadline is the soft per-query budget; scans past it return
	// partial results with Truncated set. Default 20ms.
	QueryDeadline time.Duration

	// EmbedTimeout bounds each embedder call. Default 50ms.
	EmbedTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.ReindexInterval <= 0 {
		c.ReindexInterval = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Hour
	}
	if c.ArchiveAge <= 0 {
		c.ArchiveAge = 30 * 24 * time.Hour
	}
	if c.PurgeAge <= 0 {
		c.PurgeAge = 90 * 24 * time.Hour
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.QueryDeadline <= 0 {
		c.QueryDeadline = 20 * time.Millisecond
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 50 * time.Millisecond
	}
}

// Stats is a point-in-time view for the health monitor.
type Stats struct {
	// Entries counts indexed plus pending entries.
	Entries int

	// PendingFlush is the depth of the unflushed write queue.
	PendingFlush int

	// Degraded is true when durable persistence or the replica has been
	// failing longer than the grace period.
	Degraded bool

	// DegradedSince is the start of the current failure run, zero when
	// healthy.
	DegradedSince time.Time
}

// indexed pairs an entry with its unit-normalised vector so queries are a
// plain dot product.
type indexed struct {
	entry memory.Entry
	unit  []float32
}

// Store implements memory.Store. Obtain one via Open.
type Store struct {
	cfg      Config
	embedder embeddings.Provider
	replica  memory.Replica
	log      *slog.Logger
	dims     int

	mu        sync.RWMutex
	index     []indexed
	pending   []indexed
	summaries map[string]string
	turns     map[string][]memory.Turn
	finalised map[string]bool
	closed    bool

	// flushMu guards the write-behind queue and failure bookkeeping.
	flushMu      sync.Mutex
	flushQueue   []memory.Entry
	walFailSince time.Time
	repFailSince time.Time

	wal *walFile

	stop chan struct{}
	done sync.WaitGroup
}

var _ memory.Store = (*Store)(nil)

// Open creates the store, replays the durable log from cfg.Dir, and starts
// the flush, reindex, and GC loops. replica may be nil. embedder may also be
// nil, in which case entries carry no vectors and retrieval falls back to
// lexical token overlap.
func Open(cfg Config, embedder embeddings.Provider, replica memory.Replica, log *slog.Logger) (*Store, error) {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create dir: %w", err)
	}

	dims := 0
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	s := &Store{
		cfg:       cfg,
		embedder:  embedder,
		replica:   replica,
		log:       log,
		dims:      dims,
		summaries: map[string]string{},
		turns:     map[string][]memory.Turn{},
		finalised: map[string]bool{},
		stop:      make(chan struct{}),
	}

	entries, err := replayLog(filepath.Join(cfg.Dir, logName))
	if err != nil {
		return nil, fmt.Errorf("local store: replay log: %w", err)
	}
	for _, e := range entries {
		s.index = append(s.index, indexed{entry: e, unit: normalise(e.Embedding)})
	}

	sums, err := loadSummaries(filepath.Join(cfg.Dir, summariesName))
	if err != nil {
		return nil, fmt.Errorf("local store: load summaries: %w", err)
	}
	for k, v := range sums {
		s.summaries[k] = v
	}

	s.wal, err = openWAL(filepath.Join(cfg.Dir, logName))
	if err != nil {
		return nil, fmt.Errorf("local store: open log: %w", err)
	}

	s.done.Add(3)
	go s.flushLoop()
	go s.reindexLoop()
	go s.gcLoop()

	s.log.Info("memory store opened", "dir", cfg.Dir, "replayed", len(entries), "dims", s.dims)
	return s, nil
}

// Add implements memory.Store. The entry is retrievable before Add returns;
// durability follows within one flush interval.
func (s *Store) Add(ctx context.Context, sessionID, content string, tags []string) (string, error) {
	if sessionID == "" || strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("local store: add: %w", memory.ErrInvalidInput)
	}
	if s.unavailable() {
		return "", fmt.Errorf("local store: add: %w", memory.ErrStoreUnavailable)
	}

	var vec []float32
	if s.embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
		defer cancel()
		var err error
		vec, err = s.embedder.Embed(ectx, content)
		if err != nil {
			return "", fmt.Errorf("local store: embed: %w", err)
		}
		if len(vec) != s.dims {
			return "", fmt.Errorf("local store: embedding dimension %d, want %d: %w", len(vec), s.dims, memory.ErrInvalidInput)
		}
	}

	entry := memory.Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		Tags:      append([]string(nil), tags...),
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("local store: add: %w", memory.ErrStoreUnavailable)
	}
	s.pending = append(s.pending, indexed{entry: entry, unit: normalise(vec)})
	s.mu.Unlock()

	s.flushMu.Lock()
	s.flushQueue = append(s.flushQueue, entry)
	s.flushMu.Unlock()

	return entry.ID, nil
}

// Query implements memory.Store. It scans the main index plus the pending
// buffer so callers read their own writes, and degrades to partial results
// rather than failing when the deadline elapses. Without an embedder the
// scan scores by lexical token overlap instead of cosine similarity. When
// the local scan finds nothing for the session and a replica is attached,
// the replica is searched so recall survives a lost local log.
func (s *Store) Query(ctx context.Context, sessionID, queryText string, k int) (*memory.QueryResult, error) {
	if sessionID == "" || strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("local store: query: %w", memory.ErrInvalidInput)
	}
	if k <= 0 {
		return &memory.QueryResult{}, nil
	}

	var (
		vec         []float32
		unit        []float32
		queryTokens map[string]bool
	)
	if s.embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
		v, err := s.embedder.Embed(ectx, queryText)
		cancel()
		if err != nil {
			// Retrieval is best-effort: a failed embed yields no context, not
			// a failed request.
			s.log.Warn("memory query embed failed", "session", sessionID, "err", err)
			return &memory.QueryResult{Truncated: true}, nil
		}
		vec = v
		unit = normalise(v)
	} else {
		queryTokens = tokenSet(queryText)
	}

	deadline := time.Now().Add(s.cfg.QueryDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.mu.RLock()

	var (
		matches   []memory.Match
		truncated bool
		scanned   int
	)
	consider := func(ix indexed) bool {
		if ix.entry.SessionID != sessionID {
			return true
		}
		scanned++
		// Deadline checks are amortised; one batch of overshoot is fine.
		if scanned%256 == 0 && time.Now().After(deadline) {
			truncated = true
			return false
		}
		m := memory.Match{Entry: ix.entry}
		if unit != nil {
			m.Score = dot(unit, ix.unit)
		} else {
			m.Score = lexicalScore(queryTokens, ix.entry.Content)
			if m.Score == 0 {
				return true
			}
		}
		matches = insertMatch(matches, m, k)
		return true
	}
	for _, ix := range s.index {
		if !consider(ix) {
			break
		}
	}
	if !truncated {
		for _, ix := range s.pending {
			if !consider(ix) {
				break
			}
		}
	}
	s.mu.RUnlock()

	if len(matches) == 0 && !truncated && s.replica != nil && vec != nil {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.QueryDeadline)
		rm, err := s.replica.Search(rctx, sessionID, vec, k)
		cancel()
		if err != nil {
			s.log.Warn("replica search failed", "session", sessionID, "err", err)
		} else {
			matches = rm
		}
	}

	return &memory.QueryResult{Matches: matches, Truncated: truncated}, nil
}

// Recent implements memory.Store.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]memory.Entry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("local store: recent: %w", memory.ErrInvalidInput)
	}
	if n <= 0 {
		return []memory.Entry{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []memory.Entry
	for _, ix := range s.index {
		if ix.entry.SessionID == sessionID {
			all = append(all, ix.entry)
		}
	}
	for _, ix := range s.pending {
		if ix.entry.SessionID == sessionID {
			all = append(all, ix.entry)
		}
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]memory.Entry, len(all))
	copy(out, all)
	return out, nil
}

// Summary implements memory.Store.
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaries[sessionID], nil
}

// UpdateSummary implements memory.Store. The snapshot file is rewritten
// atomically so a crash never leaves a torn summary.
func (s *Store) UpdateSummary(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return fmt.Errorf("local store: update summary: %w", memory.ErrInvalidInput)
	}
	if memory.EstimateTokens(text) > memory.SummaryTokenCap {
		return fmt.Errorf("local store: summary exceeds %d tokens: %w", memory.SummaryTokenCap, memory.ErrInvalidInput)
	}

	s.mu.Lock()
	s.summaries[sessionID] = text
	snapshot := make(map[string]string, len(s.summaries))
	for k, v := range s.summaries {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := saveSummaries(filepath.Join(s.cfg.Dir, summariesName), snapshot); err != nil {
		// Durability for summaries is best-effort between restarts; the
		// in-memory value is already live.
		s.log.Warn("summary snapshot write failed", "session", sessionID, "err", err)
	}
	return nil
}

// AppendTurn implements memory.Store.
func (s *Store) AppendTurn(ctx context.Context, turn memory.Turn) error {
	if turn.SessionID == "" || turn.ID == "" {
		return fmt.Errorf("local store: append turn: %w", memory.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

// FinaliseTurn implements memory.Store. Exactly one replacement of the final
// text is permitted per turn.
func (s *Store) FinaliseTurn(ctx context.Context, sessionID, turnID, finalText string, provenance []string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalised[turnID] {
		return fmt.Errorf("local store: turn %s: %w", turnID, memory.ErrTurnFinalised)
	}
	list := s.turns[sessionID]
	for i := range list {
		if list[i].ID == turnID {
			list[i].FinalText = finalText
			list[i].Provenance = append([]string(nil), provenance...)
			list[i].Confidence = confidence
			s.finalised[turnID] = true
			return nil
		}
	}
	return fmt.Errorf("local store: turn %s not found: %w", turnID, memory.ErrInvalidInput)
}

// Turns implements memory.Store.
func (s *Store) Turns(ctx context.Context, sessionID string, n int) ([]memory.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.turns[sessionID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]memory.Turn, len(list))
	copy(out, list)
	return out, nil
}

// Stats reports queue depth and degradation for the health monitor.
func (s *Store) Stats() Stats {
	s.flushMu.Lock()
	depth := len(s.flushQueue)
	since := s.failSince()
	s.flushMu.Unlock()

	s.mu.RLock()
	entries := len(s.index) + len(s.pending)
	s.mu.RUnlock()

	st := Stats{Entries: entries, PendingFlush: depth, DegradedSince: since}
	st.Degraded = !since.IsZero() && time.Since(since) > s.cfg.Grace
	return st
}

// Close stops the background loops, performs a final flush, and closes the
// durable log. The ctx deadline bounds the final flush.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.done.Wait()

	s.flushOnce(ctx)
	if err := s.wal.Close(); err != nil {
		return fmt.Errorf("local store: close log: %w", err)
	}
	s.log.Info("memory store closed")
	return nil
}

// failSince returns the earliest active failure mark. Caller holds flushMu.
func (s *Store) failSince() time.Time {
	since := s.walFailSince
	if since.IsZero() || (!s.repFailSince.IsZero() && s.repFailSince.Before(since)) {
		since = s.repFailSince
	}
	return since
}

// unavailable reports whether the durable log has been failing past grace.
func (s *Store) unavailable() bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return !s.walFailSince.IsZero() && time.Since(s.walFailSince) > s.cfg.Grace
}

// ─────────────────────────────────────────────────────────────────────────────
// Background loops
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) flushLoop() {
	defer s.done.Done()
	backoff := s.cfg.FlushInterval
	for {
		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		ok := s.flushOnce(context.Background())
		if ok {
			backoff = s.cfg.FlushInterval
		} else {
			// Exponential backoff, capped so recovery is noticed quickly.
			backoff = min(backoff*2, 10*time.Second)
		}
	}
}

// flushOnce drains the write queue to the durable log and the replica.
// Returns false when either sink failed and entries remain queued.
func (s *Store) flushOnce(ctx context.Context) bool {
	s.flushMu.Lock()
	batch := s.flushQueue
	s.flushQueue = nil
	s.flushMu.Unlock()

	if len(batch) == 0 {
		return true
	}

	if err := s.wal.Append(batch); err != nil {
		s.log.Warn("memory log flush failed", "entries", len(batch), "err", err)
		s.flushMu.Lock()
		s.flushQueue = append(batch, s.flushQueue...)
		if s.walFailSince.IsZero() {
			s.walFailSince = time.Now()
		}
		s.flushMu.Unlock()
		return false
	}

	s.flushMu.Lock()
	s.walFailSince = time.Time{}
	s.flushMu.Unlock()

	if s.replica != nil {
		if err := s.mirror(ctx, batch); err != nil {
			s.log.Warn("memory replica mirror failed", "entries", len(batch), "err", err)
			s.flushMu.Lock()
			if s.repFailSince.IsZero() {
				s.repFailSince = time.Now()
			}
			s.flushMu.Unlock()
			return false
		}
		s.flushMu.Lock()
		s.repFailSince = time.Time{}
		s.flushMu.Unlock()
	}
	return true
}

func (s *Store) mirror(ctx context.Context, batch []memory.Entry) error {
	for _, e := range batch {
		// Lexical-only entries carry nothing the vector replica can index.
		if len(e.Embedding) == 0 {
			continue
		}
		if err := s.replica.Upsert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) reindexLoop() {
	defer s.done.Done()
	ticker := time.NewTicker(s.cfg.ReindexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reindex()
		}
	}
}

// reindex folds the pending buffer into the main index.
func (s *Store) reindex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	s.index = append(s.index, s.pending...)
	s.pending = nil
}

func (s *Store) gcLoop() {
	defer s.done.Done()
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.gc(time.Now()); err != nil {
				s.log.Warn("memory gc failed", "err", err)
			}
		}
	}
}

// gc moves entries past the archive age to the cold archive file, drops
// entries past the purge age, and compacts the durable log to the surviving
// set. Exported indirectly through the GC interval; tests call it with a
// synthetic now.
func (s *Store) gc(now time.Time) error {
	archiveBefore := now.Add(-s.cfg.ArchiveAge)
	purgeBefore := now.Add(-s.cfg.PurgeAge)

	s.mu.Lock()
	var (
		live    []indexed
		archive []memory.Entry
	)
	for _, ix := range s.index {
		switch {
		case ix.entry.CreatedAt.Before(purgeBefore):
			// dropped
		case ix.entry.CreatedAt.Before(archiveBefore):
			archive = append(archive, ix.entry)
		default:
			live = append(live, ix)
		}
	}
	removed := len(s.index) - len(live)
	s.index = live
	liveEntries := make([]memory.Entry, 0, len(live)+len(s.pending))
	for _, ix := range live {
		liveEntries = append(liveEntries, ix.entry)
	}
	for _, ix := range s.pending {
		liveEntries = append(liveEntries, ix.entry)
	}
	s.mu.Unlock()

	if removed == 0 {
		return nil
	}
	if len(archive) > 0 {
		if err := appendArchive(filepath.Join(s.cfg.Dir, archiveName), archive); err != nil {
			return err
		}
	}
	if err := s.wal.Compact(liveEntries); err != nil {
		return err
	}
	s.log.Info("memory gc", "archived", len(archive), "purged", removed-len(archive))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector helpers
// ─────────────────────────────────────────────────────────────────────────────

func normalise(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return append([]float32(nil), v...)
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// tokenSet lowercases s and splits on non-alphanumeric runes.
func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = true
	}
	return set
}

// lexicalScore is the fraction of query tokens present in content, in [0, 1].
func lexicalScore(queryTokens map[string]bool, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	hits := 0
	for tok := range tokenSet(content) {
		if queryTokens[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

func dot(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// insertMatch keeps matches sorted by score descending, capped at k.
func insertMatch(matches []memory.Match, m memory.Match, k int) []memory.Match {
	idx := sort.Search(len(matches), func(i int) bool {
		return matches[i].Score < m.Score
	})
	matches = append(matches, memory.Match{})
	copy(matches[idx+1:], matches[idx:])
	matches[idx] = m
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
