// Package mock provides a test double for the memory.Store interface.
//
// Store behaves as a minimal in-memory implementation (entries, turns, and
// summaries all work) while recording every call, so orchestration tests can
// both drive realistic flows and assert on what was written. Set the Err
// fields to inject failures.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/democratizeAI/council/pkg/memory"
)

// AddCall records a single invocation of Add.
type AddCall struct {
	SessionID string
	Content   string
	Tags      []string
}

// QueryCall records a single invocation of Query.
type QueryCall struct {
	SessionID string
	QueryText string
	K         int
}

// FinaliseCall records a single invocation of FinaliseTurn.
type FinaliseCall struct {
	SessionID  string
	TurnID     string
	FinalText  string
	Provenance []string
	Confidence float64
}

// Store is a mock implementation of memory.Store.
type Store struct {
	mu sync.Mutex

	// AddErr, QueryErr, SummaryErr fail the corresponding methods when set.
	AddErr     error
	QueryErr   error
	SummaryErr error

	// QueryResult, when non-nil, is returned by Query instead of the stored
	// entries.
	QueryResult *memory.QueryResult

	entries   map[string][]memory.Entry
	turns     map[string][]memory.Turn
	summaries map[string]string
	finalised map[string]bool

	AddCalls      []AddCall
	QueryCalls    []QueryCall
	FinaliseCalls []FinaliseCall
}

var _ memory.Store = (*Store)(nil)

func (s *Store) init() {
	if s.entries == nil {
		s.entries = map[string][]memory.Entry{}
		s.turns = map[string][]memory.Turn{}
		s.summaries = map[string]string{}
		s.finalised = map[string]bool{}
	}
}

// Add records the call and stores the entry without an embedding.
func (s *Store) Add(ctx context.Context, sessionID, content string, tags []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.AddCalls = append(s.AddCalls, AddCall{SessionID: sessionID, Content: content, Tags: tags})
	if s.AddErr != nil {
		return "", s.AddErr
	}
	e := memory.Entry{ID: uuid.NewString(), SessionID: sessionID, Content: content, Tags: tags}
	s.entries[sessionID] = append(s.entries[sessionID], e)
	return e.ID, nil
}

// Query records the call and returns QueryResult when set, else the session's
// entries in insertion order with score 1.
func (s *Store) Query(ctx context.Context, sessionID, queryText string, k int) (*memory.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.QueryCalls = append(s.QueryCalls, QueryCall{SessionID: sessionID, QueryText: queryText, K: k})
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	if s.QueryResult != nil {
		return s.QueryResult, nil
	}
	var res memory.QueryResult
	for _, e := range s.entries[sessionID] {
		if len(res.Matches) >= k {
			break
		}
		res.Matches = append(res.Matches, memory.Match{Entry: e, Score: 1})
	}
	return &res, nil
}

// Recent returns the session's last n entries in insertion order.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	list := s.entries[sessionID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]memory.Entry, len(list))
	copy(out, list)
	return out, nil
}

// Summary returns the stored summary.
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.SummaryErr != nil {
		return "", s.SummaryErr
	}
	return s.summaries[sessionID], nil
}

// UpdateSummary stores the summary, enforcing the token cap like the real
// store.
func (s *Store) UpdateSummary(ctx context.Context, sessionID, text string) error {
	if memory.EstimateTokens(text) > memory.SummaryTokenCap {
		return fmt.Errorf("mock store: summary too long: %w", memory.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.summaries[sessionID] = text
	return nil
}

// AppendTurn stores the turn.
func (s *Store) AppendTurn(ctx context.Context, turn memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

// FinaliseTurn records the call and updates the turn once.
func (s *Store) FinaliseTurn(ctx context.Context, sessionID, turnID, finalText string, provenance []string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.FinaliseCalls = append(s.FinaliseCalls, FinaliseCall{
		SessionID: sessionID, TurnID: turnID, FinalText: finalText,
		Provenance: provenance, Confidence: confidence,
	})
	if s.finalised[turnID] {
		return memory.ErrTurnFinalised
	}
	list := s.turns[sessionID]
	for i := range list {
		if list[i].ID == turnID {
			list[i].FinalText = finalText
			list[i].Provenance = provenance
			list[i].Confidence = confidence
			s.finalised[turnID] = true
			return nil
		}
	}
	return memory.ErrInvalidInput
}

// Turns returns the session's last n turns in insertion order.
func (s *Store) Turns(ctx context.Context, sessionID string, n int) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	list := s.turns[sessionID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]memory.Turn, len(list))
	copy(out, list)
	return out, nil
}

// Reset clears stored state and call records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.init()
	s.AddCalls = nil
	s.QueryCalls = nil
	s.FinaliseCalls = nil
}
