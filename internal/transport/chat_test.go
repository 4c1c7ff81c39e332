package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/democratizeAI/council/internal/council"
	"github.com/democratizeAI/council/internal/intent"
	"github.com/democratizeAI/council/internal/orchestrator"
	memmock "github.com/democratizeAI/council/pkg/memory/mock"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

const longPrompt = "Explain the differences between HTTP/2 and HTTP/3 in detail, including how QUIC changes congestion control and head-of-line blocking behaviour."

type stubGen struct {
	result llm.Result
	err    error
}

func (g stubGen) Generate(ctx context.Context, providerName, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	cp := g.result
	return &cp, nil
}

func (g stubGen) GenerateWithFallback(ctx context.Context, names []string, sessionID string, req llm.Request, opts llm.Options) (*llm.Result, string, error) {
	if g.err != nil {
		return nil, "", g.err
	}
	cp := g.result
	return &cp, names[0], nil
}

type stubVoter struct {
	result council.VoteResult
}

func (v stubVoter) Vote(ctx context.Context, sessionID, prompt, system, dominant string, descs []council.Descriptor, draft council.Draft) council.VoteResult {
	return v.result
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				ev.Name = name
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
					t.Fatalf("bad event data %q: %v", data, err)
				}
			}
		}
		if ev.Name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return names
}

func findEvent(t *testing.T, events []sseEvent, name string) sseEvent {
	t.Helper()
	for _, ev := range events {
		if ev.Name == name {
			return ev
		}
	}
	t.Fatalf("event %q not in stream: %v", name, eventNames(events))
	return sseEvent{}
}

func newTestMux(t *testing.T, gen orchestrator.Generator, voter orchestrator.Voter, store *memmock.Store) *http.ServeMux {
	t.Helper()
	specialists := []council.Descriptor{
		{Name: "knowledge", DomainTags: []string{"knowledge"}, Provider: "cloud", TokenCap: 160, Timeout: time.Second},
	}
	orch, err := orchestrator.New(orchestrator.Config{DraftOrder: []string{"local"}}, gen, voter,
		intent.New(nil), store, nil, nil, specialists, nil, nil, nil)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	mux := http.NewServeMux()
	New(orch, nil, nil).Routes(mux)
	return mux
}

func postChat(t *testing.T, mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChatRejectsEmptyPrompt(t *testing.T) {
	mux := newTestMux(t, stubGen{}, stubVoter{}, &memmock.Store{})

	rec := postChat(t, mux, `{"session_id":"s1","prompt":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "prompt") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestChatStreamsConfidentDraft(t *testing.T) {
	gen := stubGen{result: llm.Result{Text: "a confident answer", TokensOut: 3, Confidence: 0.9}}
	mux := newTestMux(t, gen, stubVoter{}, &memmock.Store{})

	rec := postChat(t, mux, `{"session_id":"s2","prompt":"`+longPrompt+`"}`)
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	events := parseSSE(t, rec.Body.String())
	draft := findEvent(t, events, "draft_complete")
	if draft.Data["text"] != "a confident answer" {
		t.Errorf("draft text = %v", draft.Data["text"])
	}
	if draft.Data["refinement_pending"] != false {
		t.Errorf("refinement_pending = %v", draft.Data["refinement_pending"])
	}
	findEvent(t, events, "stream_complete")
	for _, ev := range events {
		if strings.HasPrefix(ev.Name, "refinement") {
			t.Errorf("unexpected refinement event %q for a confident draft", ev.Name)
		}
	}
}

func TestChatStreamsRefinementComplete(t *testing.T) {
	gen := stubGen{result: llm.Result{Text: "short draft", TokensOut: 2, Confidence: 0.4}}
	voter := stubVoter{result: council.VoteResult{
		Text:       "a much better refined answer with real substance.",
		WinnerName: "knowledge",
		Confidence: 0.85,
	}}
	mux := newTestMux(t, gen, voter, &memmock.Store{})

	rec := postChat(t, mux, `{"session_id":"s3","prompt":"`+longPrompt+`"}`)
	events := parseSSE(t, rec.Body.String())

	draft := findEvent(t, events, "draft_complete")
	if draft.Data["refinement_pending"] != true {
		t.Fatalf("refinement_pending = %v", draft.Data["refinement_pending"])
	}
	status := findEvent(t, events, "refinement_status")
	if status.Data["state"] != "deliberating" {
		t.Errorf("state = %v", status.Data["state"])
	}
	refined := findEvent(t, events, "refinement_complete")
	if refined.Data["text"] != voter.result.Text {
		t.Errorf("refined text = %v", refined.Data["text"])
	}
	if refined.Data["confidence"].(float64) != 0.85 {
		t.Errorf("confidence = %v", refined.Data["confidence"])
	}
	findEvent(t, events, "stream_complete")
}

func TestChatStreamsDraftStood(t *testing.T) {
	gen := stubGen{result: llm.Result{Text: "short draft", TokensOut: 2, Confidence: 0.4}}
	voter := stubVoter{result: council.VoteResult{Text: "short draft", WinnerName: "agent0", Confidence: 0.4}}
	mux := newTestMux(t, gen, voter, &memmock.Store{})

	rec := postChat(t, mux, `{"session_id":"s4","prompt":"`+longPrompt+`"}`)
	events := parseSSE(t, rec.Body.String())

	var states []string
	for _, ev := range events {
		if ev.Name == "refinement_status" {
			states = append(states, ev.Data["state"].(string))
		}
		if ev.Name == "refinement_complete" {
			t.Error("draft_stood stream must not carry refinement_complete")
		}
	}
	if len(states) != 2 || states[0] != "deliberating" || states[1] != "draft_stood" {
		t.Errorf("states = %v", states)
	}
}

func TestChatGeneratesSessionID(t *testing.T) {
	gen := stubGen{result: llm.Result{Text: "a confident answer", TokensOut: 3, Confidence: 0.9}}
	mux := newTestMux(t, gen, stubVoter{}, &memmock.Store{})

	rec := postChat(t, mux, `{"prompt":"`+longPrompt+`"}`)
	events := parseSSE(t, rec.Body.String())
	draft := findEvent(t, events, "draft_complete")
	if draft.Data["session_id"] == "" {
		t.Error("session_id was not generated")
	}
}

func TestRecall(t *testing.T) {
	store := &memmock.Store{}
	store.Add(context.Background(), "s5", "the bike is turquoise", []string{"user"})
	mux := newTestMux(t, stubGen{}, stubVoter{}, store)

	t.Run("missing params", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/recall?session_id=s5", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("returns matches", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/recall?session_id=s5&q=bike+colour", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		var resp struct {
			Matches []struct {
				Content string  `json:"content"`
				Score   float64 `json:"score"`
			} `json:"matches"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(resp.Matches) != 1 || !strings.Contains(resp.Matches[0].Content, "turquoise") {
			t.Errorf("matches = %+v", resp.Matches)
		}
	})
}
