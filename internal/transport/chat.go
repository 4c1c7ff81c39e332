package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/democratizeAI/council/internal/orchestrator"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// maxChatBody bounds the request body size.
const maxChatBody = 1 << 20

// Event names emitted on the chat stream, in protocol order.
const (
	eventDraftToken         = "draft_token"
	eventDraftComplete      = "draft_complete"
	eventRefinementStatus   = "refinement_status"
	eventRefinementComplete = "refinement_complete"
	eventStreamComplete     = "stream_complete"
	eventError              = "error"
)

type chatRequest struct {
	SessionID     string `json:"session_id"`
	Prompt        string `json:"prompt"`
	ForceCouncil  bool   `json:"force_council"`
	DisableRefine bool   `json:"disable_refine"`
}

type draftPayload struct {
	SessionID         string  `json:"session_id"`
	TurnID            string  `json:"turn_id"`
	Text              string  `json:"text"`
	Confidence        float64 `json:"confidence"`
	Provider          string  `json:"provider"`
	RefinementPending bool    `json:"refinement_pending"`
	FirstTokenMS      int64   `json:"first_token_ms"`
	TotalMS           int64   `json:"total_ms"`
}

type refinementPayload struct {
	Text        string   `json:"text"`
	Improved    bool     `json:"improved"`
	Confidence  float64  `json:"confidence"`
	Specialists []string `json:"specialists"`
}

// handleChat streams one chat exchange: draft tokens as they arrive, the
// completed draft, then the refinement outcome when one was scheduled.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
		defer s.metrics.ActiveSessions.Add(r.Context(), -1)
	}

	type chatOutcome struct {
		draft  orchestrator.Draft
		handle *orchestrator.RefinementHandle
		err    error
	}

	sink := make(chan string, 64)
	resCh := make(chan chatOutcome, 1)
	go func() {
		draft, handle, err := s.chatter.Chat(r.Context(), req.Prompt, req.SessionID, orchestrator.Hints{
			ForceCouncil:  req.ForceCouncil,
			DisableRefine: req.DisableRefine,
			DraftSink:     sink,
		})
		resCh <- chatOutcome{draft: draft, handle: handle, err: err}
	}()

	// Relay draft tokens until the exchange settles.
	var out chatOutcome
relay:
	for {
		select {
		case token := <-sink:
			s.writeEvent(w, flusher, eventDraftToken, map[string]string{"text": token})
		case out = <-resCh:
			break relay
		case <-r.Context().Done():
			out = <-resCh
			break relay
		}
	}
	for {
		select {
		case token := <-sink:
			s.writeEvent(w, flusher, eventDraftToken, map[string]string{"text": token})
			continue
		default:
		}
		break
	}

	if out.err != nil {
		kind := llm.Kind(out.err)
		if errors.Is(out.err, orchestrator.ErrInvalidInput) {
			kind = "invalid_input"
		}
		s.writeEvent(w, flusher, eventError, map[string]string{"kind": kind, "message": out.err.Error()})
		return
	}

	s.writeEvent(w, flusher, eventDraftComplete, draftPayload{
		SessionID:         req.SessionID,
		TurnID:            out.draft.TurnID,
		Text:              out.draft.Text,
		Confidence:        out.draft.Confidence,
		Provider:          out.draft.Provider,
		RefinementPending: out.draft.RefinementPending,
		FirstTokenMS:      out.draft.FirstTokenLatency.Milliseconds(),
		TotalMS:           out.draft.TotalLatency.Milliseconds(),
	})

	if out.handle == nil {
		s.writeEvent(w, flusher, eventStreamComplete, struct{}{})
		return
	}

	s.writeEvent(w, flusher, eventRefinementStatus, map[string]string{"state": "deliberating"})

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case refinement, open := <-out.handle.Updates():
			if !open {
				s.writeEvent(w, flusher, eventRefinementStatus, map[string]string{"state": "draft_stood"})
				s.writeEvent(w, flusher, eventStreamComplete, struct{}{})
				return
			}
			s.writeEvent(w, flusher, eventRefinementComplete, refinementPayload{
				Text:        refinement.Text,
				Improved:    true,
				Confidence:  refinement.Confidence,
				Specialists: refinement.Provenance,
			})
			s.writeEvent(w, flusher, eventStreamComplete, struct{}{})
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			out.handle.Cancel()
			// Drain so the refinement goroutine can close the channel.
			for range out.handle.Updates() {
			}
			return
		}
	}
}

// writeEvent emits one SSE frame. Marshal failures are logged, not fatal;
// the stream continues with the next event.
func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal sse event failed", "event", event, "err", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
