package transport

import (
	"encoding/json"
	"net/http"
)

type recallMatch struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	Score   float64  `json:"score"`
}

type recallResponse struct {
	SessionID string        `json:"session_id"`
	Query     string        `json:"query"`
	Matches   []recallMatch `json:"matches"`
}

// handleRecall is the diagnostic memory probe: it returns what the context
// builder would retrieve for a query, without generating anything.
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	query := r.URL.Query().Get("q")
	if sessionID == "" || query == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id and q are required")
		return
	}

	matches, err := s.chatter.Recall(r.Context(), sessionID, query)
	if err != nil {
		s.log.Warn("recall failed", "session", sessionID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "recall failed")
		return
	}

	resp := recallResponse{SessionID: sessionID, Query: query, Matches: []recallMatch{}}
	for _, m := range matches {
		resp.Matches = append(resp.Matches, recallMatch{
			Content: m.Entry.Content,
			Tags:    m.Entry.Tags,
			Score:   m.Score,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
