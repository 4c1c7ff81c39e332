// Package transport exposes the council over HTTP: a streaming chat endpoint
// that delivers the draft and its refinement as server-sent events, and a
// diagnostic memory recall endpoint.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/democratizeAI/council/internal/observe"
	"github.com/democratizeAI/council/internal/orchestrator"
	"github.com/democratizeAI/council/pkg/memory"
)

// Chatter is the slice of the orchestrator the transport uses.
type Chatter interface {
	Chat(ctx context.Context, prompt, sessionID string, hints orchestrator.Hints) (orchestrator.Draft, *orchestrator.RefinementHandle, error)
	Recall(ctx context.Context, sessionID, query string) ([]memory.Match, error)
}

// Server holds the HTTP handlers. metrics and log may be nil.
type Server struct {
	chatter   Chatter
	metrics   *observe.Metrics
	log       *slog.Logger
	heartbeat time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithHeartbeat sets the SSE keep-alive interval. The default is 15 seconds.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New creates the transport server.
func New(chatter Chatter, metrics *observe.Metrics, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		chatter:   chatter,
		metrics:   metrics,
		log:       log,
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts the API endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/recall", s.handleRecall)
}
