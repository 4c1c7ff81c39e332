package orchestrator

import (
	"context"
	"sync"
)

// Refinement is the single improvement a background deliberation may deliver
// for a draft.
type Refinement struct {
	// Text is the replacement final answer.
	Text string

	// Confidence is the winning confidence at commit time.
	Confidence float64

	// Provenance names the specialists behind Text.
	Provenance []string
}

// RefinementHandle is the single-shot delivery channel for a pending
// refinement: at most one Refinement is sent, then the channel closes. A
// closed channel without a value means the draft stood.
//
// Callers that stop caring must call Cancel; cancellation propagates into
// the in-flight voting round, and a result arriving after cancellation is
// discarded without touching memory.
type RefinementHandle struct {
	updates chan Refinement
	cancel  context.CancelFunc
	once    sync.Once
}

func newRefinementHandle(cancel context.CancelFunc) *RefinementHandle {
	return &RefinementHandle{
		updates: make(chan Refinement, 1),
		cancel:  cancel,
	}
}

// Updates returns the delivery channel. Receive until it closes.
func (h *RefinementHandle) Updates() <-chan Refinement {
	return h.updates
}

// Cancel abandons the refinement. Safe to call multiple times and
// concurrently with delivery.
func (h *RefinementHandle) Cancel() {
	h.once.Do(h.cancel)
}

// deliver sends r unless the handle was cancelled. Called once by the
// refinement task before close.
func (h *RefinementHandle) deliver(r Refinement) {
	select {
	case h.updates <- r:
	default:
	}
}
