// Package council implements the deliberation layer: specialist descriptors,
// output scrubbing, single-specialist runs under caps, and the parallel
// voting/fusion engine that selects or synthesises a winning answer.
package council

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CandidateStatus tags the outcome of one specialist run. Only StatusOK
// candidates can win a vote.
type CandidateStatus int

const (
	StatusOK CandidateStatus = iota
	StatusStubFiltered
	StatusUnsure
	StatusTimeout
	StatusError
	StatusBudgetDenied
)

// String returns the stable label used in logs and metrics.
func (s CandidateStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStubFiltered:
		return "stub_filtered"
	case StatusUnsure:
		return "unsure"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	case StatusBudgetDenied:
		return "budget_denied"
	default:
		return "unknown"
	}
}

// Candidate is the transient outcome of one specialist run inside a single
// vote. Text and Confidence are only meaningful when Status is StatusOK or
// StatusUnsure.
type Candidate struct {
	Specialist string
	Text       string
	Confidence float64
	Tokens     int
	Cost       float64
	Latency    time.Duration
	Status     CandidateStatus
	Truncated  bool

	// ErrKind is the stable error label when Status is StatusError or
	// StatusTimeout.
	ErrKind string
}

// Descriptor is the static configuration of one specialist, loaded at
// startup.
type Descriptor struct {
	// Name is unique across the council ("math", "code", ...).
	Name string

	// DomainTags are the intent domains this specialist serves.
	DomainTags []string

	// Provider is the registry name of the backing generation provider.
	Provider string

	// TokenCap bounds the completion. Default 160.
	TokenCap int

	// Timeout bounds one run. Default 4s.
	Timeout time.Duration

	// Temperature for generation.
	Temperature float64

	// Priority breaks confidence-and-token ties during voting; higher wins.
	Priority int

	// Role describes how this specialist participates in the confidence gate
	// ("voter" by default, "advisor" candidates never replace the draft).
	Role string
}

// Validate checks the descriptor, joining all violations.
func (d Descriptor) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if d.Provider == "" {
		errs = append(errs, fmt.Errorf("specialist %q: provider must not be empty", d.Name))
	}
	if d.TokenCap <= 0 {
		errs = append(errs, fmt.Errorf("specialist %q: token cap must be positive", d.Name))
	}
	if d.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("specialist %q: timeout must be positive", d.Name))
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		errs = append(errs, fmt.Errorf("specialist %q: temperature must be in [0, 2]", d.Name))
	}
	return errors.Join(errs...)
}

// Matches reports whether the descriptor serves the given intent domain,
// either by name or by domain tag.
func (d Descriptor) Matches(domain string) bool {
	if strings.EqualFold(d.Name, domain) {
		return true
	}
	for _, tag := range d.DomainTags {
		if strings.EqualFold(tag, domain) {
			return true
		}
	}
	return false
}

// HeuristicConfidence scores text when the provider reports no confidence of
// its own. Repetitive or truncated output scores lower; the result is a base
// in (0, 1) that the length penalty then adjusts.
func HeuristicConfidence(text string, truncated bool) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}
	unique := map[string]struct{}{}
	for _, w := range words {
		unique[w] = struct{}{}
	}
	ratio := float64(len(unique)) / float64(len(words))
	conf := 0.45 + 0.45*ratio
	if truncated {
		conf *= 0.8
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// LengthAdjust applies the length penalty to a base confidence: very short
// answers are discounted steeply, with a higher floor when the specialist's
// domain matches the dominant intent.
func LengthAdjust(base float64, tokens int, dominantDomain bool) float64 {
	floor := 0.4
	if dominantDomain {
		floor = 0.7
	}
	penalty := floor + min(1-floor, 0.04*float64(tokens))
	return base * penalty
}
