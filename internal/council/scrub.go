package council

import (
	"fmt"
	"regexp"
	"strings"
)

// defaultStubMarkers is the canonical marker list: template placeholders,
// work-in-progress markers, and stock non-answers. Config may extend it but
// the built-ins always apply.
var defaultStubMarkers = []string{
	`\bTODO\b`,
	`\bFIXME\b`,
	`\bTBD\b`,
	`lorem ipsum`,
	`\[insert [^\]]*\]`,
	`<insert [^>]*>`,
	`\{\{[^}]*\}\}`,
	`\byour (answer|text|code) here\b`,
	`\bimplementation (pending|goes here)\b`,
	`\bnot (yet )?implemented\b`,
	`\bcoming soon\b`,
	`\bi don'?t know\b`,
	`\bi do not know\b`,
	`\bi cannot (help|answer)\b`,
	`\bas an ai\b`,
}

// unsurePrefix marks a specialist that declines to answer. Matched on the
// first non-whitespace characters, case-insensitive.
const unsurePrefix = "unsure"

// minSubstantiveChars is the non-whitespace length below which output counts
// as a stub.
const minSubstantiveChars = 10

// ScrubStatus is the scrubber's verdict on one output.
type ScrubStatus int

const (
	ScrubOK ScrubStatus = iota
	ScrubUnsure
	ScrubStub
)

// Scrubber normalises specialist output and detects non-answers. Patterns
// compile once at construction; per-call work is a scan.
type Scrubber struct {
	markers []*regexp.Regexp
}

// NewScrubber compiles the built-in markers plus any extra patterns from
// config.
func NewScrubber(extra []string) (*Scrubber, error) {
	patterns := append(append([]string{}, defaultStubMarkers...), extra...)
	markers := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("council: compile stub marker %q: %w", p, err)
		}
		markers = append(markers, re)
	}
	return &Scrubber{markers: markers}, nil
}

// Scrub trims the text and classifies it. The returned text is the trimmed
// form regardless of status; callers decide what to do with stubs.
func (s *Scrubber) Scrub(text string) (string, ScrubStatus) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(strings.ToLower(trimmed), unsurePrefix) {
		return trimmed, ScrubUnsure
	}
	if nonWhitespaceLen(trimmed) < minSubstantiveChars {
		return trimmed, ScrubStub
	}
	for _, re := range s.markers {
		if re.MatchString(trimmed) {
			return trimmed, ScrubStub
		}
	}
	return trimmed, ScrubOK
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		default:
			n++
		}
	}
	return n
}
