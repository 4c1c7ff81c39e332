package council

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// nearDuplicateThreshold is the Jaro-Winkler similarity above which two
// candidate texts count as the same answer.
const nearDuplicateThreshold = 0.95

// fuse selects the final answer from the viable candidates (already sorted
// by the tie-break chain). It returns the winning candidate and whether the
// draft was replaced; when the draft is retained the returned candidate
// carries the draft's text and confidence under the name "agent0".
func (e *Engine) fuse(viable []Candidate, draft Draft) (Candidate, bool) {
	pool := collapseNearDuplicates(viable)
	if len(pool) > e.cfg.TopK {
		pool = pool[:e.cfg.TopK]
	}

	// Within the confidence band of the leader, prefer the longest coherent
	// answer; confidence alone cannot distinguish answers this close.
	floor := pool[0].Confidence * (1 - e.cfg.Band)
	best := pool[0]
	for _, c := range pool[1:] {
		if c.Confidence < floor {
			break
		}
		if preferable(c, best) {
			best = c
		}
	}

	if best.Confidence >= draft.Confidence+e.cfg.ReplaceMargin {
		return best, true
	}
	return Candidate{
		Specialist: "agent0",
		Text:       draft.Text,
		Confidence: draft.Confidence,
		Status:     StatusOK,
	}, false
}

// collapseNearDuplicates removes candidates whose text is nearly identical
// to a better-ranked one, so the band comparison is between distinct answers.
func collapseNearDuplicates(sorted []Candidate) []Candidate {
	var kept []Candidate
	for _, c := range sorted {
		dup := false
		for _, k := range kept {
			if Similarity(c.Text, k.Text) >= nearDuplicateThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

// preferable reports whether a beats b as the band winner: coherent answers
// beat incoherent ones, then longer text wins.
func preferable(a, b Candidate) bool {
	ca, cb := coherent(a), coherent(b)
	if ca != cb {
		return ca
	}
	return len(a.Text) > len(b.Text)
}

// coherent is a cheap completeness check: the answer was not cut off and
// ends like a sentence.
func coherent(c Candidate) bool {
	if c.Truncated {
		return false
	}
	t := strings.TrimSpace(c.Text)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?', ':', '`', ')', '"', '\'':
		return true
	}
	return false
}

// Similarity scores two texts in [0, 1] after whitespace normalisation.
// Used both for duplicate collapse here and for the orchestrator's
// differs-materially refinement check.
func Similarity(a, b string) float64 {
	na, nb := NormaliseWhitespace(a), NormaliseWhitespace(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	return matchr.JaroWinkler(na, nb, false)
}

// NormaliseWhitespace lowercases and collapses all whitespace runs to single
// spaces.
func NormaliseWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
