// Package intent maps a prompt to a ranked, confidence-scored set of relevant
// specialists using pattern scoring over compiled regex rules. Classification
// is a pure function of the prompt text and the configured weights, so the
// same prompt always yields the same ranking.
package intent

import (
	"regexp"
	"sort"
	"strings"
)

// Well-known specialist names produced by the classifier. The registry maps
// them to concrete providers via specialist descriptors.
const (
	Math      = "math"
	Code      = "code"
	Logic     = "logic"
	Knowledge = "knowledge"
	General   = "general"
	Greeting  = "greeting"
)

// Score is one ranked specialist.
type Score struct {
	Specialist string
	Confidence float64
}

// Result is the classification outcome.
type Result struct {
	// Scores is ordered by confidence descending, ties broken by specialist
	// name ascending.
	Scores []Score

	// Greeting is set for short salutation prompts; Scores then holds the
	// single greeting intent with confidence 1.
	Greeting bool

	// CloudRequired is forced on by risk markers (legal, medical, finance,
	// safety-critical, compliance) regardless of scores.
	CloudRequired bool
}

// Dominant returns the top-ranked specialist name, or General when the
// result is empty.
func (r Result) Dominant() string {
	if len(r.Scores) == 0 {
		return General
	}
	return r.Scores[0].Specialist
}

// rule contributes weight to one specialist per regex match.
type rule struct {
	specialist string
	weight     float64
	re         *regexp.Regexp
}

// generalBaseline is the floor score the general intent always receives, so
// domain rules must out-score it to steer routing.
const generalBaseline = 1.0

// shortPromptLimit is the non-whitespace length under which a salutation
// counts as a greeting.
const shortPromptLimit = 15

var (
	greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hiya|hey|hello|howdy|yo|greetings|good\s+(morning|afternoon|evening)|what'?s\s+up)\s*[.!?]*\s*$`)

	riskRe = regexp.MustCompile(`(?i)\b(legal|medical|finance|financial|safety[- ]critical|compliance)\b`)
)

// defaultRules are the hand-tuned domain patterns. Weights are multiplied by
// the per-specialist factors supplied at construction.
func defaultRules() []rule {
	return []rule{
		// math
		{Math, 3.0, regexp.MustCompile(`\d+\s*[-+*/^%×÷]\s*\d+`)},
		{Math, 1.5, regexp.MustCompile(`(?i)\b(calculate|compute|solve|equation|integral|derivative|factorial|percent(age)?|square root|prime)\b`)},
		{Math, 1.0, regexp.MustCompile(`(?i)\bhow (much|many)\b.*\d`)},
		// code
		{Code, 2.0, regexp.MustCompile("```")},
		{Code, 1.5, regexp.MustCompile(`(?i)\b(func|def|class|import|return|struct|interface)\b`)},
		{Code, 1.5, regexp.MustCompile(`(?i)\b(compile[rs]?|debug|stack trace|segfault|exception|unit test|refactor)\b`)},
		{Code, 1.0, regexp.MustCompile(`\.\b(go|py|rs|js|ts|java|c|cpp|rb)\b`)},
		// logic
		{Logic, 2.0, regexp.MustCompile(`(?i)\b(if and only if|iff|syllogism|premise|tautology|contrapositive)\b`)},
		{Logic, 1.5, regexp.MustCompile(`(?i)\b(prove|proof|implies|therefore|follows that|valid argument|contradiction)\b`)},
		{Logic, 1.0, regexp.MustCompile(`(?i)\bif\b.+\bthen\b`)},
		// knowledge
		{Knowledge, 1.5, regexp.MustCompile(`(?i)^\s*(what|who|when|where|why|how)\b`)},
		{Knowledge, 1.5, regexp.MustCompile(`(?i)\b(explain|describe|define|summari[sz]e|history of|difference between)\b`)},
		{Knowledge, 1.0, regexp.MustCompile(`\?\s*$`)},
	}
}

// Classifier scores prompts against compiled rules. Stateless after
// construction; safe for concurrent use.
type Classifier struct {
	rules []rule
}

// New builds a classifier. weights optionally scales the contribution of each
// specialist's rules (1.0 when absent); pass nil for the defaults.
func New(weights map[string]float64) *Classifier {
	rules := defaultRules()
	for i := range rules {
		if w, ok := weights[rules[i].specialist]; ok {
			rules[i].weight *= w
		}
	}
	return &Classifier{rules: rules}
}

// Classify ranks specialists for the prompt. See Result for the greeting and
// risk-marker edge cases.
func (c *Classifier) Classify(promptText string) Result {
	trimmed := strings.TrimSpace(promptText)
	cloud := riskRe.MatchString(trimmed)

	if nonWhitespaceLen(trimmed) < shortPromptLimit && greetingRe.MatchString(trimmed) {
		return Result{
			Scores:        []Score{{Specialist: Greeting, Confidence: 1}},
			Greeting:      true,
			CloudRequired: cloud,
		}
	}

	totals := map[string]float64{General: generalBaseline}
	for _, r := range c.rules {
		if r.re.MatchString(trimmed) {
			totals[r.specialist] += r.weight
		}
	}

	var sum float64
	for _, v := range totals {
		sum += v
	}

	scores := make([]Score, 0, len(totals))
	for name, v := range totals {
		scores = append(scores, Score{Specialist: name, Confidence: v / sum})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Confidence != scores[j].Confidence {
			return scores[i].Confidence > scores[j].Confidence
		}
		return scores[i].Specialist < scores[j].Specialist
	})

	return Result{Scores: scores, CloudRequired: cloud}
}

// HasRiskMarkers reports whether text carries any of the configured risk
// markers, without running a full classification.
func HasRiskMarkers(text string) bool {
	return riskRe.MatchString(text)
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !isSpace(r) {
			n++
		}
	}
	return n
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
