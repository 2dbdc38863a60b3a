package generation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	CheckLength    = "length"
	CheckRelevance = "relevance"
	CheckSafety    = "safety"
)

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:you should|go ahead and)\s+(?:kill|hurt|harm)\s+yourself\b`),
	regexp.MustCompile(`(?i)\bhow to (?:make|build) (?:a )?(?:bomb|explosive|pipe bomb)\b`),
	regexp.MustCompile(`(?i)\b(?:step[- ]by[- ]step|instructions) (?:to|for) (?:synthesi[sz]e|cook) (?:meth|methamphetamine|nerve agent)\b`),
	regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
}

// QualityReport is the outcome of the post-generation gate.
type QualityReport struct {
	Passed    bool
	Score     float64
	Relevance float64
	Failed    []string
	Failures  []string
}

// Evaluate runs the length, relevance and safety checks. Each failed check
// costs 0.3 of the score, floored at 0.1.
func Evaluate(cfg config.GenerationConfig, userMessage, response string) QualityReport {
	r := QualityReport{Score: 1}
	text := strings.TrimSpace(response)

	n := utf8.RuneCountInString(text)
	switch {
	case n == 0 || n < cfg.MinResponseChars:
		r.fail(CheckLength, "the reply was empty or too short")
	case cfg.MaxResponseChars > 0 && n > cfg.MaxResponseChars:
		r.fail(CheckLength, fmt.Sprintf("the reply was too long (%d characters, limit %d)", n, cfg.MaxResponseChars))
	}

	r.Relevance = lexicalOverlap(userMessage, text)
	if r.Relevance < cfg.MinRelevance {
		r.fail(CheckRelevance, "the reply did not address the user's message")
	}

	for _, p := range unsafePatterns {
		if p.MatchString(text) {
			r.fail(CheckSafety, "the reply contained unsafe content")
			break
		}
	}

	r.Passed = len(r.Failed) == 0
	return r
}

func (r *QualityReport) fail(check, reason string) {
	r.Failed = append(r.Failed, check)
	r.Failures = append(r.Failures, reason)
	r.Score -= 0.3
	if r.Score < 0.1 {
		r.Score = 0.1
	}
}

// lexicalOverlap is the share of the message's keywords echoed in the reply.
// Messages without keywords ("hi", "thanks") always count as relevant.
func lexicalOverlap(message, response string) float64 {
	terms := memory.Keywords(message)
	if len(terms) == 0 {
		return 1
	}
	replyTerms := memory.Keywords(response)
	hit := 0
	for _, t := range terms {
		for _, c := range replyTerms {
			if sharesStem(t, c) {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(terms))
}

func sharesStem(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return len(a) >= 4 && strings.HasPrefix(b, a)
}
