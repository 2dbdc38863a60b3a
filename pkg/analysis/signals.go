package analysis

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

var positiveWords = wordSet(`good great love like awesome amazing excellent happy glad nice wonderful
	fantastic perfect thanks thank helpful enjoy enjoyed excited cool fun brilliant pleased appreciate yay`)

var negativeWords = wordSet(`bad terrible awful hate dislike sad angry upset annoyed frustrated frustrating
	wrong broken worse worst disappointed disappointing useless horrible stressed tired worried confusing`)

var engagementWords = wordSet(`thanks thank great interesting awesome cool wow exactly love amazing
	fascinating nice perfect more`)

var questionLead = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|which|can|could|would|should|do|does|did|is|are)\b`)

func wordSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

func userMessages(history []providers.Message) []string {
	out := []string{}
	for _, m := range history {
		if m.Role != providers.RoleUser {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func isQuestion(s string) bool {
	return strings.Contains(s, "?") || questionLead.MatchString(s)
}

// scoreSentiment counts positive and negative words. When the minority
// polarity reaches 30% of the hits the conversation is mixed.
func scoreSentiment(messages []string) Sentiment {
	s := Sentiment{}
	for _, msg := range messages {
		for _, tok := range memory.Tokenize(msg) {
			if _, ok := positiveWords[tok]; ok {
				s.Positive++
			}
			if _, ok := negativeWords[tok]; ok {
				s.Negative++
			}
		}
	}
	total := s.Positive + s.Negative
	if total == 0 {
		s.Label, s.Confidence = SentimentNeutral, 0.5
		return s
	}
	minority, majority := s.Positive, s.Negative
	if minority > majority {
		minority, majority = majority, minority
	}
	if float64(minority)/float64(total) >= 0.3 {
		s.Label = SentimentMixed
		s.Confidence = float64(minority) / float64(majority)
		return s
	}
	s.Label = SentimentPositive
	if s.Negative > s.Positive {
		s.Label = SentimentNegative
	}
	s.Confidence = 0.5 + 0.5*float64(majority-minority)/float64(total)
	return s
}

// rankTopics returns the five most frequent significant terms, ties broken
// alphabetically.
func rankTopics(messages []string) []Topic {
	counts := map[string]int{}
	total := 0
	for _, msg := range messages {
		for _, k := range memory.Keywords(msg) {
			if _, ok := positiveWords[k]; ok {
				continue
			}
			if _, ok := negativeWords[k]; ok {
				continue
			}
			counts[k]++
			total++
		}
	}
	topics := make([]Topic, 0, len(counts))
	for term, n := range counts {
		topics = append(topics, Topic{Term: term, Count: n, Score: float64(n) / float64(total)})
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Count != topics[j].Count {
			return topics[i].Count > topics[j].Count
		}
		return topics[i].Term < topics[j].Term
	})
	if len(topics) > 5 {
		topics = topics[:5]
	}
	return topics
}

// scoreEngagement blends average message length, enthusiasm words and
// question density into [0,1].
func scoreEngagement(messages []string) Engagement {
	if len(messages) == 0 {
		return Engagement{Level: "low"}
	}
	chars, indicators, questions := 0, 0, 0
	for _, msg := range messages {
		chars += len([]rune(msg))
		for _, tok := range memory.Tokenize(msg) {
			if _, ok := engagementWords[tok]; ok {
				indicators++
			}
		}
		indicators += strings.Count(msg, "!")
		if isQuestion(msg) {
			questions++
		}
	}
	n := float64(len(messages))
	lengthScore := minf(float64(chars)/n/200, 1)
	indicatorScore := minf(float64(indicators)/n, 1)
	questionScore := minf(float64(questions)/n, 1)

	e := Engagement{Score: 0.4*lengthScore + 0.3*indicatorScore + 0.3*questionScore}
	switch {
	case e.Score >= 0.6:
		e.Level = "high"
	case e.Score >= 0.3:
		e.Level = "medium"
	default:
		e.Level = "low"
	}
	return e
}

// findGaps lists topics discussed in the conversation that no stored memory
// mentions, by content or tag.
func findGaps(topics []Topic, existing []memory.Memory) []string {
	known := map[string]struct{}{}
	for _, m := range existing {
		for _, k := range memory.Keywords(m.Content) {
			known[k] = struct{}{}
		}
		for _, t := range m.Tags {
			known[strings.ToLower(t)] = struct{}{}
		}
	}
	gaps := []string{}
	for _, t := range topics {
		if !covered(t.Term, known) {
			gaps = append(gaps, t.Term)
		}
	}
	return gaps
}

func covered(term string, known map[string]struct{}) bool {
	if _, ok := known[term]; ok {
		return true
	}
	if len(term) < 4 {
		return false
	}
	for k := range known {
		if len(k) >= 4 && (strings.HasPrefix(k, term) || strings.HasPrefix(term, k)) {
			return true
		}
	}
	return false
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
