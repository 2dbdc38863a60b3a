package extraction

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

var (
	preferenceRegex   = regexp.MustCompile(`(?i)\b(?:love[sd]?|loving|like[sd]?|prefer(?:s|red)?|hate[sd]?|dislike[sd]?|enjoy(?:s|ed)?|adore[sd]?|favou?rite|fan of|can'?t stand|cannot stand)\b`)
	relationshipRegex = regexp.MustCompile(`(?i)\b(?:(?:my|user's|their)\s+(?:wife|husband|partner|spouse|girlfriend|boyfriend|fianc[eé]e?|sons?|daughters?|kids?|children|mother|mom|mum|father|dad|parents?|brothers?|sisters?|siblings?|cousins?|aunt|uncle|grandma|grandpa|grandmother|grandfather|friends?|best friend|boss|manager|colleagues?|coworkers?|co-workers?|roommates?|neighbou?rs?)|married to|dating|friends with)\b`)
	eventRegex        = regexp.MustCompile(`(?i)\b(?:went|visited|attended|travel(?:l)?ed|moved|graduated|started|finished|met|celebrated|yesterday|today|tonight|tomorrow|(?:last|next|this) (?:week|month|year|night|weekend)|birthday|anniversary|wedding|trip|vacation|holiday|meeting|appointment|interview|conference|deadline)\b`)
	factRegex         = regexp.MustCompile(`(?i)\b(?:is|am|are|has|have|works?|lives?|uses?|owns?|studies|speaks?|name|years old|born|from|allergic)\b`)

	emphasisRegex = regexp.MustCompile(`(?i)\b(?:really|absolutely|always|never|favou?rite|best|worst|most|love[sd]?|hate[sd]?|important|must|allergic)\b`)
	hedgeRegex    = regexp.MustCompile(`(?i)\b(?:maybe|sometimes|kind of|sort of|might|probably|occasionally|a bit|not sure)\b`)
)

var baseImportance = map[memory.MemoryType]float64{
	memory.MemoryPreference:   0.7,
	memory.MemoryFact:         0.6,
	memory.MemoryRelationship: 0.5,
	memory.MemoryEvent:        0.4,
	memory.MemoryOther:        0.3,
}

// Categorize assigns a memory type from keywords, checking the most specific
// categories first.
func Categorize(content string) memory.MemoryType {
	switch {
	case preferenceRegex.MatchString(content):
		return memory.MemoryPreference
	case relationshipRegex.MatchString(content):
		return memory.MemoryRelationship
	case eventRegex.MatchString(content):
		return memory.MemoryEvent
	case factRegex.MatchString(content):
		return memory.MemoryFact
	}
	return memory.MemoryOther
}

// ScoreImportance starts from the type's base score and moves it by 0.1 for
// emphasis, hedging and an explicit request to remember.
func ScoreImportance(t memory.MemoryType, content string, emphasized bool) float64 {
	score, ok := baseImportance[t]
	if !ok {
		score = baseImportance[memory.MemoryOther]
	}
	if emphasisRegex.MatchString(content) {
		score += 0.1
	}
	if hedgeRegex.MatchString(content) {
		score -= 0.1
	}
	if emphasized {
		score += 0.1
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

var tagNoise = map[string]struct{}{
	"user": {}, "user's": {}, "their": {}, "loves": {}, "love": {}, "likes": {}, "like": {},
	"prefers": {}, "prefer": {}, "hates": {}, "dislikes": {}, "enjoys": {}, "has": {},
	"doesn't": {}, "does": {}, "really": {}, "always": {}, "never": {}, "name": {},
}

const maxTags = 5

// GenerateTags derives up to five keyword tags from content.
func GenerateTags(content string) []string {
	out := []string{}
	for _, k := range memory.Keywords(content) {
		if _, noise := tagNoise[k]; noise {
			continue
		}
		out = append(out, k)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// clipRunes cuts s to at most n runes.
func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return clipRunes(s, n) + "..."
}
