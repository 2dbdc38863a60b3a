package memory

import (
	"regexp"
)

var (
	favoriteRegex = regexp.MustCompile(`(?i)\bfavou?rite\b`)
	negativeRegex = regexp.MustCompile(`(?i)\b(?:hate[sd]?|dislike[sd]?|can'?t stand|cannot stand|doesn'?t like|does not like|don'?t like|do not like|not a fan|avoids?|no longer likes?)\b`)
	stanceRegex   = regexp.MustCompile(`(?i)^(?:love[sd]?|loving|like[sd]?|prefer(?:s|red)?|hate[sd]?|dislike[sd]?|enjoy(?:s|ed)?|adore[sd]?|favou?rite|avoids?)$`)
)

// subjectTokens name the user rather than the topic. Every third-person
// memory carries one, so they say nothing about similarity.
var subjectTokens = map[string]struct{}{
	"user": {}, "user's": {}, "users": {},
}

var topicNoise = map[string]struct{}{
	"their": {}, "does": {}, "doesn't": {}, "really": {}, "always": {}, "never": {},
	"name": {}, "has": {}, "can't": {}, "stand": {}, "longer": {}, "fan": {},
}

// contentKeywords are the Keywords of text minus subject tokens.
func contentKeywords(text string) []string {
	out := []string{}
	for _, k := range Keywords(text) {
		if _, subject := subjectTokens[k]; subject {
			continue
		}
		out = append(out, k)
	}
	return out
}

func topicTerms(content string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, k := range contentKeywords(content) {
		if _, noise := topicNoise[k]; noise || stanceRegex.MatchString(k) {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}

func sharesTopic(a, b string) bool {
	ta := topicTerms(a)
	for k := range topicTerms(b) {
		if _, ok := ta[k]; ok {
			return true
		}
	}
	return false
}

// Contradicts reports whether two preferences about the same topic disagree:
// one is negative and the other is not, or both name a different favorite.
// Contradicting memories are never merged.
func Contradicts(a, b Memory) bool {
	if a.Type != MemoryPreference || b.Type != MemoryPreference {
		return false
	}
	if NormalizeContent(a.Content) == NormalizeContent(b.Content) {
		return false
	}
	if !sharesTopic(a.Content, b.Content) {
		return false
	}
	if negativeRegex.MatchString(a.Content) != negativeRegex.MatchString(b.Content) {
		return true
	}
	return favoriteRegex.MatchString(a.Content) && favoriteRegex.MatchString(b.Content)
}
