package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9][a-z0-9_'\-]*`)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all am an and any are as at be because been
		before being below between both but by can could did do does doing down during each few for from further had
		has have having he her here hers herself him himself his how i i'm i've if in into is it it's its itself
		just me more most my myself no nor not now of off on once only or other our ours ourselves out over own
		please same she should so some such than that that's the their theirs them themselves then there these
		they this those through to too under until up very was we were what when where which while who whom why
		will with would you your yours yourself yourselves tell know let like want get got also really think
		okay ok yes yeah hi hello hey thanks thank`) {
		stopwords[w] = struct{}{}
	}
}

// Tokenize lowercases text and splits it into word tokens.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// IsStopword reports whether token carries no retrieval signal.
func IsStopword(token string) bool {
	_, ok := stopwords[strings.ToLower(token)]
	return ok
}

// Keywords returns the distinct non-stopword tokens of text in first-seen
// order. Tokens shorter than three characters are dropped.
func Keywords(text string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, tok := range Tokenize(text) {
		tok = strings.Trim(tok, "'-_")
		if len(tok) < 3 || IsStopword(tok) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Jaccard computes |a∩b| / |a∪b| over two token sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seenB := map[string]struct{}{}
	for _, t := range b {
		if _, dup := seenB[t]; dup {
			continue
		}
		seenB[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ContentSimilarity is the near-duplicate measure used by extraction and the
// dedup sweep. Identical normalized text scores 1. Words naming the user are
// ignored.
func ContentSimilarity(a, b string) float64 {
	na, nb := NormalizeContent(a), NormalizeContent(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return Jaccard(contentKeywords(na), contentKeywords(nb))
}

// NormalizeContent collapses whitespace, lowercases and strips trailing
// punctuation.
func NormalizeContent(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, " .!?;,")
}

// ContentKey is a stable short hash of normalized content.
func ContentKey(prefix, content string) string {
	sum := sha1.Sum([]byte(NormalizeContent(content)))
	return prefix + ":" + hex.EncodeToString(sum[:8])
}

// MaxTags bounds the tag list kept on a memory.
const MaxTags = 8

// MergeTags unions tag lists preserving order, lowercased and capped at MaxTags.
func MergeTags(lists ...[]string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
			if len(out) == MaxTags {
				return out
			}
		}
	}
	return out
}

// Consolidate folds dup into primary: the longer content wins, importance is
// the max of both, mention counts add up and tags are unioned. The result
// keeps primary's identity.
func Consolidate(primary, dup Memory, now time.Time) Memory {
	out := primary
	if len(strings.TrimSpace(dup.Content)) > len(strings.TrimSpace(primary.Content)) {
		out.Content = dup.Content
	}
	if dup.Importance > out.Importance {
		out.Importance = dup.Importance
	}
	if out.Type == MemoryOther && dup.Type != MemoryOther && dup.Type.Valid() {
		out.Type = dup.Type
	}
	mentions := dup.MentionedCount
	if mentions < 1 {
		mentions = 1
	}
	out.MentionedCount = primary.MentionedCount + mentions
	out.Tags = MergeTags(primary.Tags, dup.Tags)
	out.UpdatedAt = now
	return out
}

// SortMemories orders memories by UpdatedAt descending with ID as tie-break.
func SortMemories(items []Memory) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
