package extraction

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	sentenceRegex        = regexp.MustCompile(`[^.!?\n;]+[.!?]?`)
	questionLeadRegex    = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|which|can|could|would|do|does|did|is|are|am|if|whether)\b`)
	persistenceCueRegex  = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:remember|note|don't forget|do not forget|keep in mind)(?:\s+that)?[,:]?\s+`)
	firstPersonLeadRegex = regexp.MustCompile(`(?i)^(?:i|i'm|i've|i am|i have|my)\b`)
	hedgedLeadRegex      = regexp.MustCompile(`(?i)^i (?:think|guess|wonder|hope|suppose|feel like|was wondering)\b`)
	nameRegex            = regexp.MustCompile(`(?i)^(?:my name is|call me)\s+(.+)$`)
)

var adverbs = map[string]struct{}{
	"really": {}, "also": {}, "usually": {}, "always": {}, "never": {}, "often": {},
	"absolutely": {}, "totally": {}, "still": {}, "just": {}, "mostly": {}, "generally": {},
}

var pastOrModal = map[string]struct{}{
	"went": {}, "had": {}, "was": {}, "did": {}, "got": {}, "met": {}, "saw": {}, "made": {},
	"took": {}, "bought": {}, "left": {}, "began": {}, "became": {}, "ran": {}, "won": {},
	"lost": {}, "spent": {}, "flew": {}, "came": {}, "drove": {}, "ate": {}, "gave": {},
	"can": {}, "will": {}, "should": {}, "would": {}, "could": {}, "must": {}, "might": {},
	"can't": {}, "won't": {}, "used": {},
}

// heuristicCandidates pulls first-person statements out of the user's
// message. Questions are skipped unless phrased as an explicit request to
// remember something.
func heuristicCandidates(userMessage string) []candidate {
	out := []candidate{}
	for _, raw := range sentenceRegex.FindAllString(userMessage, -1) {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		cue := persistenceCueRegex.FindString(sentence)
		if cue == "" && (strings.HasSuffix(sentence, "?") || questionLeadRegex.MatchString(sentence)) {
			continue
		}
		sentence = normalizePhrase(strings.TrimPrefix(sentence, cue))
		if utf8.RuneCountInString(sentence) < 8 {
			continue
		}
		lower := strings.ToLower(sentence)
		if hedgedLeadRegex.MatchString(lower) {
			continue
		}
		if !firstPersonLeadRegex.MatchString(lower) && !nameRegex.MatchString(sentence) {
			continue
		}
		out = append(out, candidate{Content: rewriteFirstPerson(sentence), Emphasized: cue != ""})
	}
	return out
}

func normalizePhrase(in string) string {
	in = strings.Trim(strings.TrimSpace(in), " .,!?:;\"'")
	return strings.TrimSpace(clipRunes(in, 180))
}

// rewriteFirstPerson restates "I love Python" as "User loves Python" so
// stored memories read the same regardless of who phrased them.
func rewriteFirstPerson(s string) string {
	if m := nameRegex.FindStringSubmatch(s); m != nil {
		return "User's name is " + strings.TrimSpace(m[1])
	}
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	lead := strings.ToLower(words[0])
	rest := words[1:]
	var head []string
	switch lead {
	case "my":
		head = []string{"User's"}
	case "i'm":
		head = []string{"User", "is"}
	case "i've":
		head = []string{"User", "has"}
	case "i":
		head, rest = conjugate(rest)
	default:
		return s
	}
	body := strings.Join(append(head, rest...), " ") + " "
	body = strings.NewReplacer(" my ", " their ", " myself ", " themselves ", " me ", " them ").Replace(body)
	return strings.TrimSpace(body)
}

func conjugate(words []string) ([]string, []string) {
	head := []string{"User"}
	for len(words) > 0 {
		w := strings.ToLower(words[0])
		if _, ok := adverbs[w]; ok {
			head = append(head, words[0])
			words = words[1:]
			continue
		}
		break
	}
	if len(words) == 0 {
		return head, words
	}
	verb := strings.ToLower(words[0])
	switch verb {
	case "am":
		return append(head, "is"), words[1:]
	case "have":
		return append(head, "has"), words[1:]
	case "do":
		return append(head, "does"), words[1:]
	case "don't":
		return append(head, "doesn't"), words[1:]
	}
	if _, ok := pastOrModal[verb]; ok || strings.HasSuffix(verb, "ed") {
		return append(head, words[0]), words[1:]
	}
	return append(head, thirdPerson(verb)), words[1:]
}

func thirdPerson(verb string) string {
	switch {
	case verb == "be":
		return "is"
	case strings.HasSuffix(verb, "s"), strings.HasSuffix(verb, "sh"), strings.HasSuffix(verb, "ch"),
		strings.HasSuffix(verb, "x"), strings.HasSuffix(verb, "z"), strings.HasSuffix(verb, "o"):
		return verb + "es"
	case strings.HasSuffix(verb, "y") && len(verb) > 1 && !endsInVowel(strings.TrimSuffix(verb, "y")):
		return strings.TrimSuffix(verb, "y") + "ies"
	}
	return verb + "s"
}

func endsInVowel(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune("aeiou", r)
}
