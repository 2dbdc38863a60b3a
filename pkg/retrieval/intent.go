package retrieval

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

// Intent is what the retriever understood a query to be about.
type Intent struct {
	Keywords []string      `json:"keywords"`
	Entities []string      `json:"entities"`
	TimeHint string        `json:"time_reference,omitempty"`
	// Window narrows the temporal strategy when TimeHint is recognized.
	Window   time.Duration `json:"-"`
	FromLLM  bool          `json:"-"`
}

var timeHints = []struct {
	phrase string
	window time.Duration
}{
	{"right now", 24 * time.Hour},
	{"today", 24 * time.Hour},
	{"tonight", 24 * time.Hour},
	{"this morning", 24 * time.Hour},
	{"yesterday", 48 * time.Hour},
	{"last night", 48 * time.Hour},
	{"this week", 7 * 24 * time.Hour},
	{"last week", 7 * 24 * time.Hour},
	{"recently", 7 * 24 * time.Hour},
	{"lately", 7 * 24 * time.Hour},
	{"this month", 30 * 24 * time.Hour},
	{"last month", 30 * 24 * time.Hour},
}

var entityPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9+#.\-]*(?:\s+[A-Z][A-Za-z0-9+#.\-]*)*`)

// extractIntentFallback derives keywords, capitalized entities and time
// hints without calling a model.
func extractIntentFallback(query string) Intent {
	in := Intent{Keywords: memory.Keywords(query)}

	seen := map[string]struct{}{}
	for _, match := range entityPattern.FindAllString(query, -1) {
		words := strings.Fields(match)
		// Drop leading stopwords such as "What" or "I".
		for len(words) > 0 && (memory.IsStopword(words[0]) || len(words[0]) < 2) {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		entity := strings.TrimRight(strings.Join(words, " "), ".-")
		key := strings.ToLower(entity)
		if _, ok := seen[key]; ok || entity == "" {
			continue
		}
		seen[key] = struct{}{}
		in.Entities = append(in.Entities, entity)
	}

	in.TimeHint, in.Window = detectTimeHint(query)
	return in
}

func detectTimeHint(text string) (string, time.Duration) {
	lower := strings.ToLower(text)
	for _, h := range timeHints {
		if strings.Contains(lower, h.phrase) {
			return h.phrase, h.window
		}
	}
	return "", 0
}

const intentPrompt = `Extract search hints from the user's question for a personal memory lookup.
Reply with JSON only: {"keywords": [..], "entities": [..], "time_reference": ""}
- keywords: up to 8 lowercase content words
- entities: proper names of people, places, products, languages
- time_reference: a phrase like "today", "yesterday", "last week", or ""`

// intentCache memoizes model-derived intents per normalized query.
type intentCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newIntentCache(ttl time.Duration) (*intentCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create intent cache")
	}
	return &intentCache{cache: c, ttl: ttl}, nil
}

func (c *intentCache) get(key string) (Intent, bool) {
	if c == nil {
		return Intent{}, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return Intent{}, false
	}
	in, ok := v.(Intent)
	return in, ok
}

func (c *intentCache) set(key string, in Intent) {
	if c == nil || c.ttl <= 0 {
		return
	}
	cost := int64(len(strings.Join(in.Keywords, "")) + len(strings.Join(in.Entities, "")) + 16)
	c.cache.SetWithTTL(key, in, cost, c.ttl)
	c.cache.Wait()
}

func (c *intentCache) close() {
	if c != nil {
		c.cache.Close()
	}
}

// extractIntent tries the model first when enabled, falling back to the
// deterministic extractor on any failure. It returns the tokens spent.
func (r *Retriever) extractIntent(ctx context.Context, query string) (Intent, int) {
	if !r.cfg.UseLLMIntent || r.llm == nil {
		return extractIntentFallback(query), 0
	}
	key := memory.ContentKey("intent", query)
	if in, ok := r.intents.get(key); ok {
		return in, 0
	}

	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: intentPrompt},
		{Role: providers.RoleUser, Content: query},
	}
	resp, err := r.llm.Chat(ctx, msgs, "", map[string]interface{}{"max_tokens": 200, "temperature": 0.0})
	if err != nil {
		r.warn("Intent extraction failed, using fallback", map[string]interface{}{"error": err.Error(), "kind": string(providers.ClassifyError(err))})
		return extractIntentFallback(query), providers.EstimateMessagesTokens(msgs)
	}
	tokens := resp.Tokens(msgs)
	in, err := parseIntent(resp.Content)
	if err != nil {
		r.warn("Intent reply unparseable, using fallback", map[string]interface{}{"error": err.Error()})
		return extractIntentFallback(query), tokens
	}
	// The model sometimes returns nothing useful for short queries.
	if len(in.Keywords) == 0 {
		in.Keywords = memory.Keywords(query)
	}
	if in.Window == 0 {
		in.TimeHint, in.Window = detectTimeHint(query)
	}
	r.intents.set(key, in)
	return in, tokens
}

func parseIntent(raw string) (Intent, error) {
	body, ok := providers.ExtractJSON(raw)
	if !ok {
		return Intent{}, goerr.New("no JSON object in intent reply")
	}
	var in Intent
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return Intent{}, goerr.Wrap(err, "decode intent")
	}
	keywords := make([]string, 0, len(in.Keywords))
	for _, k := range in.Keywords {
		keywords = append(keywords, memory.Keywords(k)...)
	}
	in.Keywords = dedupe(keywords)
	entities := make([]string, 0, len(in.Entities))
	for _, e := range in.Entities {
		if e = strings.TrimSpace(e); e != "" {
			entities = append(entities, e)
		}
	}
	in.Entities = dedupe(entities)
	if hint := strings.TrimSpace(in.TimeHint); hint != "" {
		if phrase, window := detectTimeHint(hint); window > 0 {
			in.TimeHint, in.Window = phrase, window
		}
	}
	in.FromLLM = true
	return in, nil
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
