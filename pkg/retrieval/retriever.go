// Package retrieval finds the memories relevant to a user message and renders
// them as prompt context.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

const (
	StrategySemantic = "semantic"
	StrategyKeyword  = "keyword"
	StrategyTemporal = "temporal"
	StrategyEntity   = "entity"
)

// Store is the read-only slice of memory.Store the retriever needs.
type Store interface {
	GetMemoriesByIDs(ctx context.Context, profileID string, ids []string) ([]memory.Memory, error)
	SearchMemories(ctx context.Context, profileID string, terms []string, limit int) ([]memory.Memory, error)
	MatchMemories(ctx context.Context, profileID string, terms []string, limit int) ([]memory.Memory, error)
	ListRecentMemories(ctx context.Context, profileID string, since time.Time, limit int) ([]memory.Memory, error)
}

// Request asks for the memories relevant to Query within one profile.
type Request struct {
	Query     string
	ProfileID string
	Mode      memory.PrivacyMode
	TopN      int
}

// Scores are the normalized signals behind a RankedMemory's score.
type Scores struct {
	Semantic   float64
	Recency    float64
	Importance float64
	Mentions   float64
	Keyword    float64
}

type RankedMemory struct {
	Memory  memory.Memory
	Score   float64
	Scores  Scores
	Sources []string
}

type Result struct {
	Memories       []RankedMemory
	Context        string
	Skipped        bool
	Intent         Intent
	// StrategyErrors maps a failed strategy to its error text.
	StrategyErrors map[string]string
	TokensUsed     int
}

type Retriever struct {
	store   Store
	vectors memory.VectorIndex
	llm     providers.LLMProvider
	cfg     config.RetrievalConfig
	intents *intentCache
	now     func() time.Time
}

// New builds a retriever. vectors and llm may be nil; the semantic strategy
// and model-assisted intent are then skipped.
func New(store Store, vectors memory.VectorIndex, llm providers.LLMProvider, cfg config.RetrievalConfig) (*Retriever, error) {
	if store == nil {
		return nil, goerr.New("retrieval store is required")
	}
	r := &Retriever{
		store:   store,
		vectors: vectors,
		llm:     llm,
		cfg:     cfg,
		now:     time.Now,
	}
	if cfg.UseLLMIntent && llm != nil && cfg.IntentCacheSeconds > 0 {
		cache, err := newIntentCache(time.Duration(cfg.IntentCacheSeconds) * time.Second)
		if err != nil {
			return nil, err
		}
		r.intents = cache
	}
	return r, nil
}

func (r *Retriever) Close() {
	r.intents.close()
}

type candidate struct {
	mem      memory.Memory
	semantic float64
	sources  map[string]struct{}
}

type strategyResult struct {
	name     string
	memories []memory.Memory
	scores   map[string]float64
	err      error
}

// Retrieve runs every search strategy in parallel, merges the candidates by
// ID and returns the TopN by weighted relevance. In incognito mode it returns
// immediately without touching any store.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.Mode == memory.PrivacyIncognito {
		return &Result{Skipped: true, Memories: []RankedMemory{}}, nil
	}
	if !req.Mode.Valid() {
		return nil, goerr.New("invalid privacy mode", goerr.V("mode", req.Mode))
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		return &Result{Skipped: true, Memories: []RankedMemory{}}, nil
	}
	topN := req.TopN
	if topN <= 0 {
		topN = r.cfg.TopN
	}
	if topN <= 0 {
		topN = 5
	}

	res := &Result{StrategyErrors: map[string]string{}}
	intent, tokens := r.extractIntent(ctx, req.Query)
	res.Intent = intent
	res.TokensUsed = tokens

	results := r.search(ctx, req, intent)

	failed := 0
	byID := map[string]*candidate{}
	for _, sr := range results {
		if sr.err != nil {
			failed++
			res.StrategyErrors[sr.name] = sr.err.Error()
			r.warn("Search strategy failed", map[string]interface{}{
				"strategy":   sr.name,
				"profile_id": req.ProfileID,
				"error":      sr.err.Error(),
			})
			continue
		}
		for _, m := range sr.memories {
			// Isolation is enforced by the store queries; this guards against
			// a misbehaving implementation.
			if m.ProfileID != req.ProfileID {
				continue
			}
			c, ok := byID[m.ID]
			if !ok {
				c = &candidate{mem: m, sources: map[string]struct{}{}}
				byID[m.ID] = c
			}
			c.sources[sr.name] = struct{}{}
			if s, ok := sr.scores[m.ID]; ok && s > c.semantic {
				c.semantic = s
			}
		}
	}
	if failed == len(results) {
		return nil, goerr.New("all retrieval strategies failed",
			goerr.V("profile_id", req.ProfileID),
			goerr.V("errors", res.StrategyErrors))
	}

	res.Memories = r.rank(byID, intent, req.Query, topN)
	res.Context = RenderContext(res.Memories, r.now())
	return res, nil
}

func (r *Retriever) search(ctx context.Context, req Request, intent Intent) []strategyResult {
	limit := r.cfg.CandidateLimit
	if limit <= 0 {
		limit = 20
	}
	strategies := []struct {
		name string
		run  func(context.Context) ([]memory.Memory, map[string]float64, error)
	}{
		{StrategySemantic, func(ctx context.Context) ([]memory.Memory, map[string]float64, error) {
			return r.semanticSearch(ctx, req.ProfileID, req.Query, limit)
		}},
		{StrategyKeyword, func(ctx context.Context) ([]memory.Memory, map[string]float64, error) {
			m, err := r.keywordSearch(ctx, req.ProfileID, req.Query, intent.Keywords, limit)
			return m, nil, err
		}},
		{StrategyTemporal, func(ctx context.Context) ([]memory.Memory, map[string]float64, error) {
			m, err := r.temporalSearch(ctx, req.ProfileID, intent, limit)
			return m, nil, err
		}},
		{StrategyEntity, func(ctx context.Context) ([]memory.Memory, map[string]float64, error) {
			m, err := r.entitySearch(ctx, req.ProfileID, intent.Entities, limit)
			return m, nil, err
		}},
	}

	results := make([]strategyResult, len(strategies))
	var g errgroup.Group
	for i, s := range strategies {
		g.Go(func() error {
			mems, scores, err := s.run(ctx)
			// Failures stay per strategy; none of them aborts the group.
			results[i] = strategyResult{name: s.name, memories: mems, scores: scores, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Retriever) semanticSearch(ctx context.Context, profileID, query string, limit int) ([]memory.Memory, map[string]float64, error) {
	if r.vectors == nil {
		return nil, nil, nil
	}
	hits, err := r.vectors.Query(ctx, profileID, query, limit)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "semantic query")
	}
	if len(hits) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		ids = append(ids, h.MemoryID)
		scores[h.MemoryID] = clamp01(h.Score)
	}
	mems, err := r.store.GetMemoriesByIDs(ctx, profileID, ids)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "load semantic hits")
	}
	return mems, scores, nil
}

// keywordSearch prefers the full-text index and falls back to a plain
// substring match over the raw query tokens when the index errors.
func (r *Retriever) keywordSearch(ctx context.Context, profileID, query string, keywords []string, limit int) ([]memory.Memory, error) {
	terms := keywords
	if len(terms) == 0 {
		terms = memory.Keywords(query)
	}
	if len(terms) == 0 {
		return nil, nil
	}
	mems, err := r.store.SearchMemories(ctx, profileID, terms, limit)
	if err == nil {
		return mems, nil
	}
	r.warn("Full-text search failed, falling back to substring match", map[string]interface{}{
		"profile_id": profileID,
		"error":      err.Error(),
	})
	raw := []string{}
	for _, tok := range memory.Tokenize(query) {
		if len(tok) >= 3 && !memory.IsStopword(tok) {
			raw = append(raw, tok)
		}
	}
	mems, ferr := r.store.MatchMemories(ctx, profileID, raw, limit)
	if ferr != nil {
		return nil, goerr.Wrap(ferr, "keyword fallback", goerr.V("fts_error", err.Error()))
	}
	return mems, nil
}

func (r *Retriever) temporalSearch(ctx context.Context, profileID string, intent Intent, limit int) ([]memory.Memory, error) {
	window := intent.Window
	if window <= 0 {
		days := r.cfg.RecencyWindowDays
		if days <= 0 {
			days = 30
		}
		window = time.Duration(days) * 24 * time.Hour
	}
	mems, err := r.store.ListRecentMemories(ctx, profileID, r.now().Add(-window), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "temporal search")
	}
	return mems, nil
}

func (r *Retriever) entitySearch(ctx context.Context, profileID string, entities []string, limit int) ([]memory.Memory, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	terms := []string{}
	for _, e := range entities {
		terms = append(terms, memory.Tokenize(e)...)
	}
	mems, err := r.store.SearchMemories(ctx, profileID, terms, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "entity search")
	}
	out := make([]memory.Memory, 0, len(mems))
	for _, m := range mems {
		lower := strings.ToLower(m.Content)
		for _, e := range entities {
			if strings.Contains(lower, strings.ToLower(e)) {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (r *Retriever) rank(byID map[string]*candidate, intent Intent, query string, topN int) []RankedMemory {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := r.weights()
	queryTerms := intent.Keywords
	if len(queryTerms) == 0 {
		queryTerms = memory.Keywords(query)
	}
	now := r.now()

	ranked := make([]RankedMemory, 0, len(ids))
	for _, id := range ids {
		c := byID[id]
		s := Scores{
			Semantic:   c.semantic,
			Recency:    recencyScore(now, touchedAt(c.mem), r.cfg.RecencyHalfLifeDays),
			Importance: clamp01(c.mem.Importance),
			Mentions:   mentionScore(c.mem.MentionedCount),
			Keyword:    keywordOverlap(queryTerms, c.mem.Content),
		}
		score := w.Semantic*s.Semantic + w.Recency*s.Recency + w.Importance*s.Importance +
			w.Mentions*s.Mentions + w.Keyword*s.Keyword
		sources := make([]string, 0, len(c.sources))
		for src := range c.sources {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		ranked = append(ranked, RankedMemory{Memory: c.mem, Score: clamp01(score), Scores: s, Sources: sources})
	}

	// ids are pre-sorted, so a stable sort keeps ties in ID order.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

func (r *Retriever) weights() config.Weights {
	w := r.cfg.Weights
	if w.Sum() <= 0 {
		return config.Weights{Semantic: 0.4, Recency: 0.2, Importance: 0.2, Mentions: 0.1, Keyword: 0.1}
	}
	return w
}

func (r *Retriever) warn(msg string, fields map[string]interface{}) {
	logger.WarnCF("retrieval", msg, fields)
}

func touchedAt(m memory.Memory) time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// recencyScore halves every halfLifeDays.
func recencyScore(now, at time.Time, halfLifeDays float64) float64 {
	if at.IsZero() {
		return 0
	}
	if halfLifeDays <= 0 {
		halfLifeDays = 7
	}
	ageDays := now.Sub(at).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

// mentionScore saturates at ten mentions.
func mentionScore(count int) float64 {
	if count <= 0 {
		return 0
	}
	return clamp01(math.Log1p(float64(count)) / math.Log1p(10))
}

// keywordOverlap is the share of query terms found in content. Terms match
// exactly or by a shared prefix of at least four characters, so "prefer"
// matches "prefers".
func keywordOverlap(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := memory.Keywords(content)
	hit := 0
	for _, q := range queryTerms {
		for _, c := range contentTerms {
			if termsMatch(q, c) {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(queryTerms))
}

func termsMatch(a, b string) bool {
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= 4 && strings.HasPrefix(long, short)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
