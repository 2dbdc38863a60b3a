// Package extraction turns a finished conversation turn into stored
// long-term memories: it proposes candidates, scores and tags them, folds
// near-duplicates into existing memories and persists the rest.
package extraction

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

const agentName = "MemoryExtractor"

// Skip reasons.
const (
	ReasonIncognito   = "incognito_mode"
	ReasonPauseMemory = "pause_memory_mode"
	ReasonNoProfile   = "no_profile"
)

// Store is the slice of memory.Store extraction writes through.
type Store interface {
	ListMemories(ctx context.Context, profileID string, limit int) ([]memory.Memory, error)
	InsertMemory(ctx context.Context, m memory.Memory) (memory.Memory, error)
	UpdateMemory(ctx context.Context, m memory.Memory) (memory.Memory, error)
	AppendAgentLog(ctx context.Context, l memory.AgentLog) error
}

type Request struct {
	SessionID         string
	OwnerID           string
	ProfileID         string
	Mode              memory.PrivacyMode
	UserMessage       string
	AssistantResponse string
	History           []providers.Message
}

// Conflict pairs a newly stored preference with an existing one it
// contradicts. Both are kept.
type Conflict struct {
	NewID      string  `json:"new_id"`
	ExistingID string  `json:"existing_id"`
	Similarity float64 `json:"similarity"`
}

type Result struct {
	// Memories are the rows written this turn, new and consolidated.
	Memories     []memory.Memory
	Inserted     int
	Consolidated int
	Conflicts    []Conflict
	Skipped      bool
	Reason       string
	UsedLLM      bool
	TokensUsed   int
}

type Extractor struct {
	store   Store
	vectors memory.VectorIndex
	llm     providers.LLMProvider
	locks   *memory.ProfileLocks
	cfg     config.ExtractionConfig
	now     func() time.Time
}

// New builds an extractor. vectors and llm may be nil: indexing is then
// skipped and candidates come from the heuristic extractor only.
func New(store Store, vectors memory.VectorIndex, llm providers.LLMProvider, locks *memory.ProfileLocks, cfg config.ExtractionConfig) (*Extractor, error) {
	if store == nil {
		return nil, goerr.New("extraction store is required")
	}
	if locks == nil {
		locks = memory.NewProfileLocks()
	}
	return &Extractor{store: store, vectors: vectors, llm: llm, locks: locks, cfg: cfg, now: time.Now}, nil
}

// ExtractAndStore runs the full pipeline for one turn. Outside normal mode it
// returns a skipped result without calling the model or touching the store.
//
// Once persistence starts it runs to completion even if ctx is cancelled, so
// a turn never leaves a partial set of memories behind.
func (e *Extractor) ExtractAndStore(ctx context.Context, req Request) (*Result, error) {
	switch req.Mode {
	case memory.PrivacyIncognito:
		return &Result{Skipped: true, Reason: ReasonIncognito, Memories: []memory.Memory{}}, nil
	case memory.PrivacyPauseMemory:
		return &Result{Skipped: true, Reason: ReasonPauseMemory, Memories: []memory.Memory{}}, nil
	case memory.PrivacyNormal:
	default:
		return nil, goerr.New("invalid privacy mode", goerr.V("mode", req.Mode))
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		return &Result{Skipped: true, Reason: ReasonNoProfile, Memories: []memory.Memory{}}, nil
	}

	res := &Result{Memories: []memory.Memory{}}
	prepared := e.prepare(e.collect(ctx, req, res))
	if len(prepared) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "extraction cancelled before persistence")
	}

	if err := e.persist(context.WithoutCancel(ctx), req, prepared, res); err != nil {
		return nil, err
	}
	logger.InfoCF("extraction", "Memories stored", map[string]interface{}{
		"profile_id":   req.ProfileID,
		"inserted":     res.Inserted,
		"consolidated": res.Consolidated,
		"conflicts":    len(res.Conflicts),
	})
	return res, nil
}

func (e *Extractor) collect(ctx context.Context, req Request, res *Result) []candidate {
	if e.cfg.UseLLM && e.llm != nil {
		cands, tokens, err := e.llmCandidates(ctx, req)
		res.TokensUsed += tokens
		if err == nil {
			res.UsedLLM = true
			return cands
		}
		logger.WarnCF("extraction", "Model extraction failed, using heuristics", map[string]interface{}{
			"profile_id": req.ProfileID,
			"error":      err.Error(),
		})
	}
	return heuristicCandidates(req.UserMessage)
}

type scored struct {
	candidate
	importance float64
}

// prepare categorizes, scores and tags candidates, drops weak ones and caps
// the batch at MaxCandidates, keeping the most important.
func (e *Extractor) prepare(cands []candidate) []scored {
	out := make([]scored, 0, len(cands))
	seen := map[string]struct{}{}
	for _, c := range cands {
		key := memory.NormalizeContent(c.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if !c.Type.Valid() {
			c.Type = Categorize(c.Content)
		}
		imp := ScoreImportance(c.Type, c.Content, c.Emphasized)
		if imp < e.cfg.MinImportance {
			continue
		}
		c.Tags = memory.MergeTags(c.Tags, GenerateTags(c.Content))
		if len(c.Tags) > maxTags {
			c.Tags = c.Tags[:maxTags]
		}
		out = append(out, scored{candidate: c, importance: imp})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].importance > out[j].importance })
	if e.cfg.MaxCandidates > 0 && len(out) > e.cfg.MaxCandidates {
		out = out[:e.cfg.MaxCandidates]
	}
	return out
}

// persist runs under the profile's write lock so concurrent turns for the
// same profile see each other's memories when deduplicating. A candidate that
// contradicts an existing memory is inserted next to it and flagged, never
// merged into it.
func (e *Extractor) persist(ctx context.Context, req Request, cands []scored, res *Result) error {
	unlock := e.locks.Lock(req.ProfileID)
	defer unlock()

	existing, err := e.store.ListMemories(ctx, req.ProfileID, 500)
	if err != nil {
		return goerr.Wrap(err, "load existing memories", goerr.V("profile_id", req.ProfileID))
	}
	now := e.now()

	for _, c := range cands {
		incoming := memory.Memory{
			OwnerID:        req.OwnerID,
			ProfileID:      req.ProfileID,
			Content:        c.Content,
			Importance:     c.importance,
			Type:           c.Type,
			Tags:           c.Tags,
			MentionedCount: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		idx, sim := bestMatch(existing, incoming)
		if idx >= 0 && sim >= e.cfg.DedupThreshold {
			merged := memory.Consolidate(existing[idx], incoming, now)
			saved, err := e.store.UpdateMemory(ctx, merged)
			if err != nil {
				return goerr.Wrap(err, "consolidate memory", goerr.V("memory_id", merged.ID))
			}
			existing[idx] = saved
			res.Consolidated++
			res.Memories = append(res.Memories, saved)
			e.index(ctx, saved)
			continue
		}

		saved, err := e.store.InsertMemory(ctx, incoming)
		if err != nil {
			return goerr.Wrap(err, "insert memory", goerr.V("profile_id", req.ProfileID))
		}
		for _, old := range existing {
			if memory.Contradicts(saved, old) {
				conflict := Conflict{NewID: saved.ID, ExistingID: old.ID, Similarity: memory.ContentSimilarity(saved.Content, old.Content)}
				res.Conflicts = append(res.Conflicts, conflict)
				e.logConflict(ctx, req.SessionID, conflict)
			}
		}
		existing = append(existing, saved)
		res.Inserted++
		res.Memories = append(res.Memories, saved)
		e.index(ctx, saved)
	}
	return nil
}

// bestMatch finds the most similar existing memory that incoming does not
// contradict.
func bestMatch(existing []memory.Memory, incoming memory.Memory) (int, float64) {
	best, bestSim := -1, 0.0
	for i, m := range existing {
		if memory.Contradicts(m, incoming) {
			continue
		}
		if sim := memory.ContentSimilarity(m.Content, incoming.Content); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best, bestSim
}

// index is best effort: the relational row is authoritative.
func (e *Extractor) index(ctx context.Context, m memory.Memory) {
	if e.vectors == nil {
		return
	}
	if err := e.vectors.Upsert(ctx, m.ProfileID, m.ID, m.Content); err != nil {
		logger.WarnCF("extraction", "Vector indexing failed", map[string]interface{}{
			"profile_id": m.ProfileID,
			"memory_id":  m.ID,
			"error":      err.Error(),
		})
	}
}

func (e *Extractor) logConflict(ctx context.Context, sessionID string, c Conflict) {
	logger.WarnCF("extraction", "Conflicting memories kept", map[string]interface{}{
		"new_id":      c.NewID,
		"existing_id": c.ExistingID,
	})
	summary, _ := json.Marshal(c)
	err := e.store.AppendAgentLog(ctx, memory.AgentLog{
		SessionID:     sessionID,
		AgentName:     agentName,
		Action:        "memory_conflict",
		InputSummary:  c.NewID,
		OutputSummary: string(summary),
		Status:        memory.LogWarning,
	})
	if err != nil {
		logger.WarnCF("extraction", "Failed to record memory conflict", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Extractor) debug(msg string, fields map[string]interface{}) {
	logger.DebugCF("extraction", msg, fields)
}
