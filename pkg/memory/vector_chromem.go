package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemIndex is the embedded vector store. Each profile gets its own
// collection so a similarity query can never surface another profile's
// memories.
type ChromemIndex struct {
	db          *chromem.DB
	embedder    Embedder
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemIndex opens a persistent index under dir, or an in-memory one
// when dir is empty.
func NewChromemIndex(dir string, embedder Embedder) (*ChromemIndex, error) {
	if embedder == nil {
		embedder = NewEmbedder("")
	}
	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(dir) == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	}
	return &ChromemIndex{
		db:          db,
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(profileID string) string {
	return "profile_" + profileID
}

func (x *ChromemIndex) collection(profileID string) (*chromem.Collection, error) {
	if strings.TrimSpace(profileID) == "" {
		return nil, fmt.Errorf("vector index: empty profile id")
	}
	x.mu.RLock()
	col, ok := x.collections[profileID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[profileID]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(collectionName(profileID), map[string]string{"profile_id": profileID}, EmbeddingFunc(x.embedder))
	if err != nil {
		return nil, fmt.Errorf("get vector collection: %w", err)
	}
	x.collections[profileID] = col
	return col, nil
}

// Upsert replaces the embedding stored for memoryID.
func (x *ChromemIndex) Upsert(ctx context.Context, profileID, memoryID, text string) error {
	col, err := x.collection(profileID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        memoryID,
		Content:   text,
		Embedding: x.embedder.Embed(text),
		Metadata:  map[string]string{"profile_id": profileID},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Remove(ctx context.Context, profileID string, memoryIDs ...string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	col, err := x.collection(profileID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, memoryIDs...); err != nil {
		return fmt.Errorf("remove vectors: %w", err)
	}
	return nil
}

// Query returns up to topK hits ordered by similarity. Cosine similarity is
// mapped from [-1,1] onto [0,1].
func (x *ChromemIndex) Query(ctx context.Context, profileID, text string, topK int) ([]VectorHit, error) {
	if strings.TrimSpace(text) == "" || topK <= 0 {
		return nil, nil
	}
	col, err := x.collection(profileID)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection.
	if n := col.Count(); n == 0 {
		return nil, nil
	} else if topK > n {
		topK = n
	}
	results, err := col.QueryEmbedding(ctx, x.embedder.Embed(text), topK, map[string]string{"profile_id": profileID}, nil)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	hits := make([]VectorHit, 0, len(results))
	for _, r := range results {
		score := (float64(r.Similarity) + 1) / 2
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		hits = append(hits, VectorHit{MemoryID: r.ID, Score: score})
	}
	return hits, nil
}

// DeleteProfile drops the profile's whole namespace.
func (x *ChromemIndex) DeleteProfile(_ context.Context, profileID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.collections, profileID)
	if err := x.db.DeleteCollection(collectionName(profileID)); err != nil {
		return fmt.Errorf("delete vector collection: %w", err)
	}
	return nil
}

// Count reports how many vectors a profile holds.
func (x *ChromemIndex) Count(profileID string) int {
	col, err := x.collection(profileID)
	if err != nil {
		return 0
	}
	return col.Count()
}
