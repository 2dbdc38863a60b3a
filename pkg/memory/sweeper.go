package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

// SweepStore is the slice of Store the dedup sweep needs.
type SweepStore interface {
	ListProfileIDs(ctx context.Context) ([]string, error)
	ListMemories(ctx context.Context, profileID string, limit int) ([]Memory, error)
	UpdateMemory(ctx context.Context, m Memory) (Memory, error)
	MarkMemoryMerged(ctx context.Context, profileID, id, intoID string) error
}

// SweepResult counts what a sweep did. Conflicts lists near-duplicate pairs
// that contradict each other and were left unmerged.
type SweepResult struct {
	Merged    int
	Conflicts []ConflictPair
}

type ConflictPair struct {
	KeptID  string
	OtherID string
}

func (r *SweepResult) add(o SweepResult) {
	r.Merged += o.Merged
	r.Conflicts = append(r.Conflicts, o.Conflicts...)
}

// Sweeper periodically folds near-duplicate memories that slipped past
// per-turn dedup, e.g. when two turns of the same profile raced.
type Sweeper struct {
	store     SweepStore
	vectors   VectorIndex
	locks     *ProfileLocks
	schedule  string
	threshold float64
	limit     int
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper validates the cron schedule. threshold is the ContentSimilarity
// at or above which two memories are merged.
func NewSweeper(store SweepStore, vectors VectorIndex, locks *ProfileLocks, schedule string, threshold float64) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	if locks == nil {
		locks = NewProfileLocks()
	}
	return &Sweeper{
		store:     store,
		vectors:   vectors,
		locks:     locks,
		schedule:  schedule,
		threshold: threshold,
		limit:     1000,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// NextRun returns the first scheduled tick strictly after ref.
func (s *Sweeper) NextRun(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, ref, false)
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	go s.loop()
}

func (s *Sweeper) loop() {
	defer close(s.done)
	for {
		next, err := s.NextRun(s.now())
		if err != nil {
			logger.ErrorCF("sweeper", "cannot compute next run", map[string]interface{}{"error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		res, err := s.SweepAll(ctx)
		cancel()
		if err != nil {
			logger.WarnCF("sweeper", "sweep finished with errors", map[string]interface{}{"error": err.Error(), "merged": res.Merged})
		} else {
			logger.InfoCF("sweeper", "sweep finished", map[string]interface{}{"merged": res.Merged, "conflicts": len(res.Conflicts)})
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
	}
}

// SweepAll sweeps every profile and sums the results. A failing profile does
// not stop the others.
func (s *Sweeper) SweepAll(ctx context.Context) (SweepResult, error) {
	var total SweepResult
	ids, err := s.store.ListProfileIDs(ctx)
	if err != nil {
		return total, err
	}
	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := s.SweepProfile(ctx, id)
		total.add(res)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sweep profile %s: %w", id, err)
		}
	}
	return total, firstErr
}

// SweepProfile merges near-duplicates of one profile under its write lock.
// Older memories absorb newer duplicates unless the two contradict.
func (s *Sweeper) SweepProfile(ctx context.Context, profileID string) (SweepResult, error) {
	unlock := s.locks.Lock(profileID)
	defer unlock()

	var res SweepResult
	items, err := s.store.ListMemories(ctx, profileID, s.limit)
	if err != nil {
		return res, err
	}
	// oldest first so the surviving id is stable across runs
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	absorbed := make([]bool, len(items))
	for i := range items {
		if absorbed[i] {
			continue
		}
		keeper := items[i]
		changed := false
		for j := i + 1; j < len(items); j++ {
			if absorbed[j] {
				continue
			}
			if ContentSimilarity(keeper.Content, items[j].Content) < s.threshold {
				continue
			}
			if Contradicts(keeper, items[j]) {
				res.Conflicts = append(res.Conflicts, ConflictPair{KeptID: keeper.ID, OtherID: items[j].ID})
				logger.WarnCF("sweeper", "contradicting memories left unmerged", map[string]interface{}{
					"profile_id": profileID,
					"kept_id":    keeper.ID,
					"other_id":   items[j].ID,
				})
				continue
			}
			keeper = Consolidate(keeper, items[j], s.now())
			if err := s.store.MarkMemoryMerged(ctx, profileID, items[j].ID, keeper.ID); err != nil {
				return res, err
			}
			absorbed[j] = true
			changed = true
			res.Merged++
			if s.vectors != nil {
				if err := s.vectors.Remove(ctx, profileID, items[j].ID); err != nil {
					logger.WarnCF("sweeper", "vector remove failed", map[string]interface{}{"memory_id": items[j].ID, "error": err.Error()})
				}
			}
		}
		if !changed {
			continue
		}
		if _, err := s.store.UpdateMemory(ctx, keeper); err != nil {
			return res, err
		}
		if s.vectors != nil && keeper.Content != items[i].Content {
			if err := s.vectors.Upsert(ctx, profileID, keeper.ID, keeper.Content); err != nil {
				logger.WarnCF("sweeper", "vector upsert failed", map[string]interface{}{"memory_id": keeper.ID, "error": err.Error()})
			}
		}
	}
	return res, nil
}
