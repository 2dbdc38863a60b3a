package memory

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestProfileLocks_SerializesSameProfile(t *testing.T) {
	locks := NewProfileLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("p1")
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxInside)
	}
	if locks.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", locks.size())
	}
}

func TestProfileLocks_IndependentProfiles(t *testing.T) {
	locks := NewProfileLocks()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
