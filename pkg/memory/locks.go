package memory

import "sync"

// ProfileLocks serializes memory writes per profile. Entries are reference
// counted and dropped once no goroutine holds or waits on them.
type ProfileLocks struct {
	mu    sync.Mutex
	locks map[string]*profileLock
}

type profileLock struct {
	mu   sync.Mutex
	refs int
}

func NewProfileLocks() *ProfileLocks {
	return &ProfileLocks{locks: make(map[string]*profileLock)}
}

// Lock blocks until the profile's write lock is held and returns its release
// func.
func (l *ProfileLocks) Lock(profileID string) func() {
	l.mu.Lock()
	pl, ok := l.locks[profileID]
	if !ok {
		pl = &profileLock{}
		l.locks[profileID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, profileID)
		}
		l.mu.Unlock()
	}
}

func (l *ProfileLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
