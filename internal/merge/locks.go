package merge

import (
	"slices"
	"sync"
)

// keyedLocks hands out one mutex per case id. Entries are dropped when the
// last holder releases them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// Lock acquires every id in ascending order and returns the release func.
// Duplicate ids are locked once.
func (k *keyedLocks) Lock(ids ...string) (unlock func()) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*keyedLock, 0, len(sorted))
	for _, id := range sorted {
		l := k.acquire(id)
		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.release(sorted[i])
		}
	}
}

func (k *keyedLocks) acquire(id string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	return l
}

func (k *keyedLocks) release(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

func (k *keyedLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
