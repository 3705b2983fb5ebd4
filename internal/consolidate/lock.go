package consolidate

import (
	"sync"

	"github.com/TobiSchelling/schoolcheck/internal/database"
)

// keyedMutex serializes work per consolidation key. Entries are dropped
// once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[database.StudentYear]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key database.StudentYear) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[database.StudentYear]*keyLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
