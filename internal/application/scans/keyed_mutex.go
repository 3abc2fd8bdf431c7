package scans

import (
	"sync"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// keyedMutex serialises work per scan id without a global lock. Entries are
// dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.ScanID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id domain.ScanID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[domain.ScanID]*keyedEntry)
	}
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
