package radius

import (
	"sync"

	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// keyLocker serializes work per session key. Entries are reference
// counted and removed once no goroutine holds or waits on them.
type keyLocker struct {
	mu    sync.Mutex
	locks map[state.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[state.Key]*keyLock)}
}

// Lock blocks until key is held and returns the unlock function.
func (k *keyLocker) Lock(key state.Key) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
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

func (k *keyLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
