// README: Per-driver mutual exclusion; all writes to one driver are serialized.
package driver

import (
	"sync"

	"barq/internal/types"
)

// keyedMutex hands out one mutex per driver id. Entries are never evicted;
// the fleet is small relative to memory and eviction would race with Lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.ID]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[types.ID]*sync.Mutex)}
}

// Lock acquires the mutex for id and returns its unlock function.
func (k *keyedMutex) Lock(id types.ID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
