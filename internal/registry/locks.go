package registry

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Locks hands out one mutex per agent name so every state transition for a
// name is totally ordered while different names proceed in parallel.
type Locks struct {
	m cmap.ConcurrentMap[string, *sync.Mutex]
}

func NewLocks() *Locks {
	return &Locks{m: cmap.New[*sync.Mutex]()}
}

// Lock blocks until name is held and returns the matching unlock.
func (l *Locks) Lock(name string) func() {
	mu := l.m.Upsert(name, nil, func(exist bool, cur *sync.Mutex, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return cur
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}
