// Package keylock provides mutexes keyed by entity id. Multi-key sections
// acquire their keys in ascending order, which gives every caller the same
// total order over id pairs and rules out deadlock between them.
package keylock

import (
	"sort"
	"sync"
)

// KeyedMutex hands out one mutex per key on demand. Entries are reference
// counted and dropped once the last holder releases, so the map does not
// grow with the id space.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*lockEntry)}
}

// Lock acquires the mutexes for the given keys, duplicates collapsed,
// in ascending order. It returns the matching unlock function.
func (k *KeyedMutex) Lock(keys ...int64) func() {
	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var ids []int64
	for _, id := range sorted {
		if len(ids) > 0 && id == ids[len(ids)-1] {
			continue
		}
		ids = append(ids, id)
	}

	entries := make([]*lockEntry, len(ids))
	k.mu.Lock()
	for i, id := range ids {
		e := k.locks[id]
		if e == nil {
			e = &lockEntry{}
			k.locks[id] = e
		}
		e.refs++
		entries[i] = e
	}
	k.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		k.mu.Lock()
		for i, e := range entries {
			e.refs--
			if e.refs == 0 {
				delete(k.locks, ids[i])
			}
		}
		k.mu.Unlock()
	}
}
