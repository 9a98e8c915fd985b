// Package keymutex provides mutual exclusion per key instead of one global lock.
package keymutex

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits for them, so the map only grows with contention.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// New returns an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[int64]*entry)}
}

// Lock blocks until the key is held and returns the function that releases it.
func (k *KeyMutex) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// LockAll acquires every key in ascending order, skipping duplicates, so two
// callers locking overlapping sets cannot deadlock. The returned function
// releases them in reverse order.
func (k *KeyMutex) LockAll(keys ...int64) (unlock func()) {
	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var unlocks []func()
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
