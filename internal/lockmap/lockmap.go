// Package lockmap provides mutual-exclusion regions scoped to a key instead
// of the whole process.
package lockmap

import (
	"hash/maphash"
	"sync"
)

// Sharded is a fixed array of mutexes selected by key. Unrelated keys may
// share a shard; that costs throughput, never correctness.
type Sharded struct {
	seed   maphash.Seed
	shards []sync.Mutex
}

// NewSharded creates a sharded lock with n shards (minimum 1).
func NewSharded(n int) *Sharded {
	if n < 1 {
		n = 1
	}
	return &Sharded{
		seed:   maphash.MakeSeed(),
		shards: make([]sync.Mutex, n),
	}
}

// Lock acquires the shard for key and returns the matching unlock func.
func (s *Sharded) Lock(key string) (unlock func()) {
	mu := &s.shards[maphash.String(s.seed, key)%uint64(len(s.shards))]
	mu.Lock()
	return mu.Unlock
}

// Keyed hands out one mutex per live key. Entries are reference counted and
// dropped when the last holder unlocks, so the map does not grow with the
// number of keys ever seen.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until the region for key is free and returns the unlock func.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
