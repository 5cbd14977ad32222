// Package keylock provides per-key mutexes that can be taken in batches.
package keylock

import (
	"sort"
	"sync"
)

// Locks hands out one mutex per key. Multi-key acquisition always happens in
// ascending key order, so two callers locking overlapping sets cannot deadlock.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

func (l *Locks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Lock acquires the mutexes for all keys and returns a function releasing them.
// Duplicate keys are locked once.
func (l *Locks) Lock(keys ...string) (unlock func()) {
	ordered := SortedUnique(keys)
	held := make([]*sync.Mutex, 0, len(ordered))
	for _, k := range ordered {
		m := l.get(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// SortedUnique returns the keys in ascending order without duplicates.
func SortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
