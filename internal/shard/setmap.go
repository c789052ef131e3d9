// Package shard provides a string-keyed map of string sets split across
// independently locked shards, so that unrelated keys never contend on the
// same mutex.
package shard

import (
	"hash/fnv"
	"sync"
)

// DefaultCount is used when a non-positive shard count is requested.
const DefaultCount = 32

type bucket struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// SetMap maps a key to a non-empty set of members. A key whose set becomes
// empty is removed, so Len reports only keys with at least one member.
type SetMap struct {
	buckets []*bucket
}

// NewSetMap creates a SetMap with n shards.
func NewSetMap(n int) *SetMap {
	if n <= 0 {
		n = DefaultCount
	}
	m := &SetMap{buckets: make([]*bucket, n)}
	for i := range m.buckets {
		m.buckets[i] = &bucket{sets: make(map[string]map[string]struct{})}
	}
	return m
}

func (m *SetMap) bucketFor(key string) *bucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.buckets[h.Sum32()%uint32(len(m.buckets))]
}

// Add inserts member into key's set. It reports whether the member was newly
// added and whether the set was empty before the call. When hook is non-nil
// and the member was added, hook runs with the shard still locked and receives
// the "set was empty" flag; it must not call back into the SetMap.
func (m *SetMap) Add(key, member string, hook func(first bool)) (added, first bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return false, false
	}
	first = len(set) == 0
	set[member] = struct{}{}
	if hook != nil {
		hook(first)
	}
	return true, first
}

// Remove deletes member from key's set. It reports whether the member was
// present and whether the set is now empty (in which case the key is gone).
// When hook is non-nil and the member was removed, hook runs with the shard
// still locked and receives the "set is now empty" flag.
func (m *SetMap) Remove(key, member string, hook func(last bool)) (removed, last bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.sets[key]
	if !ok {
		return false, false
	}
	if _, exists := set[member]; !exists {
		return false, false
	}
	delete(set, member)
	last = len(set) == 0
	if last {
		delete(b.sets, key)
	}
	if hook != nil {
		hook(last)
	}
	return true, last
}

// Contains reports whether member belongs to key's set.
func (m *SetMap) Contains(key, member string) bool {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sets[key][member]
	return ok
}

// Members returns a snapshot of key's set in no particular order.
func (m *SetMap) Members(key string) []string {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.sets[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out
}

// Has reports whether key currently has a non-empty set.
func (m *SetMap) Has(key string) bool {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sets[key]
	return ok
}

// Len returns the number of keys with a non-empty set.
func (m *SetMap) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.sets)
		b.mu.RUnlock()
	}
	return n
}
