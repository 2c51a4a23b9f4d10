// Package registry maps chunk keys to the executions running them.
package registry

import (
	"slices"
	"strings"
	"sync"
)

// Key identifies a chunk within a document.
type Key struct {
	DocID   string `json:"doc_id"`
	ChunkID string `json:"chunk_id"`
}

func (k Key) String() string {
	return k.DocID + "-" + k.ChunkID
}

// Registry is safe for concurrent use.
type Registry[V comparable] struct {
	mx      sync.RWMutex
	entries map[Key]V
}

func New[V comparable]() *Registry[V] {
	return &Registry[V]{
		entries: make(map[Key]V),
	}
}

// Register stores v under key. A previous entry is replaced and returned.
func (r *Registry[V]) Register(key Key, v V) (prev V, replaced bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	prev, replaced = r.entries[key]
	r.entries[key] = v
	return prev, replaced
}

// RegisterIfAbsent stores v only when key is free. Otherwise it returns
// the current entry and false.
func (r *Registry[V]) RegisterIfAbsent(key Key, v V) (V, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.entries[key]; ok {
		return cur, false
	}
	r.entries[key] = v
	return v, true
}

// Deregister removes key. Removing a missing key is a no-op.
func (r *Registry[V]) Deregister(key Key) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.entries, key)
}

// DeregisterIf removes key only while it still maps to v.
func (r *Registry[V]) DeregisterIf(key Key, v V) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.entries[key]; !ok || cur != v {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *Registry[V]) Lookup(key Key) (V, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

func (r *Registry[V]) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.entries)
}

// Keys returns registered keys sorted by document and chunk.
func (r *Registry[V]) Keys() []Key {
	r.mx.RLock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mx.RUnlock()
	slices.SortFunc(keys, func(a, b Key) int {
		if c := strings.Compare(a.DocID, b.DocID); c != 0 {
			return c
		}
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	return keys
}
