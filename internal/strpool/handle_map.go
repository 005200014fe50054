package strpool

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// HandleMap maps arena strings to values. Lookups accept either a handle
// or raw bytes; both hash the dereferenced bytes, so a string can be
// probed before it is added to the arena. Equality between two handles
// short-circuits on identical (offset, length) pairs.
//
// The Go runtime map cannot key on bytes living in a remappable arena, so
// this is a small open-addressing table with linear probing. Deletion is
// not supported; the store never removes interned strings.
type HandleMap[V any] struct {
	pool    *Pool
	entries []mapEntry[V]
	count   int
}

type mapEntry[V any] struct {
	handle Handle
	value  V
	used   bool
}

const minMapBuckets = 16

// NewHandleMap returns an empty map reading key bytes from pool.
func NewHandleMap[V any](pool *Pool) *HandleMap[V] {
	return &HandleMap[V]{pool: pool, entries: make([]mapEntry[V], minMapBuckets)}
}

// Len returns the number of stored keys.
func (m *HandleMap[V]) Len() int { return m.count }

// GetBytes looks up by raw key bytes.
func (m *HandleMap[V]) GetBytes(key []byte) (V, bool) {
	mask := uint64(len(m.entries) - 1)
	for i := xxhash.Sum64(key) & mask; ; i = (i + 1) & mask {
		e := &m.entries[i]
		if !e.used {
			var zero V
			return zero, false
		}
		if bytes.Equal(m.pool.Bytes(e.handle), key) {
			return e.value, true
		}
	}
}

// GetString looks up by a string key.
func (m *HandleMap[V]) GetString(key string) (V, bool) {
	return m.GetBytes([]byte(key))
}

// Get looks up by handle, with a fast path on identical handles.
func (m *HandleMap[V]) Get(h Handle) (V, bool) {
	mask := uint64(len(m.entries) - 1)
	key := m.pool.Bytes(h)
	for i := xxhash.Sum64(key) & mask; ; i = (i + 1) & mask {
		e := &m.entries[i]
		if !e.used {
			var zero V
			return zero, false
		}
		if e.handle == h || bytes.Equal(m.pool.Bytes(e.handle), key) {
			return e.value, true
		}
	}
}

// Put stores value under the handle's bytes, replacing any previous value
// for an equal string.
func (m *HandleMap[V]) Put(h Handle, value V) {
	if (m.count+1)*4 >= len(m.entries)*3 {
		m.grow()
	}
	key := m.pool.Bytes(h)
	mask := uint64(len(m.entries) - 1)
	for i := xxhash.Sum64(key) & mask; ; i = (i + 1) & mask {
		e := &m.entries[i]
		if !e.used {
			*e = mapEntry[V]{handle: h, value: value, used: true}
			m.count++
			return
		}
		if e.handle == h || bytes.Equal(m.pool.Bytes(e.handle), key) {
			e.value = value
			return
		}
	}
}

// Clear drops all entries but keeps the bucket array.
func (m *HandleMap[V]) Clear() {
	for i := range m.entries {
		m.entries[i] = mapEntry[V]{}
	}
	m.count = 0
}

func (m *HandleMap[V]) grow() {
	old := m.entries
	m.entries = make([]mapEntry[V], len(old)*2)
	mask := uint64(len(m.entries) - 1)
	for _, e := range old {
		if !e.used {
			continue
		}
		for i := xxhash.Sum64(m.pool.Bytes(e.handle)) & mask; ; i = (i + 1) & mask {
			if !m.entries[i].used {
				m.entries[i] = e
				break
			}
		}
	}
}
