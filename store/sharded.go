package store

import (
	"hash/maphash"
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultShards is used when NewShardedMap is given no shard count.
const DefaultShards = 16

// ShardedMap is an in-memory Map split into independently locked shards.
type ShardedMap[K comparable, V any] struct {
	seed     maphash.Seed
	mask     uint64
	shards   []shard[K, V]
	capacity int
	count    atomic.Int64
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
	_     [32]byte // pad to a cache line
}

// NewShardedMap creates a map holding at most capacity entries (0 for no
// limit). The shard count is rounded up to a power of two.
func NewShardedMap[K comparable, V any](capacity, shards int) *ShardedMap[K, V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	if shards&(shards-1) != 0 {
		shards = 1 << bits.Len(uint(shards))
	}

	m := &ShardedMap[K, V]{
		seed:     maphash.MakeSeed(),
		mask:     uint64(shards - 1),
		shards:   make([]shard[K, V], shards),
		capacity: capacity,
	}
	for i := range m.shards {
		m.shards[i].items = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) shardFor(key K) *shard[K, V] {
	return &m.shards[maphash.Comparable(m.seed, key)&m.mask]
}

// Lookup implements Map.
func (m *ShardedMap[K, V]) Lookup(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	val, ok := s.items[key]
	s.mu.RUnlock()
	return val, ok
}

// Put implements Map.
func (m *ShardedMap[K, V]) Put(key K, val V) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists {
		if n := m.count.Add(1); m.capacity > 0 && n > int64(m.capacity) {
			m.count.Add(-1)
			return ErrFull
		}
	}
	s.items[key] = val
	return nil
}

// Delete implements Map.
func (m *ShardedMap[K, V]) Delete(key K) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists {
		return ErrKeyNotExist
	}
	delete(s.items, key)
	m.count.Add(-1)
	return nil
}

// Iterate implements Map. Each shard is copied before fn is called so fn
// may modify the map.
func (m *ShardedMap[K, V]) Iterate(fn func(key K, val V) bool) error {
	type entry struct {
		key K
		val V
	}

	var buf []entry
	for i := range m.shards {
		s := &m.shards[i]
		buf = buf[:0]
		s.mu.RLock()
		for k, v := range s.items {
			buf = append(buf, entry{k, v})
		}
		s.mu.RUnlock()

		for _, e := range buf {
			if !fn(e.key, e.val) {
				return nil
			}
		}
	}
	return nil
}

// Len implements Map.
func (m *ShardedMap[K, V]) Len() int {
	return int(m.count.Load())
}

// Cap implements Map.
func (m *ShardedMap[K, V]) Cap() int {
	return m.capacity
}
