// Package store provides the shared key/value tables used by the firewall
// and NAT engines.
package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFull        = errors.New("store is full")
	ErrKeyNotExist = errors.New("key does not exist")
)

// Map is a concurrent table with linearizable single-key operations.
// Nothing spans more than one key.
type Map[K comparable, V any] interface {
	// Lookup returns the value stored for key. A failed read is a miss.
	Lookup(key K) (V, bool)
	// Put inserts or replaces the value for key. It returns ErrFull when the
	// key is new and the table is at capacity.
	Put(key K, val V) error
	// Delete removes key. It returns ErrKeyNotExist when key is absent.
	Delete(key K) error
	// Iterate calls fn for every entry until fn returns false. Entries
	// written concurrently may or may not be visited.
	Iterate(fn func(key K, val V) bool) error
	Len() int
	// Cap returns the maximum number of entries, 0 means unbounded.
	Cap() int
}

// BulkMap is implemented by backends that read and delete many entries per
// call. GetAll and DeleteAll prefer it.
type BulkMap[K comparable, V any] interface {
	GetAll() (map[K]V, error)
	// DeleteAll removes keys, skipping keys that are already gone.
	DeleteAll(keys []K) error
}

// Backend selects the Map implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendEBPF   Backend = "ebpf"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	switch v := Backend(strings.ToLower(string(text))); v {
	case "", BackendMemory:
		*b = BackendMemory
	case BackendEBPF:
		*b = v
	default:
		return fmt.Errorf("unknown store backend: %q", text)
	}
	return nil
}

// Options configures New.
type Options struct {
	Backend Backend
	// Name identifies the table, eBPF maps use it as the map name.
	Name     string
	Capacity int
	Shards   int
}

// New creates a table on the configured backend.
func New[K comparable, V any](opts Options) (Map[K, V], error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewShardedMap[K, V](opts.Capacity, opts.Shards), nil
	case BackendEBPF:
		if opts.Capacity <= 0 {
			return nil, fmt.Errorf("ebpf table %s: capacity is required", opts.Name)
		}
		m, err := NewEBPFMap[K, V](opts.Name, uint32(opts.Capacity))
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", opts.Backend)
	}
}
