//go:build linux

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

const (
	// maxMapNameLen is BPF_OBJ_NAME_LEN without the terminating NUL.
	maxMapNameLen = 15

	defaultBatchSize = 50
)

var (
	batchAPIOnce sync.Once
	batchAPI     bool
)

// haveBatchAPI reports whether the kernel supports the map batch commands.
// The probe runs once per process.
func haveBatchAPI() bool {
	batchAPIOnce.Do(func() {
		m, err := ebpf.NewMap(&ebpf.MapSpec{
			Name:       "batch_api_test",
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: 1,
		})
		if err != nil {
			return
		}
		defer m.Close()

		_, err = m.BatchUpdate([]uint32{1}, []uint32{1}, nil)
		batchAPI = err == nil
	})
	return batchAPI
}

// EBPFMap is a Map backed by a BPF hash map. Keys and values are encoded
// with the host byte order, so K and V must be fixed-size types.
type EBPFMap[K comparable, V any] struct {
	underlying *ebpf.Map
	batchSize  int
	// noBatch forces the per-key paths of GetAll and DeleteAll.
	noBatch bool
}

// NewEBPFMap creates a BPF hash map sized for K and V.
func NewEBPFMap[K comparable, V any](name string, maxEntries uint32) (*EBPFMap[K, V], error) {
	var (
		key K
		val V
	)

	keySize, valSize := binary.Size(key), binary.Size(val)
	if keySize <= 0 || valSize <= 0 {
		return nil, fmt.Errorf("ebpf map %s: key and value must have a fixed size", name)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       mapName(name),
		Type:       ebpf.Hash,
		KeySize:    uint32(keySize),
		ValueSize:  uint32(valSize),
		MaxEntries: maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create ebpf map %s: %w", name, err)
	}

	return &EBPFMap[K, V]{underlying: m, batchSize: defaultBatchSize}, nil
}

// Lookup implements Map.
func (m *EBPFMap[K, V]) Lookup(key K) (V, bool) {
	var val V
	if err := m.underlying.Lookup(key, &val); err != nil {
		return val, false
	}
	return val, true
}

// Put implements Map.
func (m *EBPFMap[K, V]) Put(key K, val V) error {
	if err := m.underlying.Update(key, val, ebpf.UpdateAny); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return ErrFull
		}
		return err
	}
	return nil
}

// Delete implements Map.
func (m *EBPFMap[K, V]) Delete(key K) error {
	if err := m.underlying.Delete(key); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return ErrKeyNotExist
		}
		return err
	}
	return nil
}

// Iterate implements Map.
func (m *EBPFMap[K, V]) Iterate(fn func(key K, val V) bool) error {
	var (
		key K
		val V
	)

	it := m.underlying.Iterate()
	for it.Next(&key, &val) {
		if !fn(key, val) {
			return nil
		}
	}
	return it.Err()
}

func (m *EBPFMap[K, V]) useBatch() bool {
	return !m.noBatch && haveBatchAPI()
}

// GetAll reads every entry, in chunks of batchSize when the kernel supports
// batch lookups.
func (m *EBPFMap[K, V]) GetAll() (map[K]V, error) {
	result := make(map[K]V)
	if !m.useBatch() {
		err := m.Iterate(func(key K, val V) bool {
			result[key] = val
			return true
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	var cursor ebpf.MapBatchCursor
	keys := make([]K, m.batchSize)
	vals := make([]V, m.batchSize)
	for {
		n, err := m.underlying.BatchLookup(&cursor, keys, vals, nil)
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			// Values of the last chunk are not decoded unless V can be
			// written in place, so read them per key.
			for _, k := range keys[:n] {
				if v, ok := m.Lookup(k); ok {
					result[k] = v
				}
			}
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			result[keys[i]] = vals[i]
		}
	}
}

// DeleteAll removes keys, with batch deletes when the kernel supports them.
// Keys that are already gone are skipped.
func (m *EBPFMap[K, V]) DeleteAll(keys []K) error {
	if !m.useBatch() {
		var errs []error
		for _, k := range keys {
			if err := m.Delete(k); err != nil && !errors.Is(err, ErrKeyNotExist) {
				errs = append(errs, fmt.Errorf("delete %v: %w", k, err))
			}
		}
		return errors.Join(errs...)
	}

	// The kernel stops at the first missing key and reports how many keys
	// before it were deleted.
	for len(keys) > 0 {
		n, err := m.underlying.BatchDelete(keys, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ebpf.ErrKeyNotExist) {
			return err
		}
		if n >= len(keys) {
			return nil
		}
		keys = keys[n+1:]
	}
	return nil
}

// Len implements Map by walking the map.
func (m *EBPFMap[K, V]) Len() int {
	var n int
	_ = m.Iterate(func(K, V) bool {
		n++
		return true
	})
	return n
}

// Cap implements Map.
func (m *EBPFMap[K, V]) Cap() int {
	return int(m.underlying.MaxEntries())
}

// Close releases the map file descriptor.
func (m *EBPFMap[K, V]) Close() error {
	return m.underlying.Close()
}

func mapName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if len(name) > maxMapNameLen {
		name = name[:maxMapNameLen]
	}
	return name
}
