package store

import (
	"errors"
	"fmt"
)

// GetAll copies every entry of m into a new Go map. Backends implementing
// BulkMap read in bulk.
func GetAll[K comparable, V any](m Map[K, V]) (map[K]V, error) {
	if b, ok := m.(BulkMap[K, V]); ok {
		return b.GetAll()
	}

	result := make(map[K]V, m.Len())
	err := m.Iterate(func(key K, val V) bool {
		result[key] = val
		return true
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteAll removes keys from m. Keys that are already gone are ignored.
func DeleteAll[K comparable, V any](m Map[K, V], keys []K) error {
	if b, ok := m.(BulkMap[K, V]); ok {
		return b.DeleteAll(keys)
	}

	var errs []error
	for _, k := range keys {
		if err := m.Delete(k); err != nil && !errors.Is(err, ErrKeyNotExist) {
			errs = append(errs, fmt.Errorf("delete %v: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// SyncResult counts the changes Sync applied.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// Sync makes m hold exactly desired: stale keys are deleted first, then new
// and changed entries are written. It is not atomic, readers may observe
// intermediate states.
func Sync[K comparable, V comparable](m Map[K, V], desired map[K]V) (SyncResult, error) {
	var res SyncResult

	current, err := GetAll(m)
	if err != nil {
		return res, fmt.Errorf("read current entries: %w", err)
	}

	var stale []K
	for k := range current {
		if _, keep := desired[k]; !keep {
			stale = append(stale, k)
		}
	}

	deleteErr := DeleteAll(m, stale)
	res.Removed = len(stale)

	var errs []error
	for k, v := range desired {
		old, exists := current[k]
		if exists && old == v {
			continue
		}
		if err := m.Put(k, v); err != nil {
			errs = append(errs, fmt.Errorf("put %v: %w", k, err))
			continue
		}
		if exists {
			res.Updated++
		} else {
			res.Added++
		}
	}

	return res, errors.Join(deleteErr, errors.Join(errs...))
}
