//go:build !linux

package store

import (
	"errors"
)

var errEBPFUnsupported = errors.New("ebpf store backend requires linux")

// EBPFMap is unavailable on this platform.
type EBPFMap[K comparable, V any] struct{}

// NewEBPFMap always fails on this platform.
func NewEBPFMap[K comparable, V any](name string, maxEntries uint32) (*EBPFMap[K, V], error) {
	return nil, errEBPFUnsupported
}

func (m *EBPFMap[K, V]) Lookup(key K) (V, bool) {
	var val V
	return val, false
}

func (m *EBPFMap[K, V]) Put(key K, val V) error { return errEBPFUnsupported }

func (m *EBPFMap[K, V]) Delete(key K) error { return errEBPFUnsupported }

func (m *EBPFMap[K, V]) Iterate(fn func(key K, val V) bool) error { return errEBPFUnsupported }

func (m *EBPFMap[K, V]) Len() int { return 0 }

func (m *EBPFMap[K, V]) Cap() int { return 0 }

func (m *EBPFMap[K, V]) Close() error { return nil }
