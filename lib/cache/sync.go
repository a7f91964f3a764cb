package cache

import "github.com/puzpuzpuz/xsync/v3"

// TypedSyncMap is a Map backed by a lock-free hash table.
type TypedSyncMap[K comparable, V any] struct {
	m *xsync.MapOf[K, V]
}

var _ Map[string, int] = (*TypedSyncMap[string, int])(nil)

func NewTypedSyncMap[K comparable, V any]() *TypedSyncMap[K, V] {
	return &TypedSyncMap[K, V]{
		m: xsync.NewMapOf[K, V](),
	}
}

func (m *TypedSyncMap[K, V]) Get(key K) (V, bool) {
	return m.m.Load(key)
}

func (m *TypedSyncMap[K, V]) Put(key K, value V) {
	m.m.Store(key, value)
}

func (m *TypedSyncMap[K, V]) Delete(key K) {
	m.m.Delete(key)
}

func (m *TypedSyncMap[K, V]) Range(f func(K, V) bool) {
	m.m.Range(f)
}

func (m *TypedSyncMap[K, V]) Len() int {
	return m.m.Size()
}
