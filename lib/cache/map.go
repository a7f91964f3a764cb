// Package cache provides typed concurrent maps.
package cache

type Map[K comparable, V any] interface {
	Get(K) (V, bool)
	Put(K, V)
	Delete(K)
	Range(func(K, V) bool)
	Len() int
}
