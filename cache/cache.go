// Package cache provides the small get/set/invalidate capability that the
// federation components receive instead of reaching for globals.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a keyed store with best-effort retention.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Invalidate(key K)
	Len() int
}

// LRU is a size-bounded cache whose entries expire after a TTL.
type LRU[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewLRU builds an LRU holding at most size entries. A ttl of zero keeps
// entries until they are evicted by size.
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	if size <= 0 {
		size = 1
	}
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *LRU[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *LRU[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

// Nop never stores anything.
type Nop[K comparable, V any] struct{}

func (Nop[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (Nop[K, V]) Set(K, V)     {}
func (Nop[K, V]) Invalidate(K) {}
func (Nop[K, V]) Len() int     { return 0 }
