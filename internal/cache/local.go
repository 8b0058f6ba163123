package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Local is an in-process LRU whose entries also expire after a fixed TTL.
type Local[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewLocal returns a Local holding at most size entries for ttl each.
// size <= 0 means unbounded and ttl <= 0 means entries never expire.
func NewLocal[V any](size int, ttl time.Duration) *Local[V] {
	if size < 0 {
		size = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Local[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (l *Local[V]) Get(_ context.Context, key string) (V, bool) {
	return l.lru.Get(key)
}

func (l *Local[V]) Set(_ context.Context, key string, value V) {
	l.lru.Add(key, value)
}

func (l *Local[V]) Delete(_ context.Context, key string) {
	l.lru.Remove(key)
}

func (l *Local[V]) Len() int {
	return l.lru.Len()
}
