package cache

import "context"

// Tiered consults tiers in order. A hit in a lower tier is copied into the
// tiers above it; writes and deletes go to every tier.
type Tiered[V any] struct {
	tiers []Cache[V]
}

func NewTiered[V any](tiers ...Cache[V]) *Tiered[V] {
	return &Tiered[V]{tiers: tiers}
}

func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	for i, tier := range t.tiers {
		v, ok := tier.Get(ctx, key)
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			t.tiers[j].Set(ctx, key, v)
		}
		return v, true
	}
	var zero V
	return zero, false
}

func (t *Tiered[V]) Set(ctx context.Context, key string, value V) {
	for _, tier := range t.tiers {
		tier.Set(ctx, key, value)
	}
}

func (t *Tiered[V]) Delete(ctx context.Context, key string) {
	for _, tier := range t.tiers {
		tier.Delete(ctx, key)
	}
}
