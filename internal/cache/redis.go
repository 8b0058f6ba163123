package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared cache tier so that several coordinator instances reuse
// each other's lookups. Values are stored as JSON under prefix+key.
// Backend errors are logged and reported as misses.
type Redis[V any] struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedis[V any](client redis.Cmdable, prefix string, ttl time.Duration) *Redis[V] {
	return &Redis[V]{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[cache.redis] get %s: %v", key, err)
		}
		return zero, false
	}
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		log.Printf("[cache.redis] decode %s: %v", key, err)
		return zero, false
	}
	return v, true
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[cache.redis] encode %s: %v", key, err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		log.Printf("[cache.redis] set %s: %v", key, err)
	}
}

func (r *Redis[V]) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		log.Printf("[cache.redis] del %s: %v", key, err)
	}
}
