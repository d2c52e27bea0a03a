package benteng

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cache entries in Redis. Entries are JSON-encoded and
// the Redis key TTL is aligned with the entry TTL so Redis reclaims expired
// entries eagerly; the CacheStore still applies its own expiry check on
// read, so semantics match the in-memory backend exactly.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps client with the given key prefix. An empty prefix
// defaults to "benteng:cache:".
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "benteng:cache:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(key string) string {
	return r.prefix + key
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Unreadable entries are dropped rather than surfaced.
		_ = r.client.Del(ctx, r.key(key)).Err()
		return nil, false, nil
	}
	return &entry, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.prefix))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
