package ambassador

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SettingsCache stores JSON-serializable values by key, with a TTL.
// Get reports false on a miss.
type SettingsCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// newSettingsCache returns a redis-backed cache when an address is
// configured, otherwise an in-process cache
func newSettingsCache(config *CacheConfig) SettingsCache {
	if config == nil {
		return newMemoryCache(DefaultCacheTTL)
	}
	if config.RedisAddress == "" {
		return newMemoryCache(config.TTL)
	}
	return newRedisCache(
		redis.NewClient(
			&redis.Options{
				Addr:     config.RedisAddress,
				Password: config.RedisPassword,
				DB:       config.RedisDB,
			},
		),
		config.KeyPrefix,
		config.TTL,
	)
}

type redisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func newRedisCache(client *redis.Client, prefix string, ttl time.Duration) *redisCache {
	return &redisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *redisCache) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *redisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %q from redis: %w", key, err)
	}
	if err = json.Unmarshal(b, dest); err != nil {
		return false, fmt.Errorf("failed to deserialize %q: %w", key, err)
	}
	return true, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), b, r.ttl).Err()
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *redisCache) Close() error {
	return r.client.Close()
}

type memoryCacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// memoryCache is a SettingsCache for single-instance deployments. Values
// are stored serialized, so callers never share mutable state.
type memoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func newMemoryCache(ttl time.Duration) *memoryCache {
	return &memoryCache{
		ttl:     ttl,
		entries: map[string]memoryCacheEntry{},
		now:     time.Now,
	}
}

func (m *memoryCache) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && m.ttl > 0 && m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryCacheEntry{data: b, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (*memoryCache) Close() error {
	return nil
}
