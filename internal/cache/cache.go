package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache is a byte-valued store with per-key expiry
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// sweepInterval bounds how often Set scans for expired entries.
const sweepInterval = time.Minute

type memory struct {
	mu        sync.Mutex
	m         map[string]entry
	now       func() time.Time
	nextSweep time.Time
}

type entry struct {
	b   []byte
	exp time.Time
}

// New returns an in-process cache.
func New() Cache { return newMemory(time.Now) }

func newMemory(now func() time.Time) *memory {
	return &memory{m: make(map[string]entry), now: now}
}

func (c *memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && c.now().After(e.exp) {
		delete(c.m, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.b...), true, nil
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
		c.nextSweep = now.Add(sweepInterval)
	}
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = now.Add(ttl)
	}
	c.m[key] = e
	return nil
}

// sweep drops expired entries. Keys written once and never read again
// would otherwise stay until their next Get.
func (c *memory) sweep(now time.Time) {
	for k, e := range c.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			delete(c.m, k)
		}
	}
}

// RedisCache stores values in Redis under a key prefix
type RedisCache struct {
	r       *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, timeout time.Duration) *RedisCache {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisCache{r: client, prefix: prefix, timeout: timeout}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.r.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.r.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.r.Ping(ctx).Err()
}
