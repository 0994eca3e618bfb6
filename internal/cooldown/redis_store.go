package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisHash is the hash holding every cooldown entry of a session
const DefaultRedisHash = "admitgate:cooldown"

// RedisStore keeps cooldown entries in a single Redis hash so several engine
// processes can share them. Field = "BASE:DIRECTION", value = unix millis.
type RedisStore struct {
	client  *redis.Client
	hash    string
	timeout time.Duration
}

// NewRedisStore creates a store on client. An empty hash uses DefaultRedisHash.
func NewRedisStore(client *redis.Client, hash string, timeout time.Duration) *RedisStore {
	if hash == "" {
		hash = DefaultRedisHash
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisStore{client: client, hash: hash, timeout: timeout}
}

func (r *RedisStore) Load(ctx context.Context, key Key) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.HGet(ctx, r.hash, key.String()).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hget %s: %w", key, err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt cooldown value %q for %s: %w", raw, key, err)
	}
	return Entry{LastTradeTime: time.UnixMilli(ms).UTC(), Direction: key.Direction}, true, nil
}

func (r *RedisStore) Save(ctx context.Context, key Key, entry Entry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	value := strconv.FormatInt(entry.LastTradeTime.UnixMilli(), 10)
	if err := r.client.HSet(ctx, r.hash, key.String(), value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.hash).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.hash, err)
	}
	return nil
}
