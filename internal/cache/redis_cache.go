package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "stockledger:idempotency:"

type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(addr string, password string, db int) *RedisIdempotencyStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisIdempotencyStore{client: client}
}

func (c *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisIdempotencyStore) Close() error {
	return c.client.Close()
}

// Claim stores the pending entry with SETNX; Complete overwrites it with the
// finished result under the same TTL.
func (c *RedisIdempotencyStore) Claim(ctx context.Context, key string, fingerprint string, ttl time.Duration) (*Entry, bool, error) {
	pending, err := json.Marshal(Entry{Fingerprint: fingerprint})
	if err != nil {
		return nil, false, err
	}
	claimed, err := c.client.SetNX(ctx, keyPrefix+key, pending, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if claimed {
		return nil, true, nil
	}

	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		claimed, err = c.client.SetNX(ctx, keyPrefix+key, pending, ttl).Result()
		return nil, claimed, err
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &entry, false, nil
}

func (c *RedisIdempotencyStore) Complete(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}

func (c *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}
