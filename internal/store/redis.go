package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisKeyPrefix namespaces all control-plane records in a shared Redis.
const redisKeyPrefix = "rmp:"

// RedisStore is a Store backed by Redis. PutIfAbsent maps to SETNX, which
// gives atomic first-write-wins across replicas of this service.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	fullKey := redisKeyPrefix + key

	// SETNX then read back the winner. The read can miss if the key is
	// deleted in between, so retry the pair a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		won, err := r.client.SetNX(ctx, fullKey, value, 0).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx: %w", err)
		}
		if won {
			return value, true, nil
		}

		existing, err := r.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get after setnx: %w", err)
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("redis setnx: key %s kept disappearing", key)
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	match := redisKeyPrefix + prefix + "*"

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis mget: %w", err)
			}
			for i, key := range keys {
				if values[i] == nil {
					continue
				}
				s, ok := values[i].(string)
				if !ok {
					continue
				}
				out[strings.TrimPrefix(key, redisKeyPrefix)] = []byte(s)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
