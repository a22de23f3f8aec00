package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proxy-fetch-cache/internal/types"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "proxyfetchcache:pool"

// RedisStorage keeps the queue as a list, the seen set as a set and the stats
// as a JSON string, all replaced in one MULTI/EXEC.
type RedisStorage struct {
	client  *redis.Client
	timeout time.Duration

	availableKey string
	seenKey      string
	metaKey      string
}

func NewRedisStorage(addr string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{
		client:       client,
		timeout:      5 * time.Second,
		availableKey: redisKeyPrefix + ":available",
		seenKey:      redisKeyPrefix + ":seen",
		metaKey:      redisKeyPrefix + ":meta",
	}, nil
}

type redisMeta struct {
	Stats   types.PoolStats `json:"stats"`
	Updated time.Time       `json:"updated"`
}

func (r *RedisStorage) Save(snap *types.Snapshot) error {
	meta, err := json.Marshal(redisMeta{Stats: snap.Stats, Updated: snap.Updated})
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.availableKey, r.seenKey)
		if len(snap.Available) > 0 {
			pipe.RPush(ctx, r.availableKey, toArgs(snap.Available)...)
		}
		if len(snap.Seen) > 0 {
			pipe.SAdd(ctx, r.seenKey, toArgs(snap.Seen)...)
		}
		pipe.Set(ctx, r.metaKey, meta, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (r *RedisStorage) Load() (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.metaKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var meta redisMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	available, err := r.client.LRange(ctx, r.availableKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	seen, err := r.client.SMembers(ctx, r.seenKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	return &types.Snapshot{
		Available: available,
		Seen:      seen,
		Stats:     meta.Stats,
		Updated:   meta.Updated,
	}, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func toArgs(items []string) []interface{} {
	args := make([]interface{}, len(items))
	for i, s := range items {
		args[i] = s
	}
	return args
}
