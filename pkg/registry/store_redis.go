package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the mapping.
const DefaultRedisKey = "bevara:library"

// RedisStore persists the mapping as a Redis hash of JSON documents.
type RedisStore struct {
	redis *redis.Client
	key   string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{redis: client, key: DefaultRedisKey}, nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func (s *RedisStore) Load(ctx context.Context) (map[string]LibraryEntry, error) {
	raw, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load library hash: %w", err)
	}
	entries := make(map[string]LibraryEntry, len(raw))
	for k, v := range raw {
		var e LibraryEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode library entry %s: %w", k, err)
		}
		entries[k] = e
	}
	return entries, nil
}

func (s *RedisStore) Put(ctx context.Context, entry LibraryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.redis.HSet(ctx, s.key, entry.Key, data).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.redis.HDel(ctx, s.key, key).Err()
}
