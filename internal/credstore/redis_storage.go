package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is used when no storage namespace is configured.
const DefaultNamespace = "dashboard"

const defaultRedisPrefix = "credstore:"

// RedisStorage keeps entries as plain redis strings under a namespaced prefix.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorageFromURL connects to redis and verifies the connection.
func NewRedisStorageFromURL(ctx context.Context, redisURL string, namespace string) (*RedisStorage, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("credstore.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credstore.redis.ping: %w", pingErr)
	}
	return NewRedisStorage(client, namespace), nil
}

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client *redis.Client, namespace string) *RedisStorage {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	return &RedisStorage{
		client: client,
		prefix: defaultRedisPrefix + namespace + ":",
	}
}

func (storage *RedisStorage) key(name string) string {
	return storage.prefix + name
}

// Load returns the value stored under key.
func (storage *RedisStorage) Load(ctx context.Context, key string) (string, bool, error) {
	value, err := storage.client.Get(ctx, storage.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credstore.redis.load: %w", err)
	}
	return value, true, nil
}

// Save writes all entries inside MULTI/EXEC.
func (storage *RedisStorage) Save(ctx context.Context, entries map[string]string) error {
	for key := range entries {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("credstore.redis.save: %w", ErrEmptyKey)
		}
	}
	_, err := storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range entries {
			pipe.Set(ctx, storage.key(key), value, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore.redis.save: %w", err)
	}
	return nil
}

// Remove deletes every key with a single DEL.
func (storage *RedisStorage) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		prefixed = append(prefixed, storage.key(key))
	}
	if err := storage.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("credstore.redis.remove: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (storage *RedisStorage) Close() error {
	return storage.client.Close()
}
