package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"genrelay/internal/config"
)

// RedisKV implements KV on a Redis server. Every key is namespaced with
// the configured prefix.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects using the [storage] section of cfg.
func NewRedisKV(cfg *config.Config) (*RedisKV, error) {
	addr := strings.TrimSpace(cfg.Storage.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for the redis backend")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
	return NewRedisKVFromClient(client, cfg.Storage.KeyPrefix), nil
}

// NewRedisKVFromClient wraps an existing client.
func NewRedisKVFromClient(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) key(k string) string {
	return r.prefix + k
}

// Get returns the value at key or ErrNotFound.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(orBackground(ctx), r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value at key without expiry.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(orBackground(ctx), r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (r *RedisKV) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(orBackground(ctx), r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(orBackground(ctx)).Err()
}

// Close releases the client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
