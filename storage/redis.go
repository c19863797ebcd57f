package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStorage keeps each key as a plain Redis string.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions is the subset of redis.Options the tracker exposes.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key, e.g. "processmap:".
	KeyPrefix string
}

// NewRedisStorage connects and pings the server before returning.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}

	return &RedisStorage{client: client, prefix: opts.KeyPrefix}, nil
}

func (s *RedisStorage) key(k string) string {
	return s.prefix + k
}

// Get retrieves the raw value stored under key.
func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return data, nil
	})
}

// Set overwrites key without expiry.
func (s *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	return withContextError(ctx, func() error {
		if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// SetMany writes all values using a transactional pipeline.
func (s *RedisStorage) SetMany(ctx context.Context, values map[string][]byte) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		for k, v := range values {
			pipe.Set(ctx, s.key(k), v, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline: %w", err)
		}
		return nil
	})
}

// Delete removes key from Redis.
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
