package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend stores opaque cached payloads.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Purge(ctx context.Context) error
}

// MemoryBackend keeps payloads in a process-local LRU.
type MemoryBackend struct {
	lru *LRU[[]byte]
	now func() time.Time
}

// NewMemoryBackend creates a MemoryBackend with the given capacity.
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{lru: NewLRU[[]byte](capacity), now: time.Now}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key, m.now())
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.lru.Put(key, value, expires)
	return nil
}

func (m *MemoryBackend) Purge(context.Context) error {
	m.lru.Purge()
	return nil
}

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend shares cached payloads between console processes.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBackend(client, opts.Prefix), nil
}

func newRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "chatdesk:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Purge deletes every key under the backend prefix.
func (r *RedisBackend) Purge(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close releases the redis client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
