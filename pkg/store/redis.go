package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RedisClient defines the interface for Redis operations.
// This interface is compatible with github.com/redis/go-redis/v9.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Get(ctx context.Context, key string) RedisStringCmd
	Del(ctx context.Context, keys ...string) RedisIntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) RedisBoolCmd
	Pipeline() RedisPipeliner
	Close() error
}

// RedisStatusCmd represents a Redis status command result.
type RedisStatusCmd interface {
	Err() error
}

// RedisStringCmd represents a Redis string command result.
type RedisStringCmd interface {
	Bytes() ([]byte, error)
	Err() error
}

// RedisIntCmd represents a Redis int command result.
type RedisIntCmd interface {
	Err() error
}

// RedisBoolCmd represents a Redis bool command result.
type RedisBoolCmd interface {
	Err() error
}

// RedisPipeliner represents a Redis pipeline.
type RedisPipeliner interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Exec(ctx context.Context) ([]interface{}, error)
}

// ErrRedisNil is returned when a key doesn't exist in Redis.
// This should match redis.Nil from go-redis.
var ErrRedisNil = errors.New("redis: nil")

// RedisStore is a Redis-backed InstanceStore, suitable for
// multi-server deployments where a re-hydration may land on a
// different server than the one that evicted the instance. Expiry is
// delegated to Redis TTLs.
type RedisStore struct {
	client RedisClient
	prefix string

	mu     sync.RWMutex
	closed bool
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for snapshot keys.
// Default: "statewire:instance:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed instance store. The caller
// owns the client; Close does not close it.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "statewire:instance:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.prefix,
	}
}

func (r *RedisStore) key(instanceID string) string {
	return r.prefix + instanceID
}

func (r *RedisStore) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Save stores a snapshot with a TTL derived from expiresAt.
func (r *RedisStore) Save(ctx context.Context, instanceID string, token []byte, expiresAt time.Time) error {
	if r.isClosed() {
		return ErrStoreClosed{}
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, instanceID)
	}
	return r.client.Set(ctx, r.key(instanceID), token, ttl).Err()
}

// Load retrieves a snapshot. A missing key is (nil, nil).
func (r *RedisStore) Load(ctx context.Context, instanceID string) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrStoreClosed{}
	}

	data, err := r.client.Get(ctx, r.key(instanceID)).Bytes()
	if err != nil {
		if err.Error() == ErrRedisNil.Error() {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a snapshot.
func (r *RedisStore) Delete(ctx context.Context, instanceID string) error {
	if r.isClosed() {
		return ErrStoreClosed{}
	}
	return r.client.Del(ctx, r.key(instanceID)).Err()
}

// Touch extends the TTL without rewriting the token.
func (r *RedisStore) Touch(ctx context.Context, instanceID string, expiresAt time.Time) error {
	if r.isClosed() {
		return ErrStoreClosed{}
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, instanceID)
	}
	return r.client.Expire(ctx, r.key(instanceID), ttl).Err()
}

// SaveAll persists snapshots through a single pipeline.
func (r *RedisStore) SaveAll(ctx context.Context, snapshots map[string]Entry) error {
	if r.isClosed() {
		return ErrStoreClosed{}
	}
	if len(snapshots) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for id, entry := range snapshots {
		ttl := time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			continue
		}
		pipe.Set(ctx, r.key(id), entry.Token, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close marks the store closed. The Redis client stays open; the
// caller owns it.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

var _ InstanceStore = (*RedisStore)(nil)
