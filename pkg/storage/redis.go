package storage

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsekit/pulse/pkg/errors"
)

// RedisConfig configures the Redis state backend. Useful when many
// kiosk-style clients share identity state through one Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g. "localhost:6379")
	Addr string

	// Password for Redis authentication (optional)
	Password string

	// DB is the database number to use (default: 0)
	DB int

	// Prefix is prepended to all state keys
	Prefix string

	// Timeout for Redis operations
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int

	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		Prefix:       "pulse:state:",
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisStore keeps tracker state in Redis.
type RedisStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "pulse:state:"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageFailed, "connect to redis").
			WithContext("addr", cfg.Addr)
	}

	return &RedisStore{cfg: cfg, client: client}, nil
}

// key returns the namespaced Redis key.
func (s *RedisStore) key(k string) string {
	return s.cfg.Prefix + sanitizeKey(k)
}

// Get retrieves the value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrap(err, errors.CodeStorageFailed, "redis get").
			WithContext("key", key)
	}
	return data, nil
}

// Set stores value under key. Redis handles expiry natively.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "redis set").
			WithContext("key", key)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "redis delete").
			WithContext("key", key)
	}
	return nil
}

// Clear removes every key under the store prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, s.cfg.Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "redis scan")
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "redis clear")
	}
	return nil
}

// Name returns "redis".
func (s *RedisStore) Name() string {
	return "redis"
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// PoolStats returns Redis connection pool statistics.
func (s *RedisStore) PoolStats() *redis.PoolStats {
	return s.client.PoolStats()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
