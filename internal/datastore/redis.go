package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis implements Store on a Redis server, shared by every agent instance
// pointing at it.
type Redis struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Addr       string        // Redis address (e.g. "localhost:6379")
	Password   string        // Redis password
	DB         int           // Redis database number
	KeyPrefix  string        // Key prefix for namespacing (default: "quasar:")
	DefaultTTL time.Duration // applied when Set is called with a zero TTL
}

const defaultRedisPrefix = "quasar:"

// NewRedis creates a new Redis-backed store.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisFromClient(client, cfg.KeyPrefix, cfg.DefaultTTL)
}

// NewRedisFromClient creates a Redis store using an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, defaultTTL time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
	}
}

// Client returns the underlying client.
func (s *Redis) Client() *redis.Client { return s.client }

func (s *Redis) key(k string) string {
	return s.prefix + k
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		err = ErrNotFound
	}
	recordOp("redis", "get", err)
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	err := s.client.Set(ctx, s.key(key), value, ttl).Err()
	recordOp("redis", "set", err)
	return err
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}
