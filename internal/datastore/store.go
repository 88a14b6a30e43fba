// Package datastore keeps task payloads and result blobs. Implementations
// may use an in-process LRU (default), Redis, or both in tiers. Values are
// opaque byte slices addressed by "<session>/<key>".
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("datastore: key not found")

// Store abstracts a key-value store with TTL support.
// All operations are safe for concurrent use.
type Store interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL uses the
	// implementation's default expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// Key joins a session and a data key into a store key.
func Key(session, key string) string {
	return session + "/" + key
}

// SplitKey is the inverse of Key.
func SplitKey(storeKey string) (session, key string, ok bool) {
	return strings.Cut(storeKey, "/")
}

// Open builds the store selected by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewInMemory(cfg.MemoryEntries, cfg.TTL), nil
	case "redis":
		return NewRedis(redisConfig(cfg)), nil
	case "tiered":
		l1 := NewInMemory(cfg.MemoryEntries, cfg.TTL)
		l2 := NewRedis(redisConfig(cfg))
		return NewTiered(l1, l2, 0).WithInvalidator(NewInvalidator(l1, l2.Client())), nil
	default:
		return nil, fmt.Errorf("unknown datastore backend %q", cfg.Backend)
	}
}

func redisConfig(cfg config.StoreConfig) RedisConfig {
	return RedisConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		KeyPrefix:  cfg.Redis.Prefix,
		DefaultTTL: cfg.TTL,
	}
}

func recordOp(backend, op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	metrics.RecordStoreOp(backend, op, result)
}
