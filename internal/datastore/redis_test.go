package datastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/oriys/quasar/internal/config"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedis(RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	t.Cleanup(func() { s.Close() })
	return mr, s
}

func TestRedis_SetGetDelete(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	if err := s.Set(ctx, "s/k", []byte("value"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, err := mr.Get("test:s/k"); err != nil || got != "value" {
		t.Fatalf("expected prefixed key in redis, got %q (%v)", got, err)
	}

	val, err := s.Get(ctx, "s/k")
	if err != nil || string(val) != "value" {
		t.Fatalf("Get returned %q, %v", val, err)
	}
	if ok, err := s.Exists(ctx, "s/k"); err != nil || !ok {
		t.Fatalf("Exists returned %v, %v", ok, err)
	}

	if err := s.Delete(ctx, "s/k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "s/k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedis_TTL(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRedis_DefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", time.Minute)
	defer s.Close()

	if err := s.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := mr.TTL("quasar:k"); ttl != time.Minute {
		t.Fatalf("expected default ttl of one minute, got %v", ttl)
	}
}

func TestRedis_PingFailure(t *testing.T) {
	mr, s := newTestRedis(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error after server shutdown")
	}
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, backend := range []string{"memory", "redis", "tiered"} {
		t.Run(backend, func(t *testing.T) {
			st, err := Open(config.StoreConfig{
				Backend:       backend,
				MemoryEntries: 16,
				Redis:         config.RedisConfig{Addr: mr.Addr()},
			})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer st.Close()
			if tiered, ok := st.(*Tiered); ok && tiered.Invalidator() == nil {
				t.Fatal("expected tiered store to carry an invalidator")
			}

			ctx := context.Background()
			if err := st.Set(ctx, "s/"+backend, []byte(backend), time.Minute); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			val, err := st.Get(ctx, "s/"+backend)
			if err != nil || string(val) != backend {
				t.Fatalf("Get returned %q, %v", val, err)
			}
		})
	}

	if _, err := Open(config.StoreConfig{Backend: "etcd"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
