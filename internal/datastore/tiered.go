package datastore

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/logging"
)

// Tiered implements Store with a fast L1 (in-memory) store backed by a
// shared L2 (typically Redis). Reads check L1 first, falling through to L2
// on miss and populating L1 on L2 hit. Writes go to both layers. With an
// Invalidator attached, writes and deletes also evict the key from the L1
// of every other instance.
type Tiered struct {
	l1    Store
	l2    Store
	l1TTL time.Duration // TTL for L1 entries (should be shorter than L2)
	inv   *Invalidator
}

// NewTiered creates a two-level store.
// l1TTL controls how long items live in L1 (default: 10s).
func NewTiered(l1, l2 Store, l1TTL time.Duration) *Tiered {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &Tiered{l1: l1, l2: l2, l1TTL: l1TTL}
}

// WithInvalidator makes writes publish invalidation signals through inv.
func (t *Tiered) WithInvalidator(inv *Invalidator) *Tiered {
	t.inv = inv
	return t
}

// Invalidator returns the attached invalidator, or nil. The caller runs its
// Start loop.
func (t *Tiered) Invalidator() *Invalidator { return t.inv }

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Get(ctx, key)
	if err == nil {
		return val, nil
	}

	val, err = t.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.l1.Set(ctx, key, value, t.l1TTL)
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	t.publish(ctx, key)
	return nil
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	if err := t.l2.Delete(ctx, key); err != nil {
		return err
	}
	t.publish(ctx, key)
	return nil
}

func (t *Tiered) publish(ctx context.Context, key string) {
	if t.inv == nil {
		return
	}
	if err := t.inv.Publish(ctx, key); err != nil {
		logging.Op().Warn("datastore invalidation publish failed", "key", key, "error", err)
	}
}

func (t *Tiered) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := t.l1.Exists(ctx, key)
	if err == nil && ok {
		return true, nil
	}
	return t.l2.Exists(ctx, key)
}

func (t *Tiered) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *Tiered) Close() error {
	if t.inv != nil {
		_ = t.inv.Close()
	}
	_ = t.l1.Close()
	return t.l2.Close()
}
