package datastore

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying keys whose L1
// copies must be dropped.
const InvalidationChannel = "quasar:datastore:invalidate"

// Invalidator evicts keys from a local store when another instance
// publishes them on InvalidationChannel.
type Invalidator struct {
	local  Store
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	ready  chan struct{}
}

// NewInvalidator subscribes local to invalidation signals carried by client.
func NewInvalidator(local Store, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
		ready:  make(chan struct{}),
	}
}

// Start listens for invalidation signals. It blocks until ctx is cancelled
// or Close is called.
func (i *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		cancel()
		return
	}
	i.cancel = cancel
	i.mu.Unlock()

	pubsub := i.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err == nil {
		close(i.ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = i.local.Delete(subCtx, msg.Payload)
		}
	}
}

// Ready is closed once the subscription is confirmed.
func (i *Invalidator) Ready() <-chan struct{} { return i.ready }

// Publish announces that key changed.
func (i *Invalidator) Publish(ctx context.Context, key string) error {
	return i.client.Publish(ctx, InvalidationChannel, key).Err()
}

// Close stops the listener.
func (i *Invalidator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	if i.cancel != nil {
		i.cancel()
	}
	return nil
}
