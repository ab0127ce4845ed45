package gossip

import (
	"context"
	"time"
)

// Store is the ephemeral key/value half of the shared transport.
//
// TTL reports the remaining lifetime of a key; a non-positive duration means
// the key has no expiry or does not exist. Set clears any previous expiry.
// SetTTL writes the value and its expiry in one operation, so the key is
// never observable without a TTL.
type Store interface {
	Set(ctx context.Context, key, value string) error
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// PubSub is the best-effort publish/subscribe half of the shared transport.
// Delivery is at-most-once; fn is called from a transport-owned goroutine.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

// Transport is what nodes share: Redis, etcd or the in-process network.
type Transport interface {
	Store
	PubSub
	Close() error
}
