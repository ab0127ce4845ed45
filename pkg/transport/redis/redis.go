// Package redis implements gossip.Transport on a Redis server: plain keys
// with EXPIRE for liveness and PUBLISH/SUBSCRIBE for the channels.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
)

const scanBatch = 256

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Transport struct {
	client *goredis.Client
	log    *zap.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ gossip.Transport = (*Transport)(nil)

// New connects and pings the server.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Transport, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewFromClient(client, log), nil
}

func NewFromClient(client *goredis.Client, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		client: client,
		log:    log.Named("redis"),
		subs:   make(map[*subscription]struct{}),
	}
}

func (t *Transport) Set(ctx context.Context, key, value string) error {
	return t.client.Set(ctx, key, value, 0).Err()
}

// SetTTL is a single SET with PX, so the key never exists without expiry.
func (t *Transport) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis: non-positive ttl %s for %s", ttl, key)
	}
	return t.client.Set(ctx, key, value, ttl).Err()
}

func (t *Transport) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return t.client.Expire(ctx, key, ttl).Err()
}

// TTL maps Redis' -1 (no expiry) and -2 (missing) to non-positive durations.
func (t *Transport) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := t.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

func (t *Transport) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := t.client.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *Transport) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, key).Err()
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the server to confirm the subscription before
// returning, so nothing published afterwards is missed.
func (t *Transport) Subscribe(ctx context.Context, channel string, fn func([]byte)) (gossip.Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &subscription{owner: t, ps: ps}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			fn([]byte(msg.Payload))
		}
	}()
	return s, nil
}

// Close closes open subscriptions and the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	var err error
	for s := range subs {
		err = multierr.Append(err, s.close())
	}
	return multierr.Append(err, t.client.Close())
}

type subscription struct {
	owner *Transport
	ps    *goredis.PubSub
	once  sync.Once
	err   error
}

func (s *subscription) close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	return s.err
}

func (s *subscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return s.close()
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
